package cliutil

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"

	"github.com/go-appsec/authdiff/authdiff/protocol"
)

// ColorEnabled reports whether w is a terminal and NO_COLOR is unset.
func ColorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NewTable returns a table writing to w in the light style.
func NewTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Header = text.FormatDefault
	if !ColorEnabled(w) {
		t.Style().Color = table.ColorOptions{}
	}
	return t
}

// VerdictColors maps verdicts to row colors.
var VerdictColors = map[string]text.Colors{
	protocol.VerdictSame:      {text.FgRed},
	protocol.VerdictSimilar:   {text.FgYellow},
	protocol.VerdictDifferent: {text.FgGreen},
	protocol.VerdictUnknown:   {text.Faint},
}

// VerdictRowPainter colors rows by the verdict in column col. A same verdict means the
// low-privilege request got the original response and is highlighted as a finding.
func VerdictRowPainter(w io.Writer, col int) table.RowPainter {
	enabled := ColorEnabled(w)
	return func(row table.Row) text.Colors {
		if !enabled || col >= len(row) {
			return nil
		}
		v, _ := row[col].(string)
		return VerdictColors[v]
	}
}

// Summary prints a "N item(s)" line.
func Summary(w io.Writer, n int, singular, plural string) {
	noun := plural
	if n == 1 {
		noun = singular
	}
	_, _ = fmt.Fprintf(w, "\n%d %s\n", n, noun)
}

// NoResults prints a placeholder message for empty results.
func NoResults(w io.Writer, msg string) {
	_, _ = fmt.Fprintln(w, msg)
}

// HintCommand prints a follow-up command suggestion.
func HintCommand(w io.Writer, label, command string) {
	if ColorEnabled(w) {
		command = text.Colors{text.FgCyan}.Sprint(command)
	}
	_, _ = fmt.Fprintf(w, "%s: %s\n", label, command)
}
