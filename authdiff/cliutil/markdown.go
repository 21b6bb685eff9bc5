package cliutil

import (
	"io"
	"strings"
)

var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", "")

// EscapeCell makes s safe inside a single Markdown table cell.
func EscapeCell(s string) string {
	return cellEscaper.Replace(s)
}

// WriteMarkdownTable writes a GitHub style table. Rows shorter than the header are padded
// with empty cells and longer rows are cut.
func WriteMarkdownTable(w io.Writer, header []string, rows [][]string) {
	var sb strings.Builder
	line := func(values []string) {
		sb.WriteByte('|')
		for i := range header {
			var v string
			if i < len(values) {
				v = EscapeCell(values[i])
			}
			sb.WriteString(" " + v + " |")
		}
		sb.WriteByte('\n')
	}

	line(header)
	sb.WriteString("|" + strings.Repeat("---|", len(header)) + "\n")
	for _, r := range rows {
		line(r)
	}
	_, _ = io.WriteString(w, sb.String())
}
