package ledger

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/go-appsec/authdiff/authdiff/bundle"
	"github.com/go-appsec/authdiff/authdiff/cli"
	"github.com/go-appsec/authdiff/authdiff/cliutil"
	"github.com/go-appsec/authdiff/authdiff/mcpclient"
	"github.com/go-appsec/authdiff/authdiff/protocol"
)

const defaultSnapshotFile = "authdiff-ledger.msgpack"

func list(opts cli.ClientOptions, verdict, host string, limit int, markdown bool) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.LedgerList(ctx, mcpclient.LedgerListOpts{
		Verdict: verdict,
		Host:    host,
		Limit:   limit,
	})
	if err != nil {
		return fmt.Errorf("ledger list failed: %w", err)
	}

	if len(resp.Records) == 0 {
		cliutil.NoResults(os.Stdout, "No matching records found.")
		return nil
	}
	if markdown {
		printMarkdown(os.Stdout, resp.Records)
	} else {
		printRecordTable(os.Stdout, resp.Records)
	}
	printCounts(os.Stdout, resp)
	return nil
}

var listHeader = []string{"ID", "Verdict", "Method", "Host", "Path", "Orig", "Mod", "Note"}

func recordRow(r protocol.RecordEntry) []string {
	note := r.Error
	if r.Pending {
		note = "pending"
	}
	return []string{
		r.ID, r.Verdict, r.Method, r.Host, r.Path,
		statusCell(r.OrigStatus, r.OrigLength), statusCell(r.ModStatus, r.ModLength), note,
	}
}

func statusCell(status, length int) string {
	if status == 0 {
		return "-"
	}
	return strconv.Itoa(status) + " (" + strconv.Itoa(length) + ")"
}

func printRecordTable(w io.Writer, records []protocol.RecordEntry) {
	t := cliutil.NewTable(w)
	header := make(table.Row, len(listHeader))
	for i, h := range listHeader {
		header[i] = h
	}
	t.AppendHeader(header)
	t.SetRowPainter(cliutil.VerdictRowPainter(w, 1)) // verdict is column index 1
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, WidthMax: 60}, // path
		{Number: 8, WidthMax: 40, Colors: text.Colors{text.Faint}},
	})

	for _, r := range records {
		cells := recordRow(r)
		row := make(table.Row, len(cells))
		for i, c := range cells {
			row[i] = c
		}
		t.AppendRow(row)
	}
	t.Render()
}

func printMarkdown(w io.Writer, records []protocol.RecordEntry) {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = recordRow(r)
	}
	cliutil.WriteMarkdownTable(w, listHeader, rows)
}

func printCounts(w io.Writer, resp *protocol.LedgerListResponse) {
	cliutil.Summary(w, len(resp.Records), "record", "records")
	_, _ = fmt.Fprintf(w, "ledger total %d: same %d, similar %d, different %d, unknown %d\n",
		resp.Total, resp.Counts[protocol.VerdictSame], resp.Counts[protocol.VerdictSimilar],
		resp.Counts[protocol.VerdictDifferent], resp.Counts[protocol.VerdictUnknown])
	if n := resp.Counts[protocol.VerdictSame]; n > 0 {
		cliutil.HintCommand(w, "Review likely bypasses", "authdiff ledger list --verdict same")
	}
}

func get(opts cli.ClientOptions, id string) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	rec, err := client.LedgerGet(ctx, id)
	if err != nil {
		return fmt.Errorf("ledger get failed: %w", err)
	}
	printRecord(os.Stdout, rec)
	return nil
}

func printRecord(w io.Writer, rec *protocol.LedgerGetResponse) {
	verdict := rec.Verdict
	if rec.Pending {
		verdict += " (pending)"
	}
	_, _ = fmt.Fprintf(w, "Record %s: %s %s%s\n", rec.ID, rec.Method, rec.Host, rec.Path)
	_, _ = fmt.Fprintf(w, "Verdict: %s\n", verdict)
	_, _ = fmt.Fprintf(w, "Source: %s #%s -> %s\n", rec.Origin.Source, rec.Origin.SourceID, rec.Origin.Target)
	if rec.Origin.Notes != "" {
		_, _ = fmt.Fprintf(w, "Notes: %s\n", rec.Origin.Notes)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(w, "Error: %s\n", rec.Error)
	}

	section := func(title, content string) {
		if content == "" {
			content = "(not available)"
		}
		if cliutil.ColorEnabled(w) {
			title = text.Colors{text.Bold}.Sprint(title)
		}
		_, _ = fmt.Fprintf(w, "\n== %s ==\n%s\n", title, content)
	}
	section("Original request", rec.OrigRequest)
	section("Original response", rec.OrigResponse)
	section("Modified request", rec.ModRequest)
	section("Modified response", rec.ModResponse)
}

func save(opts cli.ClientOptions, id, out string) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	rec, err := client.LedgerGet(ctx, id)
	if err != nil {
		return fmt.Errorf("ledger save failed: %w", err)
	}
	dir, err := bundle.Write(out, rec)
	if err != nil {
		return fmt.Errorf("ledger save failed: %w", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Saved record %s to %s\n", id, dir)
	cliutil.HintCommand(os.Stdout, "Resubmit the original with", "authdiff traffic submit --bundle "+dir)
	return nil
}

func clearLedger(opts cli.ClientOptions) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	if err := client.LedgerClear(ctx); err != nil {
		return fmt.Errorf("ledger clear failed: %w", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, "Ledger cleared.")
	return nil
}

func export(opts cli.ClientOptions, out string) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.LedgerExport(ctx)
	if err != nil {
		return fmt.Errorf("ledger export failed: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return fmt.Errorf("invalid snapshot data: %w", err)
	} else if err := os.WriteFile(out, data, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "Exported %d records to %s (%s)\n", resp.Records, out, resp.Format)
	return nil
}

func importFile(opts cli.ClientOptions, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.LedgerImport(ctx, base64.StdEncoding.EncodeToString(data))
	if err != nil {
		return fmt.Errorf("ledger import failed: %w", err)
	}
	_, _ = fmt.Fprintf(os.Stdout, "Imported %d records, ledger now holds %d\n", resp.Imported, resp.Total)
	return nil
}
