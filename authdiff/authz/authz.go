package authz

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/authdiff/authdiff/cli"
	"github.com/go-appsec/authdiff/authdiff/cliutil"
	"github.com/go-appsec/authdiff/authdiff/protocol"
)

func toggle(opts cli.ClientOptions, action string) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	var resp *protocol.StatusResponse
	switch action {
	case "enable":
		resp, err = client.Enable(ctx)
	case "disable":
		resp, err = client.Disable(ctx)
	default:
		resp, err = client.Status(ctx)
	}
	if err != nil {
		return fmt.Errorf("authz %s failed: %w", action, err)
	}

	printStatus(os.Stdout, resp)
	if resp.Enabled && !resp.AuthHeadersConfigured {
		cliutil.HintCommand(os.Stdout, "No auth headers configured, set them with",
			"authdiff settings auth --file <headers.txt>")
	}
	return nil
}

func printStatus(w io.Writer, st *protocol.StatusResponse) {
	state := "disabled"
	if st.Enabled {
		state = "enabled"
	}
	scope := st.ActiveScope
	if scope == "" {
		scope = "(none)"
	}

	t := cliutil.NewTable(w)
	t.AppendRows([]table.Row{
		{"State", state},
		{"Source", st.Source},
		{"Records", fmt.Sprintf("%d / %d", st.Records, st.Capacity)},
		{"Pending", st.Pending},
		{"Auth headers", st.AuthHeadersConfigured},
		{"Active scope", scope},
	})
	if st.Enabled {
		t.AppendRow(table.Row{"Baseline", st.Baseline})
		t.AppendRow(table.Row{"Cursor", st.Cursor})
	}
	t.Render()
}

func process(opts cli.ClientOptions, id string) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.Process(ctx, id)
	if err != nil {
		return fmt.Errorf("authz process failed: %w", err)
	}

	rec := resp.Record
	t := cliutil.NewTable(os.Stdout)
	t.AppendHeader(table.Row{"ID", "Verdict", "Method", "Host", "Path", "Orig", "Mod"})
	t.SetRowPainter(cliutil.VerdictRowPainter(os.Stdout, 1))
	t.AppendRow(table.Row{rec.ID, rec.Verdict, rec.Method, rec.Host, rec.Path, rec.OrigStatus, rec.ModStatus})
	t.Render()
	cliutil.HintCommand(os.Stdout, "Details", "authdiff ledger get "+rec.ID)
	return nil
}
