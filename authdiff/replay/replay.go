package replay

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/authdiff/authdiff/cli"
	"github.com/go-appsec/authdiff/authdiff/cliutil"
	"github.com/go-appsec/authdiff/authdiff/protocol"
)

func send(opts cli.ClientOptions, id string, modified bool) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.ReplaySend(ctx, id, modified)
	if err != nil {
		return fmt.Errorf("replay send failed: %w", err)
	}

	which := "original"
	if resp.Modified {
		which = "modified"
	}
	_, _ = fmt.Fprintf(os.Stdout, "Sent %s request of record %s to replay (%s)\n", which, resp.RecordID, resp.Target)
	return nil
}

func list(opts cli.ClientOptions) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	resp, err := client.ReplayList(ctx)
	if err != nil {
		return fmt.Errorf("replay list failed: %w", err)
	}
	if len(resp.Replays) == 0 {
		cliutil.NoResults(os.Stdout, "No replays sent yet.")
		return nil
	}
	printReplayTable(os.Stdout, resp.Replays)
	return nil
}

func printReplayTable(w io.Writer, replays []protocol.ReplayEntry) {
	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"Name", "Target", "Status", "Duration", "Sent", "Error"})
	for _, r := range replays {
		status := "-"
		if r.Status > 0 {
			status = fmt.Sprint(r.Status)
		}
		t.AppendRow(table.Row{r.Name, r.Target, status,
			(time.Duration(r.DurationMs) * time.Millisecond).String(), r.SentAt, r.Error})
	}
	t.Render()
	cliutil.Summary(w, len(replays), "replay", "replays")
}
