package settings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/authdiff/authdiff/cli"
	"github.com/go-appsec/authdiff/authdiff/cliutil"
	"github.com/go-appsec/authdiff/authdiff/mcpclient"
	"github.com/go-appsec/authdiff/authdiff/protocol"
)

// authHeaderText builds the header block from exactly one of the input modes.
func authHeaderText(file string, headers []string, clearHeaders bool, stdin io.Reader) (string, error) {
	modes := 0
	for _, set := range []bool{file != "", len(headers) > 0, clearHeaders} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		return "", errors.New("exactly one of --file, --header or --clear is required")
	}

	switch {
	case clearHeaders:
		return "", nil
	case len(headers) > 0:
		return strings.Join(headers, "\n"), nil
	}

	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("read auth headers: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func show(opts cli.ClientOptions) error {
	return withClient(opts, func(client *mcpclient.Client, ctx context.Context) (*protocol.ConfigResponse, error) {
		return client.ConfigGet(ctx)
	})
}

func update(opts cli.ClientOptions, upd mcpclient.ConfigUpdateOpts) error {
	return withClient(opts, func(client *mcpclient.Client, ctx context.Context) (*protocol.ConfigResponse, error) {
		return client.ConfigUpdate(ctx, upd)
	})
}

func ruleAdd(opts cli.ClientOptions, rule mcpclient.RuleAddOpts) error {
	return withClient(opts, func(client *mcpclient.Client, ctx context.Context) (*protocol.ConfigResponse, error) {
		return client.RuleAdd(ctx, rule)
	})
}

func ruleDelete(opts cli.ClientOptions, id string) error {
	return withClient(opts, func(client *mcpclient.Client, ctx context.Context) (*protocol.ConfigResponse, error) {
		return client.RuleDelete(ctx, id)
	})
}

func scopeSet(opts cli.ClientOptions, scope mcpclient.ScopeSetOpts) error {
	return withClient(opts, func(client *mcpclient.Client, ctx context.Context) (*protocol.ConfigResponse, error) {
		return client.ScopeSet(ctx, scope)
	})
}

func scopeDelete(opts cli.ClientOptions, id string) error {
	return withClient(opts, func(client *mcpclient.Client, ctx context.Context) (*protocol.ConfigResponse, error) {
		return client.ScopeDelete(ctx, id)
	})
}

func withClient(opts cli.ClientOptions, call func(*mcpclient.Client, context.Context) (*protocol.ConfigResponse, error)) error {
	ctx, client, done, err := opts.Connect()
	if err != nil {
		return err
	}
	defer done()

	cfg, err := call(client, ctx)
	if err != nil {
		return fmt.Errorf("settings failed: %w", err)
	}
	printConfig(os.Stdout, cfg)
	return nil
}

func printConfig(w io.Writer, cfg *protocol.ConfigResponse) {
	_, _ = fmt.Fprintf(w, "Backend: %s\n", cfg.Backend)

	_, _ = fmt.Fprintln(w, "\nAuth headers:")
	if cfg.AuthHeaders == "" {
		_, _ = fmt.Fprintln(w, "  (none)")
	}
	for _, line := range strings.Split(cfg.AuthHeaders, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			_, _ = fmt.Fprintf(w, "  %s\n", line)
		}
	}

	f := cfg.Filters
	_, _ = fmt.Fprintf(w, "\nFilters: styling=%t javascript=%t images=%t options=%t\n",
		f.IgnoreStyling, f.IgnoreJavaScript, f.IgnoreImages, f.IgnoreOptions)

	if len(cfg.Rules) > 0 {
		_, _ = fmt.Fprintln(w, "\nRules:")
		t := cliutil.NewTable(w)
		t.AppendHeader(table.Row{"ID", "Match", "Replace", "Enabled"})
		for _, r := range cfg.Rules {
			t.AppendRow(table.Row{r.ID, r.Match, r.Replace, r.Enabled})
		}
		t.Render()
	}

	if len(cfg.Scopes) > 0 {
		_, _ = fmt.Fprintln(w, "\nScopes:")
		t := cliutil.NewTable(w)
		t.AppendHeader(table.Row{"", "Name", "Allow", "Deny", "ID"})
		for _, s := range cfg.Scopes {
			marker := ""
			if s.Active {
				marker = "*"
			}
			t.AppendRow(table.Row{marker, s.Name, strings.Join(s.Allow, ", "), strings.Join(s.Deny, ", "), s.ID})
		}
		t.Render()
	}
}
