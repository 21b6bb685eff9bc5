package initialize

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/config"
)

func Parse(args []string) error {
	fs := pflag.NewFlagSet("init", pflag.ContinueOnError)
	var opts options

	fs.StringVar(&opts.path, "config", "", "config file path (default: ~/.authdiff/config.json)")
	fs.BoolVar(&opts.reset, "reset", false, "replace an existing config with defaults")
	fs.StringVar(&opts.backend, "backend", "", "traffic backend: auto, burp or native")
	fs.StringVar(&opts.burpURL, "burp-mcp-url", "", "Burp MCP SSE endpoint URL")
	fs.StringVar(&opts.authFile, "auth-file", "", "file with low-privilege auth headers, one 'Name: value' per line")

	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, `Usage: authdiff init [options]

Create or update the authdiff config file without a running service.
Existing settings are kept unless --reset is given.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.path == "" {
		opts.path = config.DefaultPath()
	}

	cfg, err := run(opts)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "Config written to %s (backend %s, control port %d)\n",
		opts.path, cfg.Backend, cfg.MCPPort)
	if cfg.AuthHeaders == "" {
		_, _ = fmt.Fprintln(os.Stdout, "No auth headers set yet, use --auth-file or: authdiff settings auth")
	}
	return nil
}
