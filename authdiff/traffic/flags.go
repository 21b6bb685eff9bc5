package traffic

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/cli"
)

var trafficSubcommands = []string{"submit", "respond", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "submit":
		return parseSubmit(args[1:])
	case "respond":
		return parseRespond(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("traffic", args[0], trafficSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff traffic <command> [options]

Feed observed traffic to the native backend (service started with --backend native).

Commands:
  submit     Submit a raw request, optionally with its response
  respond    Attach the response to a submitted request

Use "authdiff traffic <command> --help" for more information.
`)
}

func parseSubmit(args []string) error {
	fs := pflag.NewFlagSet("traffic submit", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var in submitInput

	opts.Register(fs)
	fs.StringVarP(&in.requestFile, "request", "r", "", "raw HTTP request file (- for stdin)")
	fs.StringVar(&in.responseFile, "response", "", "raw HTTP response file")
	fs.StringVar(&in.bundle, "bundle", "", "saved record directory or id (from ledger save)")
	fs.StringVarP(&in.target, "target", "t", "", "destination scheme://host[:port] (default: from Host header)")
	fs.StringVar(&in.notes, "notes", "", "free-form notes kept with the record")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff traffic submit [options]

Input sources (exactly one required):
  --request <file>    raw HTTP request (- for stdin)
  --bundle <dir|id>   original request and response of a saved record

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	return submit(opts, in)
}

func parseRespond(args []string) error {
	fs := pflag.NewFlagSet("traffic respond", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var responseFile string

	opts.Register(fs)
	fs.StringVar(&responseFile, "response", "", "raw HTTP response file (- for stdin)")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff traffic respond <id> --response <file> [options]

Attach the original response to a request submitted without one. Records
waiting on it are completed by the next reconciliation pass.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("id required")
	} else if responseFile == "" {
		fs.Usage()
		return errors.New("--response is required")
	}
	return respond(opts, fs.Arg(0), responseFile)
}
