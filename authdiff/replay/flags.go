package replay

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/cli"
)

var replaySubcommands = []string{"send", "list", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "send":
		return parseSend(args[1:])
	case "list":
		return parseList(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("replay", args[0], replaySubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff replay <command> [options]

Hand a recorded request to the replay tool of the traffic backend.
With Burp this opens a Repeater tab; the native backend sends the request
and keeps the result in its replay history.

Commands:
  send       Replay the original or modified request of a record
  list       Show the native replay history

Use "authdiff replay <command> --help" for more information.
`)
}

func parseSend(args []string) error {
	fs := pflag.NewFlagSet("replay send", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var modified bool

	opts.Register(fs)
	fs.BoolVarP(&modified, "modified", "m", false, "replay the modified request instead of the original")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff replay send <record_id> [options]

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("record_id required")
	}
	return send(opts, fs.Arg(0), modified)
}

func parseList(args []string) error {
	fs := pflag.NewFlagSet("replay list", pflag.ContinueOnError)
	var opts cli.ClientOptions
	opts.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, "Usage: authdiff replay list [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	return list(opts)
}
