package authz

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/cli"
)

var authzSubcommands = []string{"status", "enable", "disable", "process", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "status":
		return parseToggle("status", args[1:])
	case "enable":
		return parseToggle("enable", args[1:])
	case "disable":
		return parseToggle("disable", args[1:])
	case "process":
		return parseProcess(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("authz", args[0], authzSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff authz <command> [options]

Control the authorization testing pipeline.

Commands:
  status     Show pipeline state and ledger counters
  enable     Start processing traffic observed from now on
  disable    Stop processing; pending records are kept unresolved
  process    Test one history request by id, regardless of state

Use "authdiff authz <command> --help" for more information.
`)
}

func parseToggle(action string, args []string) error {
	fs := pflag.NewFlagSet("authz "+action, pflag.ContinueOnError)
	var opts cli.ClientOptions
	opts.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: authdiff authz %s [options]\n\nOptions:\n", action)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	return toggle(opts, action)
}

func parseProcess(args []string) error {
	fs := pflag.NewFlagSet("authz process", pflag.ContinueOnError)
	var opts cli.ClientOptions
	opts.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff authz process <id> [options]

Mutate, dispatch and classify one request from the traffic source history.
Auth headers must be configured.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("id required")
	}
	return process(opts, fs.Arg(0))
}
