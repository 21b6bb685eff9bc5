package ledger

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/cli"
)

var ledgerSubcommands = []string{"list", "get", "save", "clear", "export", "import", "help"}

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "list":
		return parseList(args[1:])
	case "get":
		return parseGet(args[1:])
	case "save":
		return parseSave(args[1:])
	case "clear":
		return parseClear(args[1:])
	case "export":
		return parseExport(args[1:])
	case "import":
		return parseImport(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("ledger", args[0], ledgerSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff ledger <command> [options]

Query and manage tested requests.

Commands:
  list       List records, newest first
  get        Show a record with its original and modified messages
  save       Write a record's messages to disk
  clear      Remove all records
  export     Write a ledger snapshot to a file
  import     Load records from a snapshot file

Use "authdiff ledger <command> --help" for more information.
`)
}

func parseList(args []string) error {
	fs := pflag.NewFlagSet("ledger list", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var verdict, host string
	var limit int
	var markdown bool

	opts.Register(fs)
	fs.StringVar(&verdict, "verdict", "", "filter by verdict: same, similar, different, unknown")
	fs.StringVar(&host, "host", "", "filter by host pattern (glob: *, ?)")
	fs.IntVar(&limit, "limit", 0, "maximum records to show")
	fs.BoolVar(&markdown, "markdown", false, "print a Markdown table")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff ledger list [options]

List ledger records, newest first.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	return list(opts, verdict, host, limit, markdown)
}

func parseGet(args []string) error {
	fs := pflag.NewFlagSet("ledger get", pflag.ContinueOnError)
	var opts cli.ClientOptions
	opts.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff ledger get <id> [options]

Show a record with its original and modified messages.

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
	return get(opts, fs.Arg(0))
}

func parseSave(args []string) error {
	fs := pflag.NewFlagSet("ledger save", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var out string

	opts.Register(fs)
	fs.StringVar(&out, "out", "", "output directory (default: ./authdiff-records)")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff ledger save <id> [options]

Write a record's messages to <out>/<id>/ for editing or resubmission.

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
	return save(opts, fs.Arg(0), out)
}

func parseClear(args []string) error {
	fs := pflag.NewFlagSet("ledger clear", pflag.ContinueOnError)
	var opts cli.ClientOptions
	opts.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, "Usage: authdiff ledger clear [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	return clearLedger(opts)
}

func parseExport(args []string) error {
	fs := pflag.NewFlagSet("ledger export", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var out string

	opts.Register(fs)
	fs.StringVarP(&out, "out", "o", defaultSnapshotFile, "snapshot file to write")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff ledger export [options]

Write all records to a msgpack snapshot file.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	return export(opts, out)
}

func parseImport(args []string) error {
	fs := pflag.NewFlagSet("ledger import", pflag.ContinueOnError)
	var opts cli.ClientOptions
	opts.Register(fs)

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff ledger import <file> [options]

Load records from a snapshot written by "authdiff ledger export".
Records with the same id are replaced.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() < 1 {
		fs.Usage()
		return errors.New("file required")
	}
	return importFile(opts, fs.Arg(0))
}
