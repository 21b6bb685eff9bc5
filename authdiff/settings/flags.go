package settings

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/cli"
	"github.com/go-appsec/authdiff/authdiff/mcpclient"
)

var (
	settingsSubcommands = []string{"show", "auth", "filters", "rule", "scope", "help"}
	ruleSubcommands     = []string{"add", "delete"}
	scopeSubcommands    = []string{"set", "delete", "use"}
)

func Parse(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("subcommand required")
	}

	switch args[0] {
	case "show":
		return parseShow(args[1:])
	case "auth":
		return parseAuth(args[1:])
	case "filters":
		return parseFilters(args[1:])
	case "rule":
		return parseRule(args[1:])
	case "scope":
		return parseScope(args[1:])
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		return cli.UnknownSubcommandError("settings", args[0], settingsSubcommands)
	}
}

func printUsage() {
	_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff settings <command> [options]

View and change the running service configuration. Changes are saved to the
config file and apply to the next processed request.

Commands:
  show                      Print the current settings
  auth                      Set the low-privilege auth headers
  filters                   Toggle static resource and OPTIONS filtering
  rule add|delete           Manage body substitution rules
  scope set|delete|use      Manage hostname scopes

Use "authdiff settings <command> --help" for more information.
`)
}

func parseShow(args []string) error {
	fs := pflag.NewFlagSet("settings show", pflag.ContinueOnError)
	var opts cli.ClientOptions
	opts.Register(fs)

	if err := fs.Parse(args); err != nil {
		return err
	}
	return show(opts)
}

func parseAuth(args []string) error {
	fs := pflag.NewFlagSet("settings auth", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var file string
	var headers []string
	var clearHeaders bool

	opts.Register(fs)
	fs.StringVarP(&file, "file", "f", "", "read headers from file, one 'Name: value' per line (- for stdin)")
	fs.StringArrayVarP(&headers, "header", "H", nil, "auth header 'Name: value' (repeatable)")
	fs.BoolVar(&clearHeaders, "clear", false, "remove all auth headers")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff settings auth [options]

Set the headers injected into modified requests. Headers with the same name
are replaced in the original request; others are appended.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	text, err := authHeaderText(file, headers, clearHeaders, os.Stdin)
	if err != nil {
		fs.Usage()
		return err
	}
	return update(opts, mcpclient.ConfigUpdateOpts{AuthHeaders: &text})
}

func parseFilters(args []string) error {
	fs := pflag.NewFlagSet("settings filters", pflag.ContinueOnError)
	var opts cli.ClientOptions
	var styling, javascript, images, options bool

	opts.Register(fs)
	fs.BoolVar(&styling, "ignore-styling", true, "skip stylesheet and font requests")
	fs.BoolVar(&javascript, "ignore-javascript", true, "skip script requests")
	fs.BoolVar(&images, "ignore-images", true, "skip image requests")
	fs.BoolVar(&options, "ignore-options", true, "skip OPTIONS requests")

	fs.Usage = func() {
		_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff settings filters [options]

Only flags given on the command line are changed, e.g. --ignore-images=false

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	var upd mcpclient.ConfigUpdateOpts
	if fs.Changed("ignore-styling") {
		upd.IgnoreStyling = &styling
	}
	if fs.Changed("ignore-javascript") {
		upd.IgnoreJavaScript = &javascript
	}
	if fs.Changed("ignore-images") {
		upd.IgnoreImages = &images
	}
	if fs.Changed("ignore-options") {
		upd.IgnoreOptions = &options
	}
	if upd == (mcpclient.ConfigUpdateOpts{}) {
		fs.Usage()
		return errors.New("no filter flags given")
	}
	return update(opts, upd)
}

func parseRule(args []string) error {
	if len(args) < 1 {
		return errors.New("rule subcommand required: add or delete")
	}

	switch args[0] {
	case "add":
		fs := pflag.NewFlagSet("settings rule add", pflag.ContinueOnError)
		var opts cli.ClientOptions
		var rule mcpclient.RuleAddOpts

		opts.Register(fs)
		fs.StringVar(&rule.Match, "match", "", "literal text to find in the request body (required)")
		fs.StringVar(&rule.Replace, "replace", "", "replacement text")
		fs.BoolVar(&rule.Disabled, "disabled", false, "add the rule disabled")

		if err := fs.Parse(args[1:]); err != nil {
			return err
		} else if rule.Match == "" {
			return errors.New("--match is required")
		}
		return ruleAdd(opts, rule)
	case "delete":
		fs := pflag.NewFlagSet("settings rule delete", pflag.ContinueOnError)
		var opts cli.ClientOptions
		opts.Register(fs)

		if err := fs.Parse(args[1:]); err != nil {
			return err
		} else if fs.NArg() < 1 {
			return errors.New("rule id required")
		}
		return ruleDelete(opts, fs.Arg(0))
	default:
		return cli.UnknownSubcommandError("settings rule", args[0], ruleSubcommands)
	}
}

func parseScope(args []string) error {
	if len(args) < 1 {
		return errors.New("scope subcommand required: set, delete or use")
	}

	switch args[0] {
	case "set":
		fs := pflag.NewFlagSet("settings scope set", pflag.ContinueOnError)
		var opts cli.ClientOptions
		var scope mcpclient.ScopeSetOpts

		opts.Register(fs)
		fs.StringVar(&scope.ID, "id", "", "existing scope id to replace")
		fs.StringSliceVar(&scope.Allow, "allow", nil, "hostname globs to include (comma-separated)")
		fs.StringSliceVar(&scope.Deny, "deny", nil, "hostname globs to exclude (comma-separated)")
		fs.BoolVar(&scope.Activate, "activate", false, "make this the active scope")

		fs.Usage = func() {
			_, _ = fmt.Fprint(os.Stderr, `Usage: authdiff settings scope set <name> [options]

A request is in scope when its host matches an allow pattern, or no allow
patterns are given, and matches no deny pattern.

Options:
`)
			fs.PrintDefaults()
		}

		if err := fs.Parse(args[1:]); err != nil {
			return err
		} else if fs.NArg() < 1 {
			fs.Usage()
			return errors.New("scope name required")
		}
		scope.Name = fs.Arg(0)
		return scopeSet(opts, scope)
	case "delete":
		fs := pflag.NewFlagSet("settings scope delete", pflag.ContinueOnError)
		var opts cli.ClientOptions
		opts.Register(fs)

		if err := fs.Parse(args[1:]); err != nil {
			return err
		} else if fs.NArg() < 1 {
			return errors.New("scope id or name required")
		}
		return scopeDelete(opts, fs.Arg(0))
	case "use":
		fs := pflag.NewFlagSet("settings scope use", pflag.ContinueOnError)
		var opts cli.ClientOptions
		var none bool
		opts.Register(fs)
		fs.BoolVar(&none, "none", false, "deactivate scope filtering")

		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		var active string
		if !none {
			if fs.NArg() < 1 {
				return errors.New("scope id or name required, or --none")
			}
			active = fs.Arg(0)
		}
		return update(opts, mcpclient.ConfigUpdateOpts{ActiveScope: &active})
	default:
		return cli.UnknownSubcommandError("settings scope", args[0], scopeSubcommands)
	}
}
