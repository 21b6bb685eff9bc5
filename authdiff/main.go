package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/authz"
	"github.com/go-appsec/authdiff/authdiff/cli"
	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/initialize"
	"github.com/go-appsec/authdiff/authdiff/ledger"
	"github.com/go-appsec/authdiff/authdiff/replay"
	"github.com/go-appsec/authdiff/authdiff/service"
	"github.com/go-appsec/authdiff/authdiff/settings"
	"github.com/go-appsec/authdiff/authdiff/traffic"
)

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == "--service" {
		os.Exit(runServiceMode(args[1:]))
		return
	}

	os.Exit(runClientCLI(args))
}

func runServiceMode(args []string) int {
	flags, err := service.ParseServerFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing service flags: %v\n", err)
		return 1
	}

	if srv, err := service.NewServer(flags, nil, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating service: %v\n", err)
		return 1
	} else if err := srv.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Service error: %v\n", err)
		return 1
	}
	return 0
}

var commands = []string{"init", "authz", "ledger", "replay", "settings", "traffic", "version", "help"}

func runClientCLI(args []string) int {
	if len(args) < 1 {
		printRootUsage()
		return 1
	}

	var err error
	switch args[0] {
	case "init":
		err = initialize.Parse(args[1:])
	case "authz":
		err = authz.Parse(args[1:])
	case "ledger":
		err = ledger.Parse(args[1:])
	case "replay":
		err = replay.Parse(args[1:])
	case "settings":
		err = settings.Parse(args[1:])
	case "traffic":
		err = traffic.Parse(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("authdiff version %s (%s)\n", config.Version, config.RevNum)
		return 0
	case "help", "--help", "-h":
		printRootUsage()
		return 0
	default:
		err = cli.UnknownCommandError(args[0], commands)
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printRootUsage() {
	fmt.Fprint(os.Stderr, `Usage: authdiff <command> [options]
       authdiff --service [service options]

Replays observed requests with low-privilege credentials and classifies how
each response differs from the original.

Commands:
  init       Create or update the config file (no service needed)
  authz      Enable, disable or inspect the testing pipeline
  ledger     Query, save, export and import tested requests
  replay     Send a recorded request to the backend's replay tool
  settings   Change auth headers, rules, filters and scopes
  traffic    Feed requests to the native backend

Service Options:
  --config <path>         config file (default: ~/.authdiff/config.json)
  --backend <name>        auto, burp or native
  --burp-mcp-url <url>    Burp MCP SSE endpoint
  -p, --port <port>       control server port (default: 9129)
  --enable                enable the pipeline on startup
  --log-level <level>     debug, info, warn, error

Client Options (all commands):
  --mcp-url <url>         service MCP endpoint (default: http://127.0.0.1:9129/mcp)
  --timeout <dur>         client-side timeout (default: 30s)

Use "authdiff <command> --help" for specific command usage.
`)
}
