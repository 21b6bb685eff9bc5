package service

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/go-appsec/authdiff/authdiff/config"
)

// ServerFlags holds command line overrides for the service. Zero values defer to the config file.
type ServerFlags struct {
	ConfigPath string
	BurpMCPURL string
	MCPPort    int // negative listens on an ephemeral port
	Backend    string
	LogLevel   string
	Enable     bool // enable the pipeline once started
}

// ParseServerFlags parses flags for service mode (authdiff --service).
func ParseServerFlags(args []string) (ServerFlags, error) {
	fs := pflag.NewFlagSet("service", pflag.ContinueOnError)
	fs.SetInterspersed(true)
	var flags ServerFlags

	var service bool
	fs.BoolVar(&service, "service", false, "run the service (implied)")
	fs.StringVar(&flags.ConfigPath, "config", "", "config file path (default: ~/.authdiff/config.json)")
	fs.StringVar(&flags.BurpMCPURL, "burp-mcp-url", "", "Burp MCP SSE endpoint URL (default: from config)")
	fs.IntVarP(&flags.MCPPort, "port", "p", 0, "control server port (default: from config or 9129)")
	fs.StringVar(&flags.Backend, "backend", "", "traffic backend: auto, burp or native (default: from config)")
	fs.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&flags.Enable, "enable", false, "enable the pipeline on startup")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	switch flags.Backend {
	case "", config.BackendAuto, config.BackendBurp, config.BackendNative:
	default:
		return flags, fmt.Errorf("invalid --backend value %q: must be auto, burp or native", flags.Backend)
	}
	if flags.MCPPort < 0 || flags.MCPPort > 65535 {
		return flags, fmt.Errorf("invalid --port value %d", flags.MCPPort)
	}
	return flags, nil
}
