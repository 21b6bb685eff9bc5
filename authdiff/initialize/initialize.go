// Package initialize writes the authdiff config file from the command line.
package initialize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

type options struct {
	path     string
	reset    bool
	backend  string
	burpURL  string
	authFile string
}

func run(opts options) (*config.Config, error) {
	var cfg *config.Config
	if opts.reset {
		cfg = config.DefaultConfig(config.Version)
	} else {
		var err error
		if cfg, err = config.LoadOrCreatePath(opts.path); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	switch opts.backend {
	case "":
	case config.BackendAuto, config.BackendBurp, config.BackendNative:
		cfg.Backend = opts.backend
	default:
		return nil, fmt.Errorf("invalid backend %q: must be auto, burp or native", opts.backend)
	}
	if opts.burpURL != "" {
		cfg.BurpMCPURL = opts.burpURL
	}
	if opts.authFile != "" {
		data, err := os.ReadFile(opts.authFile)
		if err != nil {
			return nil, fmt.Errorf("read auth headers: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if len(httpmsg.ParseHeaderBlock(text)) == 0 {
			return nil, errors.New("auth file has no valid 'Name: value' lines")
		}
		cfg.AuthHeaders = text
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	} else if err := os.MkdirAll(filepath.Dir(opts.path), 0700); err != nil {
		return nil, err
	} else if err := cfg.Save(opts.path); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	return cfg, nil
}
