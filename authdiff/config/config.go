package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-appsec/authdiff/authdiff/service/gate"
	"github.com/go-appsec/authdiff/authdiff/service/mutate"
)

const (
	Version           = "0.1.0"
	DefaultBurpMCPURL = "http://127.0.0.1:9876/sse"
	DefaultMCPPort    = 9129

	BackendAuto   = "auto"
	BackendBurp   = "burp"
	BackendNative = "native"

	configDirName  = ".authdiff"
	configFileName = "config.json"
)

// RevNum is set at build time.
var RevNum = "dev"

// Config holds the authdiff configuration stored in ~/.authdiff/config.json
type Config struct {
	Version       string    `json:"version"`
	InitializedAt time.Time `json:"initialized_at"`
	BurpMCPURL    string    `json:"burp_mcp_url"`
	MCPPort       int       `json:"mcp_port"`
	Backend       string    `json:"backend"`

	// AuthHeaders is the multi-line "Name: value" text injected into modified requests.
	AuthHeaders string              `json:"auth_headers"`
	Rules       []mutate.Rule       `json:"rules"`
	Filters     gate.FilterSettings `json:"filters"`
	Scopes      []gate.ScopeSpec    `json:"scopes"`
	ActiveScope string              `json:"active_scope,omitempty"`

	Pipeline PipelineConfig `json:"pipeline"`
	Log      LogConfig      `json:"log"`
}

// PipelineConfig tunes processing, reconciliation and dispatch.
type PipelineConfig struct {
	LedgerCapacity    int      `json:"ledger_capacity"`
	ReconcileInterval Duration `json:"reconcile_interval"`
	PollInterval      Duration `json:"poll_interval"`
	DispatchTimeout   Duration `json:"dispatch_timeout"`
	// PendingTTL bounds how long a record waits for a missing response. Negative waits forever.
	PendingTTL        Duration `json:"pending_ttl"`
	MaxConcurrent     int      `json:"max_concurrent"`
	RequestsPerSecond float64  `json:"requests_per_second"`
	Burst             int      `json:"burst"`
}

// LogConfig controls the service logger.
type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"` // console or json
	File       string `json:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
}

// DefaultConfig returns a new Config with default values
func DefaultConfig(version string) *Config {
	cfg := &Config{
		Version:       version,
		InitializedAt: time.Now().UTC(),
		Filters: gate.FilterSettings{
			IgnoreStyling:    true,
			IgnoreJavaScript: true,
			IgnoreImages:     true,
			IgnoreOptions:    true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns ~/.authdiff/config.json, or a relative path if the home directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(configDirName, configFileName)
	}
	return filepath.Join(home, configDirName, configFileName)
}

// Load reads and parses config from the given path.
// If the file doesn't exist, returns os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, cfg.Validate()
}

// LoadOrCreatePath loads the config at path, writing a default one if it does not exist.
func LoadOrCreatePath(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = DefaultConfig(Version)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return cfg, cfg.Save(path)
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically by writing to temp file then renaming
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	var out Config
	_ = json.Unmarshal(data, &out)
	return &out
}

// ActiveScopeSpec returns the active scope, or nil when none is selected.
func (c *Config) ActiveScopeSpec() *gate.ScopeSpec {
	if c.ActiveScope == "" {
		return nil
	}
	for i := range c.Scopes {
		if c.Scopes[i].ID == c.ActiveScope || c.Scopes[i].Name == c.ActiveScope {
			s := c.Scopes[i]
			return &s
		}
	}
	return nil
}

// Validate checks references between fields.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendBurp, BackendNative:
	default:
		return fmt.Errorf("invalid backend %q: use auto, burp or native", c.Backend)
	}
	for _, r := range c.Rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	if c.ActiveScope != "" && c.ActiveScopeSpec() == nil {
		return fmt.Errorf("active scope %q is not defined", c.ActiveScope)
	}
	return nil
}

// applyDefaults fills in zero values with defaults
func (c *Config) applyDefaults() {
	if c.BurpMCPURL == "" {
		c.BurpMCPURL = DefaultBurpMCPURL
	}
	if c.MCPPort == 0 {
		c.MCPPort = DefaultMCPPort
	}
	if c.Backend == "" {
		c.Backend = BackendAuto
	}

	p := &c.Pipeline
	if p.LedgerCapacity <= 0 {
		p.LedgerCapacity = 500
	}
	if p.ReconcileInterval <= 0 {
		p.ReconcileInterval = Duration(time.Second)
	}
	if p.PollInterval <= 0 {
		p.PollInterval = Duration(time.Second)
	}
	if p.DispatchTimeout <= 0 {
		p.DispatchTimeout = Duration(30 * time.Second)
	}
	if p.PendingTTL == 0 {
		p.PendingTTL = Duration(10 * time.Minute)
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 8
	}
	if p.RequestsPerSecond <= 0 {
		p.RequestsPerSecond = 10
	}
	if p.Burst <= 0 {
		p.Burst = 5
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.File != "" {
		if c.Log.MaxSizeMB <= 0 {
			c.Log.MaxSizeMB = 50
		}
		if c.Log.MaxBackups <= 0 {
			c.Log.MaxBackups = 3
		}
	}
}
