package config

import (
	"context"
	"slices"
	"sync"

	"github.com/go-appsec/authdiff/authdiff/service/gate"
)

// Store holds the live configuration and persists every update. Thread-safe.
type Store struct {
	mu   sync.RWMutex
	path string // empty disables persistence
	cfg  *Config
}

// NewStore wraps cfg. Updates are written to path when it is non-empty.
func NewStore(path string, cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig(Version)
	}
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Path() string { return s.path }

// Get returns a copy of the current configuration.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.cfg.Clone()
}

// Update applies fn to a copy of the configuration, validates and saves it, then makes it
// current. The configuration is unchanged if any step fails.
func (s *Store) Update(fn func(*Config) error) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.applyDefaults()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	if s.path != "" {
		if err := next.Save(s.path); err != nil {
			return nil, err
		}
	}
	s.cfg = next
	return next.Clone(), nil
}

// Scopes returns the defined scopes.
func (s *Store) Scopes(_ context.Context) ([]gate.ScopeSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]gate.ScopeSpec, len(s.cfg.Scopes))
	for i, sc := range s.cfg.Scopes {
		sc.Allow = slices.Clone(sc.Allow)
		sc.Deny = slices.Clone(sc.Deny)
		out[i] = sc
	}
	return out, nil
}
