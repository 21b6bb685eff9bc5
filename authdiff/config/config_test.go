package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/service/gate"
	"github.com/go-appsec/authdiff/authdiff/service/mutate"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig("0.0.1")

	assert.Equal(t, "0.0.1", cfg.Version)
	assert.Equal(t, DefaultBurpMCPURL, cfg.BurpMCPURL)
	assert.Equal(t, DefaultMCPPort, cfg.MCPPort)
	assert.Equal(t, BackendAuto, cfg.Backend)
	assert.False(t, cfg.InitializedAt.IsZero())
	assert.Equal(t, 500, cfg.Pipeline.LedgerCapacity)
	assert.Equal(t, time.Second, cfg.Pipeline.ReconcileInterval.Std())
	assert.Equal(t, 30*time.Second, cfg.Pipeline.DispatchTimeout.Std())
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.PendingTTL.Std())
	assert.True(t, cfg.Filters.IgnoreStyling)
	assert.NoError(t, cfg.Validate())
}

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := DefaultConfig("0.0.1")
	original.InitializedAt = time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	original.AuthHeaders = "Cookie: session=low\nAuthorization: Bearer abc"
	original.Rules = []mutate.Rule{{ID: "r1", Match: "1001", Replace: "1002", Enabled: true}}
	original.Scopes = []gate.ScopeSpec{{ID: "s1", Name: "shop", Allow: []string{"*.shop.test"}}}
	original.ActiveScope = "s1"
	original.Pipeline.PendingTTL = Duration(-1)

	require.NoError(t, original.Save(path))
	_, err := os.Stat(path)
	require.NoError(t, err)

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, original.InitializedAt.UTC(), loaded.InitializedAt.UTC())
	assert.Equal(t, original.AuthHeaders, loaded.AuthHeaders)
	assert.Equal(t, original.Rules, loaded.Rules)
	assert.Equal(t, original.Scopes, loaded.Scopes)
	assert.Equal(t, original.Pipeline, loaded.Pipeline)
	require.NotNil(t, loaded.ActiveScopeSpec())
	assert.Equal(t, "shop", loaded.ActiveScopeSpec().Name)
}

func TestLoadNotExist(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/path/config.json")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadInvalidJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"0.0.1","pipeline":{"dispatch_timeout":"5s","poll_interval":250}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultBurpMCPURL, cfg.BurpMCPURL)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.DispatchTimeout.Std())
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.PollInterval.Std())
	assert.Equal(t, 8, cfg.Pipeline.MaxConcurrent)
}

func TestLoadOrCreatePath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg, err := LoadOrCreatePath(path)
	require.NoError(t, err)
	assert.Equal(t, Version, cfg.Version)

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := LoadOrCreatePath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.InitializedAt.UTC(), again.InitializedAt.UTC())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("bad_backend", func(t *testing.T) {
		cfg := DefaultConfig(Version)
		cfg.Backend = "zap"
		assert.Error(t, cfg.Validate())
	})

	t.Run("empty_rule_match", func(t *testing.T) {
		cfg := DefaultConfig(Version)
		cfg.Rules = []mutate.Rule{{ID: "x", Enabled: true}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing_active_scope", func(t *testing.T) {
		cfg := DefaultConfig(Version)
		cfg.ActiveScope = "nope"
		assert.Error(t, cfg.Validate())
	})
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.JSONEq(t, `"1.5s"`, string(b))

	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"2m"`), &d))
	assert.Equal(t, 2*time.Minute, d.Std())
	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestStoreUpdate(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	s := NewStore(path, DefaultConfig(Version))

	updated, err := s.Update(func(c *Config) error {
		c.AuthHeaders = "Cookie: a=1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Cookie: a=1", updated.AuthHeaders)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Cookie: a=1", loaded.AuthHeaders)

	_, err = s.Update(func(c *Config) error {
		c.ActiveScope = "undefined"
		return nil
	})
	require.Error(t, err)
	assert.Empty(t, s.Get().ActiveScope)

	_, err = s.Update(func(c *Config) error { return errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, "Cookie: a=1", s.Get().AuthHeaders)
}

func TestStoreScopesCopy(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig(Version)
	cfg.Scopes = []gate.ScopeSpec{{ID: "a", Allow: []string{"x"}}}
	s := NewStore("", cfg)

	scopes, err := s.Scopes(t.Context())
	require.NoError(t, err)
	scopes[0].Allow[0] = "changed"

	again, _ := s.Scopes(t.Context())
	assert.Equal(t, "x", again[0].Allow[0])
}
