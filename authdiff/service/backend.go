package service

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/service/gate"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
	"github.com/go-appsec/authdiff/authdiff/service/mutate"
	"github.com/go-appsec/authdiff/authdiff/service/store"
)

var (
	// ErrParse marks malformed raw HTTP. The record is skipped.
	ErrParse = httpmsg.ErrParse
	// ErrConfig marks a mutation that cannot run with the current settings.
	ErrConfig = errors.New("configuration error")
	// ErrDispatch marks a failure sending the modified request.
	ErrDispatch = errors.New("dispatch failed")
	// ErrNotFound marks a request identity that is no longer resolvable.
	ErrNotFound = errors.New("not found")
)

// Target is the network destination of a request.
type Target struct {
	Hostname  string `json:"hostname"`
	Port      int    `json:"port"`
	UsesHTTPS bool   `json:"uses_https"`
}

// IsZero reports whether no destination is set.
func (t Target) IsZero() bool {
	return t.Hostname == ""
}

// Scheme returns http or https.
func (t Target) Scheme() string {
	if t.UsesHTTPS {
		return "https"
	}
	return "http"
}

// BaseURL returns scheme://host[:port], omitting default ports.
func (t Target) BaseURL() string {
	host := t.Hostname
	if (t.UsesHTTPS && t.Port != 443) || (!t.UsesHTTPS && t.Port != 80) {
		host = net.JoinHostPort(t.Hostname, strconv.Itoa(t.Port))
	}
	return t.Scheme() + "://" + host
}

// TargetFromHost infers a Target from a Host header value.
// Without an explicit port https/443 is assumed; port 80 implies http.
func TargetFromHost(host string) Target {
	hostname, port := host, 443
	if h, p, err := net.SplitHostPort(host); err == nil {
		if n, err := strconv.Atoi(p); err == nil {
			hostname, port = h, n
		}
	}
	hostname = strings.Trim(hostname, "[]")
	return Target{
		Hostname:  hostname,
		Port:      port,
		UsesHTTPS: port != 80,
	}
}

// Exchange is an observed request with its response, when one is available.
type Exchange struct {
	ID       string `json:"id"`
	Request  []byte `json:"request"`
	Response []byte `json:"response,omitempty"`
	Target   Target `json:"target"`
	Notes    string `json:"notes,omitempty"`
}

// RequestSource delivers observed traffic.
type RequestSource interface {
	// Name identifies the source in record origins.
	Name() string

	// Latest returns the newest request identity, or "" when no traffic exists.
	Latest(ctx context.Context) (string, error)

	// Since returns up to limit exchanges observed after afterID, oldest first.
	// An empty afterID starts at the beginning.
	Since(ctx context.Context, afterID string, limit int) ([]Exchange, error)

	// Lookup resolves an identity, returning ErrNotFound for stale ids.
	Lookup(ctx context.Context, id string) (*Exchange, error)
}

// DispatchRequest is a raw request and where to send it.
type DispatchRequest struct {
	Raw    []byte
	Target Target
}

// DispatchResult carries the response of a dispatched request. Response may be empty when
// ResponseID names a later lookup through the RequestSource. BurpBackend and NativeDispatcher
// always return Response; ResponseID is for dispatchers whose responses land in the source.
type DispatchResult struct {
	Response   []byte
	ResponseID string
	Duration   time.Duration
}

// Dispatcher sends constructed requests.
type Dispatcher interface {
	// Send dispatches the request and waits for its response.
	Send(ctx context.Context, req DispatchRequest) (*DispatchResult, error)

	// SendToReplay hands the request to the platform's replay tool without awaiting a response.
	SendToReplay(ctx context.Context, name string, req DispatchRequest) error

	// Close releases dispatcher resources.
	Close() error
}

// ScopeProvider lists the defined scopes.
type ScopeProvider interface {
	Scopes(ctx context.Context) ([]gate.ScopeSpec, error)
}

// EventSink observes ledger changes. Implementations must not block.
type EventSink interface {
	LedgerChanged(snapshot []store.Record)
}

// MultiSink fans a notification out to every sink.
type MultiSink []EventSink

func (m MultiSink) LedgerChanged(snapshot []store.Record) {
	for _, s := range m {
		s.LedgerChanged(snapshot)
	}
}

// Settings are the read-mostly inputs of the pipeline.
type Settings struct {
	AuthHeaders string
	Rules       []mutate.Rule
	Filters     gate.FilterSettings
	ActiveScope string
}

// SettingsProvider supplies the current Settings.
type SettingsProvider interface {
	Settings() Settings
}

// configSettings adapts a config.Store to SettingsProvider.
type configSettings struct {
	store *config.Store
}

// NewConfigSettings exposes the pipeline settings held by a config store.
func NewConfigSettings(s *config.Store) SettingsProvider {
	return configSettings{store: s}
}

func (c configSettings) Settings() Settings {
	cfg := c.store.Get()
	return Settings{
		AuthHeaders: cfg.AuthHeaders,
		Rules:       cfg.Rules,
		Filters:     cfg.Filters,
		ActiveScope: cfg.ActiveScope,
	}
}

// resolveScope finds the active scope by id or name. Absence means allow all.
func resolveScope(ctx context.Context, provider ScopeProvider, active string) (*gate.ScopeSpec, error) {
	if active == "" || provider == nil {
		return nil, nil
	}
	scopes, err := provider.Scopes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range scopes {
		if scopes[i].ID == active || scopes[i].Name == active {
			return &scopes[i], nil
		}
	}
	return nil, nil
}
