package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/service/gate"
	"github.com/go-appsec/authdiff/authdiff/service/store"
)

const testAuthHeaders = "Cookie: session=low-priv\nAuthorization: Bearer second"

func rawRequest(method, path, host string, headers ...string) []byte {
	var sb strings.Builder
	sb.WriteString(method + " " + path + " HTTP/1.1\r\nHost: " + host + "\r\n")
	for _, h := range headers {
		sb.WriteString(h + "\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

func rawResponse(status int, body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 %d Status\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, len(body), body))
}

type staticSettings struct {
	mu       sync.Mutex
	settings Settings
}

func (s *staticSettings) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *staticSettings) set(fn func(*Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
}

type staticScopes []gate.ScopeSpec

func (s staticScopes) Scopes(context.Context) ([]gate.ScopeSpec, error) {
	return s, nil
}

// failingSource fails every lookup with err.
type failingSource struct {
	*MemorySource
	err error
}

func (f failingSource) Lookup(context.Context, string) (*Exchange, error) {
	return nil, f.err
}

// fakeDispatcher answers every request through respond, or a 200 "ok" response by default.
type fakeDispatcher struct {
	mu       sync.Mutex
	respond  func(DispatchRequest) (*DispatchResult, error)
	sent     []DispatchRequest
	replayed []string
}

func (d *fakeDispatcher) Send(_ context.Context, req DispatchRequest) (*DispatchResult, error) {
	d.mu.Lock()
	d.sent = append(d.sent, req)
	respond := d.respond
	d.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	return &DispatchResult{Response: rawResponse(200, "ok")}, nil
}

func (d *fakeDispatcher) SendToReplay(_ context.Context, name string, _ DispatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replayed = append(d.replayed, name)
	return nil
}

func (d *fakeDispatcher) Close() error { return nil }

func (d *fakeDispatcher) sentRequests() []DispatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DispatchRequest(nil), d.sent...)
}

// recordingSink keeps every snapshot it is notified with.
type recordingSink struct {
	mu        sync.Mutex
	snapshots [][]store.Record
}

func (s *recordingSink) LedgerChanged(snapshot []store.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snapshot)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

type testPipeline struct {
	controller *Controller
	source     *MemorySource
	dispatcher *fakeDispatcher
	settings   *staticSettings
	sink       *recordingSink
}

// newTestPipeline starts a controller over a MemorySource with fast tickers.
func newTestPipeline(t *testing.T, opts ...func(*ControllerOptions)) *testPipeline {
	t.Helper()

	p := &testPipeline{
		source:     NewMemorySource(0),
		dispatcher: &fakeDispatcher{},
		settings:   &staticSettings{settings: Settings{AuthHeaders: testAuthHeaders}},
		sink:       &recordingSink{},
	}
	o := ControllerOptions{
		Source:     p.source,
		Dispatcher: p.dispatcher,
		Settings:   p.settings,
		Sink:       p.sink,
		Pipeline: config.PipelineConfig{
			ReconcileInterval: config.Duration(10 * time.Millisecond),
			PollInterval:      config.Duration(10 * time.Millisecond),
			DispatchTimeout:   config.Duration(time.Second),
			RequestsPerSecond: 1000,
			Burst:             100,
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	p.controller = NewController(o)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- p.controller.Run(ctx) }()
	p.controller.WaitTillStarted()
	t.Cleanup(func() {
		cancel()
		<-runErr
	})
	return p
}

// add stores an exchange in the source and returns its id.
func (p *testPipeline) add(t *testing.T, req, resp []byte) string {
	t.Helper()
	id, err := p.source.Add(Exchange{Request: req, Response: resp})
	require.NoError(t, err)
	return id
}

func (p *testPipeline) waitRecord(t *testing.T, id string) store.Record {
	t.Helper()
	var rec store.Record
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = p.controller.Ledger().Get(id)
		return ok
	}, 2*time.Second, 5*time.Millisecond, "record %s not committed", id)
	return rec
}

