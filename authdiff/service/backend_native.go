package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
	"golang.org/x/net/http2"

	"github.com/go-appsec/authdiff/authdiff/logger"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

const (
	// SourceNative names the in-memory source in record origins.
	SourceNative = "native"

	defaultMemoryCapacity = 1000
	maxResponseBody       = 10 << 20
	maxReplayHistory      = 100
)

// MemorySource is a RequestSource fed through the control API. Identities are increasing
// decimal sequence numbers, so Since keeps working after old entries are evicted.
type MemorySource struct {
	mu       sync.RWMutex
	capacity int
	seq      int
	entries  []*Exchange // oldest first
	byID     map[string]*Exchange
}

var _ RequestSource = (*MemorySource)(nil)

// NewMemorySource creates an empty source holding up to capacity exchanges.
func NewMemorySource(capacity int) *MemorySource {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemorySource{
		capacity: capacity,
		byID:     make(map[string]*Exchange),
	}
}

func (m *MemorySource) Name() string {
	return SourceNative
}

// Add stores an exchange and returns its assigned identity. Any ID on ex is ignored.
func (m *MemorySource) Add(ex Exchange) (string, error) {
	req, err := httpmsg.DecodeRequest(ex.Request)
	if err != nil {
		return "", err
	}
	if ex.Target.IsZero() {
		host := req.Host()
		if host == "" {
			return "", fmt.Errorf("%w: request has no Host header and no target", ErrConfig)
		}
		ex.Target = TargetFromHost(host)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	ex.ID = strconv.Itoa(m.seq)
	ex.Request = slices.Clone(ex.Request)
	ex.Response = slices.Clone(ex.Response)
	stored := &ex
	m.entries = append(m.entries, stored)
	m.byID[ex.ID] = stored

	if over := len(m.entries) - m.capacity; over > 0 {
		for _, e := range m.entries[:over] {
			delete(m.byID, e.ID)
		}
		m.entries = slices.Delete(m.entries, 0, over)
	}
	return ex.ID, nil
}

// Respond sets the response of a stored exchange.
func (m *MemorySource) Respond(id string, response []byte) error {
	if len(response) == 0 {
		return errors.New("response is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: exchange %s", ErrNotFound, id)
	}
	ex.Response = slices.Clone(response)
	return nil
}

func (m *MemorySource) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemorySource) Latest(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return "", nil
	}
	return m.entries[len(m.entries)-1].ID, nil
}

func (m *MemorySource) Since(_ context.Context, afterID string, limit int) ([]Exchange, error) {
	after := 0
	if afterID != "" {
		n, err := strconv.Atoi(afterID)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid exchange id %q", ErrNotFound, afterID)
		}
		after = n
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matching := bulk.SliceFilter(func(ex *Exchange) bool {
		n, _ := strconv.Atoi(ex.ID)
		return n > after
	}, m.entries)
	if limit > 0 && len(matching) > limit {
		matching = matching[:limit]
	}

	out := make([]Exchange, len(matching))
	for i, ex := range matching {
		out[i] = cloneExchange(ex)
	}
	return out, nil
}

func (m *MemorySource) Lookup(_ context.Context, id string) (*Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ex, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: exchange %s", ErrNotFound, id)
	}
	c := cloneExchange(ex)
	return &c, nil
}

func cloneExchange(ex *Exchange) Exchange {
	c := *ex
	c.Request = slices.Clone(ex.Request)
	c.Response = slices.Clone(ex.Response)
	return c
}

// ReplayEntry is a request sent through the native replay path.
type ReplayEntry struct {
	Name     string        `json:"name"`
	Target   string        `json:"target"`
	Request  []byte        `json:"request"`
	Response []byte        `json:"response,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	SentAt   time.Time     `json:"sent_at"`
}

// NativeDispatcher sends requests with net/http. HTTP/2 is used when the server negotiates it.
type NativeDispatcher struct {
	client *http.Client
	log    *logger.Logger

	mu      sync.Mutex
	replays []ReplayEntry // newest last
}

var _ Dispatcher = (*NativeDispatcher)(nil)

// NewNativeDispatcher creates a dispatcher. Redirects are never followed and certificates
// are not verified, the target is under test.
func NewNativeDispatcher(log *logger.Logger) (*NativeDispatcher, error) {
	if log == nil {
		log = logger.Nop()
	}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		TLSHandshakeTimeout:   10 * time.Second,
		DisableCompression:    true, // keep Content-Encoding bodies as sent
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}

	return &NativeDispatcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.WithComponent("native_dispatcher"),
	}, nil
}

// Send converts the raw request to an http.Request, sends it and serializes the response.
func (d *NativeDispatcher) Send(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	httpReq, err := buildHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	d.log.Debugw("response received", "url", httpReq.URL.String(), "status", resp.StatusCode,
		"proto", resp.Proto, "bytes", len(body))

	return &DispatchResult{
		Response: serializeResponse(resp, body),
		Duration: time.Since(start),
	}, nil
}

// SendToReplay sends the request and keeps the exchange in the replay history.
func (d *NativeDispatcher) SendToReplay(ctx context.Context, name string, req DispatchRequest) error {
	entry := ReplayEntry{
		Name:    name,
		Target:  req.Target.BaseURL(),
		Request: slices.Clone(req.Raw),
		SentAt:  time.Now(),
	}
	result, err := d.Send(ctx, req)
	if err != nil {
		entry.Error = err.Error()
	} else {
		entry.Response = result.Response
		entry.Duration = result.Duration
	}

	d.mu.Lock()
	d.replays = append(d.replays, entry)
	if over := len(d.replays) - maxReplayHistory; over > 0 {
		d.replays = slices.Delete(d.replays, 0, over)
	}
	d.mu.Unlock()
	return err
}

// Replays returns the replay history, newest first.
func (d *NativeDispatcher) Replays() []ReplayEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := slices.Clone(d.replays)
	slices.Reverse(out)
	return out
}

func (d *NativeDispatcher) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// hopHeaders are managed by the transport and not copied from the raw request.
var hopHeaders = map[string]bool{
	"host":              true,
	"content-length":    true,
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
	"te":                true,
}

func buildHTTPRequest(ctx context.Context, req DispatchRequest) (*http.Request, error) {
	decoded, err := httpmsg.DecodeRequest(req.Raw)
	if err != nil {
		return nil, err
	}

	target := req.Target
	if target.IsZero() {
		host := decoded.Host()
		if host == "" {
			return nil, fmt.Errorf("%w: no target host", ErrConfig)
		}
		target = TargetFromHost(host)
	}

	path := decoded.Path
	if u, err := url.Parse(path); err == nil && u.IsAbs() {
		path = u.RequestURI() // absolute-form request target
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body io.Reader
	if len(decoded.Body) > 0 {
		body = bytes.NewReader(decoded.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, decoded.Method, target.BaseURL()+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for _, h := range decoded.Headers {
		if !hopHeaders[strings.ToLower(h.Name)] {
			httpReq.Header.Add(h.Name, h.Value)
		}
	}
	if host := decoded.Host(); host != "" {
		httpReq.Host = host
	}
	if _, ok := httpReq.Header["User-Agent"]; !ok {
		httpReq.Header["User-Agent"] = []string{""} // suppress Go's default
	}
	return httpReq, nil
}

// serializeResponse renders a response as raw HTTP/1.1 text with headers in sorted order.
func serializeResponse(resp *http.Response, body []byte) []byte {
	names := bulk.MapKeysSlice(resp.Header)
	slices.Sort(names)

	var headers httpmsg.Headers
	for _, name := range names {
		for _, v := range resp.Header[name] {
			headers = append(headers, httpmsg.Header{Name: name, Value: v})
		}
	}
	if !headers.Has("Content-Length") && resp.ContentLength >= 0 {
		headers = append(headers, httpmsg.Header{
			Name:  "Content-Length",
			Value: strconv.FormatInt(resp.ContentLength, 10),
		})
	}

	return httpmsg.EncodeResponse(&httpmsg.Response{
		Version:    "HTTP/1.1",
		StatusCode: resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode))),
		Headers:    headers,
		Body:       body,
	})
}
