package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-appsec/authdiff/authdiff/logger"
	"github.com/go-appsec/authdiff/authdiff/service/burp"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

// SourceBurp names the Burp history source in record origins.
const SourceBurp = "burp"

// burpHistory is the subset of the Burp client used by the backend.
type burpHistory interface {
	History(ctx context.Context, count, offset int) ([]burp.HistoryEntry, error)
	Send(ctx context.Context, ep burp.Endpoint, raw string) (string, error)
	OpenRepeater(ctx context.Context, name string, ep burp.Endpoint, raw string) error
	Close() error
}

// BurpBackend implements RequestSource and Dispatcher over Burp's MCP server.
// Request identities are decimal proxy history offsets.
type BurpBackend struct {
	client burpHistory
	log    *logger.Logger
}

var (
	_ RequestSource = (*BurpBackend)(nil)
	_ Dispatcher    = (*BurpBackend)(nil)
)

// NewBurpBackend creates a backend for the Burp MCP server at url. Call Connect before use.
func NewBurpBackend(url string, log *logger.Logger, opts ...burp.Option) (*BurpBackend, *burp.Client) {
	client := burp.New(url, append([]burp.Option{burp.WithLogger(log)}, opts...)...)
	return newBurpBackend(client, log), client
}

func newBurpBackend(client burpHistory, log *logger.Logger) *BurpBackend {
	if log == nil {
		log = logger.Nop()
	}
	return &BurpBackend{
		client: client,
		log:    log.WithComponent("burp_backend"),
	}
}

func (b *BurpBackend) Name() string {
	return SourceBurp
}

// Latest returns the offset of the newest history entry.
func (b *BurpBackend) Latest(ctx context.Context) (string, error) {
	n, err := b.historyLen(ctx)
	if err != nil {
		return "", err
	} else if n == 0 {
		return "", nil
	}
	return strconv.Itoa(n - 1), nil
}

// historyLen finds the number of history entries by galloping then bisecting on offsets.
func (b *BurpBackend) historyLen(ctx context.Context) (int, error) {
	exists := func(offset int) (bool, error) {
		entries, err := b.client.History(ctx, 1, offset)
		return len(entries) > 0, err
	}

	if ok, err := exists(0); err != nil || !ok {
		return 0, err
	}
	lo, hi := 0, 1 // lo exists
	for {
		ok, err := exists(hi)
		if err != nil {
			return 0, err
		} else if !ok {
			break
		}
		lo, hi = hi, hi*2
	}
	for hi-lo > 1 { // lo exists, hi does not
		mid := lo + (hi-lo)/2
		ok, err := exists(mid)
		if err != nil {
			return 0, err
		} else if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo + 1, nil
}

// Since returns history entries after the afterID offset, oldest first.
func (b *BurpBackend) Since(ctx context.Context, afterID string, limit int) ([]Exchange, error) {
	offset := 0
	if afterID != "" {
		n, err := parseOffset(afterID)
		if err != nil {
			return nil, err
		}
		offset = n + 1
	}

	entries, err := b.client.History(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Exchange, 0, len(entries))
	for i, e := range entries {
		out = append(out, historyExchange(offset+i, e))
	}
	return out, nil
}

// Lookup fetches the history entry at the given offset.
func (b *BurpBackend) Lookup(ctx context.Context, id string) (*Exchange, error) {
	offset, err := parseOffset(id)
	if err != nil {
		return nil, err
	}
	entries, err := b.client.History(ctx, 1, offset)
	if err != nil {
		return nil, err
	} else if len(entries) == 0 {
		return nil, fmt.Errorf("%w: history entry %s", ErrNotFound, id)
	}
	ex := historyExchange(offset, entries[0])
	return &ex, nil
}

func parseOffset(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid history id %q", ErrNotFound, id)
	}
	return n, nil
}

func historyExchange(offset int, e burp.HistoryEntry) Exchange {
	ex := Exchange{
		ID:       strconv.Itoa(offset),
		Request:  []byte(e.Request),
		Response: []byte(e.Response),
		Notes:    e.Notes,
	}
	if req, err := httpmsg.DecodeRequest(ex.Request); err == nil {
		if host := req.Host(); host != "" {
			ex.Target = TargetFromHost(host)
		}
	}
	return ex
}

// Send dispatches through Burp's send_http1_request. The request does not enter proxy history.
func (b *BurpBackend) Send(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	b.log.Debugw("sending request", "target", req.Target.BaseURL())

	start := time.Now()
	text, err := b.client.Send(ctx, burpEndpoint(req.Target), string(req.Raw))
	if err != nil {
		return nil, err
	}
	resp, err := parseBurpResponse(text)
	if err != nil {
		return nil, err
	}
	return &DispatchResult{
		Response: resp,
		Duration: time.Since(start),
	}, nil
}

// SendToReplay opens a Repeater tab with the request.
func (b *BurpBackend) SendToReplay(ctx context.Context, name string, req DispatchRequest) error {
	return b.client.OpenRepeater(ctx, name, burpEndpoint(req.Target), string(req.Raw))
}

func burpEndpoint(t Target) burp.Endpoint {
	return burp.Endpoint{Hostname: t.Hostname, Port: t.Port, HTTPS: t.UsesHTTPS}
}

func (b *BurpBackend) Close() error {
	return b.client.Close()
}

// parseBurpResponse extracts the raw response from Burp's toString output:
// HttpRequestResponse{httpRequest=..., httpResponse=..., messageAnnotations=...}
func parseBurpResponse(raw string) ([]byte, error) {
	start := strings.Index(raw, "httpResponse=")
	if start < 0 {
		return nil, errors.New("httpResponse not found in Burp output")
	}
	start += len("httpResponse=")

	end := strings.Index(raw[start:], ", messageAnnotations=")
	if end < 0 {
		end = strings.LastIndex(raw[start:], "}")
	}
	if end < 0 {
		return nil, errors.New("could not find end of httpResponse")
	}

	resp := bytes.ReplaceAll([]byte(raw[start:start+end]), []byte(`\r\n`), []byte("\r\n"))
	if idx := bytes.Index(resp, []byte("HTTP/")); idx < 0 {
		return nil, errors.New("invalid response format: no HTTP/ found")
	} else if idx > 0 {
		resp = resp[idx:]
	}
	return resp, nil
}
