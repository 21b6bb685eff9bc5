// Package burp talks to Burp Suite's MCP server.
package burp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/logger"
)

const (
	// protocolVersion is the MCP revision the Burp extension implements.
	protocolVersion = "2024-11-05"

	DialTimeout           = 10 * time.Second
	DefaultHealthInterval = 5 * time.Second
	pingTimeout           = 2 * time.Second
	maxRedialBackoff      = time.Minute
)

var ErrClosed = errors.New("burp client closed")

// StateFunc observes connection changes. err is set when a connection was lost or a
// redial failed.
type StateFunc func(connected bool, err error)

// Client calls Burp MCP tools over SSE. The connection is dialed on first use, shared by
// concurrent calls, and redialed by a background loop after it drops.
type Client struct {
	url            string
	httpClient     *http.Client
	log            *logger.Logger
	healthInterval time.Duration

	dialMu sync.Mutex // one dial at a time, never held with mu

	mu      sync.Mutex
	conn    *client.Client
	dialed  bool // a connection succeeded at least once
	closed  bool
	onState StateFunc

	// ctx bounds SSE streams and health checks, canceled by Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client used for the SSE stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHealthInterval sets how often the connection is pinged or redialed.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.healthInterval = d
		}
	}
}

// WithStateFunc registers fn for connection changes. fn runs on its own goroutine.
func WithStateFunc(fn StateFunc) Option {
	return func(c *Client) {
		c.onState = fn
	}
}

// New creates a client for the Burp MCP SSE endpoint at url and starts its health loop.
func New(url string, opts ...Option) *Client {
	if url == "" {
		url = config.DefaultBurpMCPURL
	}
	c := &Client{
		url:            url,
		log:            logger.Nop(),
		healthInterval: DefaultHealthInterval,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = defaultHTTPClient()
	}
	c.log = c.log.WithComponent("burp")

	c.wg.Add(1)
	go c.healthLoop()
	return c
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: nil,
			DialContext: (&net.Dialer{
				Timeout:   DialTimeout,
				KeepAlive: 20 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: DialTimeout,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return errors.New("burp MCP redirects are not followed")
		},
	}
}

func (c *Client) URL() string {
	return c.url
}

// Connected reports if a live connection is held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials unless a connection is already held. ctx bounds the handshake only.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

// Close drops the connection and stops the health loop. Repeated calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.wg.Wait()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// session returns the held connection, dialing one if needed. The dial runs without c.mu held.
func (c *Client) session(ctx context.Context) (*client.Client, error) {
	if conn, err := c.held(); conn != nil || err != nil {
		return conn, err
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	// a concurrent caller may have connected while we waited
	if conn, err := c.held(); conn != nil || err != nil {
		return conn, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close()
		return nil, ErrClosed
	}
	c.conn = conn
	c.dialed = true
	c.notify(true, nil)
	return conn, nil
}

func (c *Client) held() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.conn, nil
}

// dial opens the SSE stream and runs the MCP handshake. Caller must hold c.dialMu.
func (c *Client) dial(ctx context.Context) (*client.Client, error) {
	conn, err := client.NewSSEMCPClient(c.url, transport.WithHTTPClient(c.httpClient))
	if err != nil {
		return nil, fmt.Errorf("create burp MCP client: %w", err)
	}
	// the stream outlives ctx, which bounds the handshake only
	if err := conn.Start(c.ctx); err != nil {
		return nil, fmt.Errorf("connect to burp MCP at %s: %w", c.url, err)
	}

	var init mcp.InitializeRequest
	init.Params.ProtocolVersion = protocolVersion
	init.Params.ClientInfo = mcp.Implementation{Name: "authdiff", Version: config.Version}
	if _, err := conn.Initialize(ctx, init); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("burp MCP handshake: %w", err)
	}

	conn.OnConnectionLost(func(err error) {
		go c.drop(conn, err)
	})
	c.log.Infow("connected", "url", c.url)
	return conn, nil
}

// drop discards conn if it is still the held connection.
func (c *Client) drop(conn *client.Client, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.notify(false, cause)
	c.mu.Unlock()

	c.log.Warnw("connection lost", "error", cause)
	_ = conn.Close()
}

// notify must be called with c.mu held.
func (c *Client) notify(connected bool, err error) {
	if fn := c.onState; fn != nil {
		go fn(connected, err)
	}
}

// healthLoop pings a held connection. After a drop it redials with backoff so history
// polling resumes without waiting for a caller.
func (c *Client) healthLoop() {
	defer c.wg.Done()

	wait := c.healthInterval
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.checkHealth(); err != nil {
			wait = min(wait*2, maxRedialBackoff)
		} else {
			wait = c.healthInterval
		}
		timer.Reset(wait)
	}
}

func (c *Client) checkHealth() error {
	c.mu.Lock()
	conn, dialed, closed := c.conn, c.dialed, c.closed
	c.mu.Unlock()

	if closed || (conn == nil && !dialed) {
		return nil
	}

	if conn == nil {
		ctx, cancel := context.WithTimeout(c.ctx, DialTimeout)
		defer cancel()
		if _, err := c.session(ctx); err != nil {
			c.log.Debugw("redial failed", "error", err)
			return err
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		c.drop(conn, fmt.Errorf("ping: %w", err))
		return err
	}
	return nil
}

// retryable reports if err came from a broken transport rather than from Burp.
func retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	} else if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "transport") ||
		strings.Contains(msg, "EOF")
}

// toolError is an error result returned by a Burp tool.
type toolError struct {
	tool string
	text string
}

func (e *toolError) Error() string {
	return "burp " + e.tool + ": " + e.text
}

// call invokes a tool and returns its text. A transport failure redials and retries once.
func (c *Client) call(ctx context.Context, tool string, args map[string]interface{}) (string, error) {
	text, conn, err := c.callOnce(ctx, tool, args)
	var te *toolError
	if err == nil || conn == nil || errors.As(err, &te) || !retryable(err) {
		return text, err
	}

	c.log.Warnw("call failed, redialing", "tool", tool, "error", err)
	c.drop(conn, err)
	text, _, err = c.callOnce(ctx, tool, args)
	return text, err
}

func (c *Client) callOnce(ctx context.Context, tool string, args map[string]interface{}) (string, *client.Client, error) {
	conn, err := c.session(ctx)
	if err != nil {
		return "", nil, err
	}

	var req mcp.CallToolRequest
	req.Params.Name = tool
	req.Params.Arguments = args
	result, err := conn.CallTool(ctx, req)
	if err != nil {
		return "", conn, fmt.Errorf("burp %s: %w", tool, err)
	} else if result.IsError {
		return "", conn, &toolError{tool: tool, text: firstText(result.Content)}
	}
	return firstText(result.Content), conn, nil
}

func firstText(content []mcp.Content) string {
	for _, item := range content {
		switch tc := item.(type) {
		case mcp.TextContent:
			return tc.Text
		case *mcp.TextContent:
			if tc != nil {
				return tc.Text
			}
		}
	}
	return ""
}

// History returns up to count proxy history entries starting at offset, oldest first.
func (c *Client) History(ctx context.Context, count, offset int) ([]HistoryEntry, error) {
	text, err := c.call(ctx, "get_proxy_http_history", map[string]interface{}{
		"count":  count,
		"offset": offset,
	})
	if err != nil {
		return nil, err
	}
	return parseHistory(text)
}

// Send issues raw from Burp and returns Burp's textual rendering of the exchange.
// The request is not added to proxy history.
func (c *Client) Send(ctx context.Context, ep Endpoint, raw string) (string, error) {
	return c.call(ctx, "send_http1_request", ep.toolArgs(raw))
}

// OpenRepeater creates a Repeater tab holding raw. An empty name lets Burp pick one.
func (c *Client) OpenRepeater(ctx context.Context, name string, ep Endpoint, raw string) error {
	args := ep.toolArgs(raw)
	if name != "" {
		args["tabName"] = name
	}
	_, err := c.call(ctx, "create_repeater_tab", args)
	return err
}
