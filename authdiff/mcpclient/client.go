// Package mcpclient talks to a running authdiff service over streamable HTTP MCP.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/authdiff/authdiff/config"
)

const (
	DefaultMCPURL = "http://127.0.0.1:9129/mcp"
	// HTTPTimeout bounds a single HTTP round trip. Long enough for a dispatch timeout plus
	// Burp round trips.
	HTTPTimeout = 2 * time.Minute

	clientName = "authdiff-cli"
	startHint  = "start it with: authdiff --service"
)

// ToolError is a failure reported by the service for one tool call.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return e.Tool + ": " + e.Message
}

// Option adjusts how a Client connects.
type Option func(*options)

type options struct {
	httpTimeout time.Duration
	name        string
}

// WithHTTPTimeout overrides HTTPTimeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.httpTimeout = d
		}
	}
}

// WithClientName sets the name sent during initialization.
func WithClientName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// Client is an initialized MCP session with the service.
type Client struct {
	mcp *client.Client
	url string
}

// Connect opens and initializes a session. An empty url uses DefaultMCPURL.
func Connect(ctx context.Context, url string, opts ...Option) (*Client, error) {
	if url == "" {
		url = DefaultMCPURL
	}
	o := options{httpTimeout: HTTPTimeout, name: clientName}
	for _, opt := range opts {
		opt(&o)
	}

	mc, err := client.NewStreamableHttpClient(url,
		transport.WithHTTPBasicClient(&http.Client{Timeout: o.httpTimeout}))
	if err != nil {
		return nil, connectError(url, err)
	}

	var init mcp.InitializeRequest
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: o.name, Version: config.Version}
	if _, err := mc.Initialize(ctx, init); err != nil {
		_ = mc.Close()
		return nil, connectError(url, err)
	}
	return &Client{mcp: mc, url: url}, nil
}

// URL returns the endpoint the client is connected to.
func (c *Client) URL() string {
	return c.url
}

func (c *Client) Close() error {
	if c.mcp == nil {
		return nil
	}
	return c.mcp.Close()
}

// CallTool invokes a tool. A result flagged as an error is returned as *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.mcp.CallTool(ctx, req)
	if err != nil {
		return nil, callError(err)
	} else if result.IsError {
		return nil, &ToolError{Tool: name, Message: resultText(result)}
	}
	return result, nil
}

// CallToolJSON invokes a tool and decodes its JSON text result into dest.
func (c *Client) CallToolJSON(ctx context.Context, name string, args map[string]interface{}, dest interface{}) error {
	text, err := c.CallToolText(ctx, name, args)
	if err != nil {
		return err
	} else if err := json.Unmarshal([]byte(text), dest); err != nil {
		return fmt.Errorf("%s: decode result: %w", name, err)
	}
	return nil
}

// CallToolText invokes a tool and returns its joined text content.
func (c *Client) CallToolText(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	result, err := c.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}
	return resultText(result), nil
}

func resultText(result *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// stopReason describes a context error, or returns empty.
func stopReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return ""
	}
}

// unreachable reports if err means nothing is listening at the endpoint.
func unreachable(err error) bool {
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.Is(err, syscall.ECONNREFUSED) || errors.As(err, &dnsErr) ||
		(errors.As(err, &opErr) && opErr.Op == "dial") {
		return true
	}
	// some transport errors are flattened to text
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "dial tcp")
}

func connectError(url string, err error) error {
	if reason := stopReason(err); reason != "" {
		return fmt.Errorf("connecting to authdiff service at %s %s", url, reason)
	} else if unreachable(err) {
		return fmt.Errorf("authdiff service not reachable at %s, %s", url, startHint)
	}
	return fmt.Errorf("connect to %s: %w", url, err)
}

func callError(err error) error {
	if reason := stopReason(err); reason != "" {
		return fmt.Errorf("request %s", reason)
	} else if unreachable(err) {
		return errors.New("authdiff service not running, " + startHint)
	}
	return err
}
