// Package testutil holds helpers shared by service and integration tests.
package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
)

const (
	initTimeout = 10 * time.Second
	callTimeout = 30 * time.Second
)

// Session is an initialized MCP client closed when the owning test ends.
type Session struct {
	Client *client.Client
}

// NewSession starts and initializes c.
func NewSession(t *testing.T, c *client.Client) *Session {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), initTimeout)
	defer cancel()
	require.NoError(t, c.Start(ctx))

	var init mcp.InitializeRequest
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "authdiff-test", Version: "test"}
	_, err := c.Initialize(ctx, init)
	require.NoError(t, err)

	t.Cleanup(func() { _ = c.Close() })
	return &Session{Client: c}
}

// ConnectStreamable opens a session with the streamable HTTP endpoint at url.
func ConnectStreamable(t *testing.T, url string) *Session {
	t.Helper()

	c, err := client.NewStreamableHttpClient(url)
	require.NoError(t, err)
	return NewSession(t, c)
}

// Call invokes a tool. Transport failures fail the test, tool errors are returned.
func (s *Session) Call(t *testing.T, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), callTimeout)
	defer cancel()

	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	result, err := s.Client.CallTool(ctx, req)
	require.NoError(t, err)
	return result
}

// Decode invokes a tool that must succeed and unmarshals its JSON text into v.
func (s *Session) Decode(t *testing.T, name string, args map[string]interface{}, v interface{}) {
	t.Helper()
	DecodeResult(t, s.Call(t, name, args), v)
}

// Fail invokes a tool that must fail and returns the error text.
func (s *Session) Fail(t *testing.T, name string, args map[string]interface{}) string {
	t.Helper()

	result := s.Call(t, name, args)
	require.True(t, result.IsError, "expected %s to fail", name)
	return Text(result)
}

// DecodeResult unmarshals the JSON text of a successful result into v.
func DecodeResult(t *testing.T, result *mcp.CallToolResult, v interface{}) {
	t.Helper()

	text := Text(result)
	require.False(t, result.IsError, "tool returned error: %s", text)
	require.NoError(t, json.Unmarshal([]byte(text), v))
}

// Text joins the text content of a result.
func Text(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
