package burp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/authdiff/authdiff/config"
)

func newBurpServer(t *testing.T) (string, *atomic.Int32) {
	t.Helper()

	var calls atomic.Int32
	s := server.NewMCPServer("burp-test", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("get_proxy_http_history"),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			calls.Add(1)
			if req.GetInt("offset", 0) > 0 {
				return mcp.NewToolResultText(endOfItems), nil
			}
			return mcp.NewToolResultText(`{"request":"GET / HTTP/1.1\r\nHost: a\r\n\r\n","response":"HTTP/1.1 200 OK\r\n\r\n","notes":"n"}` +
				"\n" + endOfItems), nil
		})
	s.AddTool(mcp.NewTool("send_http1_request"),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			calls.Add(1)
			if req.GetString("targetHostname", "") == "" {
				return mcp.NewToolResultError("targetHostname is required"), nil
			}
			return mcp.NewToolResultText("sent " + req.GetString("content", "")), nil
		})
	s.AddTool(mcp.NewTool("create_repeater_tab"),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			calls.Add(1)
			return mcp.NewToolResultText("Tab created: " + req.GetString("tabName", "")), nil
		})

	ts := server.NewTestServer(s)
	t.Cleanup(ts.Close)
	return ts.URL + "/sse", &calls
}

func TestClientTools(t *testing.T) {
	t.Parallel()

	url, calls := newBurpServer(t)
	states := make(chan bool, 4)
	c := New(url, WithStateFunc(func(connected bool, _ error) { states <- connected }))
	t.Cleanup(func() { _ = c.Close() })

	assert.False(t, c.Connected())
	require.NoError(t, c.Connect(t.Context()))
	assert.True(t, c.Connected())
	select {
	case connected := <-states:
		assert.True(t, connected)
	case <-time.After(2 * time.Second):
		t.Fatal("no state notification")
	}

	t.Run("history", func(t *testing.T) {
		entries, err := c.History(t.Context(), 10, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "n", entries[0].Notes)

		entries, err = c.History(t.Context(), 10, 1)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("send", func(t *testing.T) {
		text, err := c.Send(t.Context(), Endpoint{Hostname: "a", Port: 443, HTTPS: true}, "GET / HTTP/1.1")
		require.NoError(t, err)
		assert.Equal(t, "sent GET / HTTP/1.1", text)
	})

	t.Run("tool_error_not_retried", func(t *testing.T) {
		before := calls.Load()
		_, err := c.Send(t.Context(), Endpoint{}, "GET / HTTP/1.1")
		var te *toolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "targetHostname is required", te.text)
		assert.Equal(t, before+1, calls.Load())
		assert.True(t, c.Connected())
	})

	t.Run("repeater", func(t *testing.T) {
		require.NoError(t, c.OpenRepeater(t.Context(), "authz 1", Endpoint{Hostname: "a", Port: 80}, "GET / HTTP/1.1"))
	})
}

func TestClientClosed(t *testing.T) {
	t.Parallel()

	c := New(config.DefaultBurpMCPURL, WithHealthInterval(time.Hour))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.False(t, c.Connected())

	_, err := c.History(t.Context(), 10, 0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Send(t.Context(), Endpoint{}, "")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.OpenRepeater(t.Context(), "", Endpoint{}, ""), ErrClosed)
	require.ErrorIs(t, c.Connect(t.Context()), ErrClosed)
}

func TestClientDialUnlocked(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-r.Context().Done() // never sends the endpoint event
	}))
	t.Cleanup(ts.Close)

	c := New(ts.URL+"/sse", WithHealthInterval(time.Hour))
	dialErr := make(chan error, 1)
	go func() { dialErr <- c.Connect(context.Background()) }()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dial not started")
	}

	connected := make(chan bool, 1)
	go func() { connected <- c.Connected() }()
	select {
	case ok := <-connected:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Connected waited on dial")
	}

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited on dial")
	}

	select {
	case err := <-dialErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dial not canceled by Close")
	}
	assert.False(t, c.Connected())
}

func TestNewDefaultURL(t *testing.T) {
	t.Parallel()

	c := New("")
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, config.DefaultBurpMCPURL, c.URL())
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"eof", io.EOF, true},
		{"wrapped_eof", errors.Join(errors.New("read"), io.ErrUnexpectedEOF), true},
		{"reset_text", errors.New("read: connection reset by peer"), true},
		{"other", assert.AnError, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, retryable(tc.err))
		})
	}
}

func TestFirstText(t *testing.T) {
	t.Parallel()

	assert.Empty(t, firstText(nil))
	assert.Equal(t, "hello", firstText([]mcp.Content{mcp.NewTextContent("hello")}))
	text := mcp.NewTextContent("ptr")
	assert.Equal(t, "ptr", firstText([]mcp.Content{&text}))
}

func TestRepairLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "clean",
			input: `{"request":"GET /","response":"HTTP/1.1 200","notes":""}`,
			want:  `{"request":"GET /","response":"HTTP/1.1 200","notes":""}`,
		},
		{
			name:  "invalid_unicode_escape_and_truncated",
			input: `{"request":"binary\u00ZZdata","response":"HTTP`,
			want:  `{"request":"binary\\u00ZZdata","response":"HTTP","notes":""}`,
		},
		{
			name:  "invalid_simple_escape",
			input: `{"request":"path\.to\.file","response":"","notes":""}`,
			want:  `{"request":"path\\.to\\.file","response":"","notes":""}`,
		},
		{
			name:  "valid_escapes_kept",
			input: `{"request":"say \"hi\"\r\nA","response":"","notes":""}`,
			want:  `{"request":"say \"hi\"\r\nA","response":"","notes":""}`,
		},
		{
			name:  "truncated_in_notes",
			input: `{"request":"GET /","response":"200","notes":"test`,
			want:  `{"request":"GET /","response":"200","notes":"test"}`,
		},
		{
			name:  "truncated_in_request",
			input: `{"request":"GET / HTTP/1.1`,
			want:  `{"request":"GET / HTTP/1.1","response":"","notes":""}`,
		},
		{
			name:  "truncated_after_separator",
			input: `{"request":"a",`,
			want:  `{"request":"a","response":"","notes":""}`,
		},
		{
			name:  "truncated_after_key",
			input: `{"request":`,
			want:  `{"request":"","response":"","notes":""}`,
		},
		{
			name:  "open_brace_only",
			input: `{`,
			want:  `{"request":"","response":"","notes":""}`,
		},
		{
			name:  "dangling_backslash",
			input: `{"request":"abc\`,
			want:  `{"request":"abc\\","response":"","notes":""}`,
		},
	}

	var buf bytes.Buffer
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, string(repairLine(&buf, []byte(tc.input))))
		})
	}
}

func TestIsHex4(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]bool{
		"0000": true, "FFFF": true, "0aF9": true,
		"00GZ": false, "00": false, "000000": false, "": false,
	} {
		assert.Equal(t, want, isHex4([]byte(input)), input)
	}
}

func TestParseHistory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "empty", input: "", want: 0},
		{name: "end_marker_only", input: endOfItems, want: 0},
		{
			name:  "single",
			input: `{"request":"GET /","response":"HTTP/1.1 200","notes":""}`,
			want:  1,
		},
		{
			name: "marker_and_blanks",
			input: `{"request":"GET /","response":"HTTP/1.1 200","notes":""}

{"request":"POST /","response":"HTTP/1.1 201","notes":"created"}
Reached end of items`,
			want: 2,
		},
		{
			name: "text_prefix",
			input: `Some header text
{"request":"GET /","response":"HTTP/1.1 200","notes":""}`,
			want: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := parseHistory(tc.input)
			require.NoError(t, err)
			assert.Len(t, entries, tc.want)
		})
	}

	t.Run("fields", func(t *testing.T) {
		entries, err := parseHistory(`{"request":"GET / HTTP/1.1\r\nHost: a\r\n\r\n","response":"HTTP/1.1 200 OK\r\n\r\n","notes":"n"}`)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "GET / HTTP/1.1\r\nHost: a\r\n\r\n", entries[0].Request)
		assert.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", entries[0].Response)
		assert.Equal(t, "n", entries[0].Notes)
	})

	t.Run("unrepairable", func(t *testing.T) {
		_, err := parseHistory(`{"request":"a","resp`)
		require.Error(t, err)
	})
}
