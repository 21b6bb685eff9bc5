package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// mockBurp serves the subset of Burp's MCP tools used by BurpBackend over SSE.
type mockBurp struct {
	HTTPServer *httptest.Server

	mu            sync.Mutex
	history       []mockHistoryEntry
	sendResponses []string // consumed in order by send_http1_request
	sent          []map[string]any
	tabs          []string
}

type mockHistoryEntry struct {
	Request  string `json:"request"`
	Response string `json:"response"`
	Notes    string `json:"notes"`
}

func newMockBurp() *mockBurp {
	mb := &mockBurp{}
	mcpServer := server.NewMCPServer("test-burp-mcp", "1.0.0",
		server.WithToolCapabilities(false),
	)

	mcpServer.AddTool(
		mcp.NewTool("get_proxy_http_history",
			mcp.WithNumber("count", mcp.Description("Number of entries to return")),
			mcp.WithNumber("offset", mcp.Description("Offset to start from")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			mb.mu.Lock()
			defer mb.mu.Unlock()

			args := req.Params.Arguments.(map[string]any)
			count := int(args["count"].(float64))
			offset := int(args["offset"].(float64))
			if offset >= len(mb.history) {
				return mcp.NewToolResultText("Reached end of items"), nil
			}
			end := min(offset+count, len(mb.history))

			var sb strings.Builder
			for _, entry := range mb.history[offset:end] {
				line, _ := json.Marshal(entry)
				sb.Write(line)
				sb.WriteByte('\n')
			}
			return mcp.NewToolResultText(sb.String()), nil
		},
	)

	mcpServer.AddTool(
		mcp.NewTool("send_http1_request",
			mcp.WithString("content", mcp.Description("Raw HTTP request")),
			mcp.WithString("targetHostname", mcp.Description("Target hostname")),
			mcp.WithNumber("targetPort", mcp.Description("Target port")),
			mcp.WithBoolean("usesHttps", mcp.Description("Use HTTPS")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			mb.mu.Lock()
			defer mb.mu.Unlock()

			mb.sent = append(mb.sent, req.Params.Arguments.(map[string]any))
			if len(mb.sendResponses) > 0 {
				resp := mb.sendResponses[0]
				mb.sendResponses = mb.sendResponses[1:]
				return mcp.NewToolResultText(resp), nil
			}
			return mcp.NewToolResultText(
				`HttpRequestResponse{httpRequest=GET / HTTP/1.1, httpResponse=HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 2\r\n\r\nok, messageAnnotations=Annotations{}}`,
			), nil
		},
	)

	mcpServer.AddTool(
		mcp.NewTool("create_repeater_tab",
			mcp.WithString("content", mcp.Description("Raw HTTP request")),
			mcp.WithString("targetHostname", mcp.Description("Target hostname")),
			mcp.WithNumber("targetPort", mcp.Description("Target port")),
			mcp.WithBoolean("usesHttps", mcp.Description("Use HTTPS")),
			mcp.WithString("tabName", mcp.Description("Tab name")),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			mb.tabs = append(mb.tabs, req.GetString("tabName", ""))
			return mcp.NewToolResultText("Tab created"), nil
		},
	)

	mb.HTTPServer = server.NewTestServer(mcpServer)
	return mb
}

// URL returns the SSE endpoint URL.
func (mb *mockBurp) URL() string {
	return mb.HTTPServer.URL + "/sse"
}

func (mb *mockBurp) Close() {
	mb.HTTPServer.Close()
}

func (mb *mockBurp) addEntry(request, response string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.history = append(mb.history, mockHistoryEntry{Request: request, Response: response})
}

func (mb *mockBurp) addEntries(n int) {
	for i := range n {
		mb.addEntry(fmt.Sprintf("GET /item/%d HTTP/1.1\r\nHost: example.test\r\n\r\n", i),
			"HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}
}

func (mb *mockBurp) setSendResponse(response string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.sendResponses = append(mb.sendResponses, response)
}

func (mb *mockBurp) sentArgs() []map[string]any {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]map[string]any(nil), mb.sent...)
}

func (mb *mockBurp) tabNames() []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return append([]string(nil), mb.tabs...)
}
