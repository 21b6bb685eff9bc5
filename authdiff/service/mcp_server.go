package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/go-appsec/authdiff/authdiff/config"
)

// mcpServer wraps the MCP server and its transports.
type mcpServer struct {
	server           *server.MCPServer
	sseServer        *server.SSEServer
	streamableServer *server.StreamableHTTPServer
	service          *Server
}

const mcpInstructions = `# Authorization Testing

authdiff replays observed requests with a second identity's auth headers and classifies how
the response changed.

1. Set the second identity with config_update auth_headers ("Name: value" per line)
2. Optionally restrict hosts with scope_set and add body rules with rule_add
3. authz_enable, then have the user browse the application as the first identity
4. ledger_list shows verdicts: "same" or "similar" responses suggest missing authorization
5. ledger_get shows both request/response pairs, replay_send opens one for manual testing

authz_process runs a single historical request without enabling the pipeline.`

// newMCPServer creates the MCP server for svc. baseURL is the externally reachable
// http://host:port used by the SSE transport.
func newMCPServer(svc *Server, baseURL string) *mcpServer {
	mcpSrv := server.NewMCPServer("authdiff", config.Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithInstructions(mcpInstructions),
	)

	m := &mcpServer{
		server:  mcpSrv,
		service: svc,
		sseServer: server.NewSSEServer(mcpSrv,
			server.WithBaseURL(baseURL),
		),
		streamableServer: server.NewStreamableHTTPServer(mcpSrv,
			server.WithStateLess(true),
		),
	}

	m.registerTools()

	return m
}

// Close stops the MCP transports.
func (m *mcpServer) Close(ctx context.Context) error {
	var errs []error
	if err := m.sseServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.streamableServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *mcpServer) registerTools() {
	m.addPipelineTools()
	m.addLedgerTools()
	m.addReplayTools()
	m.addSettingsTools()
	if m.service.memory != nil {
		m.addTrafficTools() // Burp history cannot be fed through the API
	}
}

func (m *mcpServer) addPipelineTools() {
	m.server.AddTool(m.authzStatusTool(), m.handleAuthzStatus)
	m.server.AddTool(m.authzEnableTool(), m.handleAuthzEnable)
	m.server.AddTool(m.authzDisableTool(), m.handleAuthzDisable)
	m.server.AddTool(m.authzProcessTool(), m.handleAuthzProcess)
}

func (m *mcpServer) addLedgerTools() {
	m.server.AddTool(m.ledgerListTool(), m.handleLedgerList)
	m.server.AddTool(m.ledgerGetTool(), m.handleLedgerGet)
	m.server.AddTool(m.ledgerClearTool(), m.handleLedgerClear)
	m.server.AddTool(m.ledgerExportTool(), m.handleLedgerExport)
	m.server.AddTool(m.ledgerImportTool(), m.handleLedgerImport)
}

func (m *mcpServer) addReplayTools() {
	m.server.AddTool(m.replaySendTool(), m.handleReplaySend)
	if m.service.native != nil {
		m.server.AddTool(m.replayListTool(), m.handleReplayList)
	}
}

func (m *mcpServer) addSettingsTools() {
	m.server.AddTool(m.configGetTool(), m.handleConfigGet)
	m.server.AddTool(m.configUpdateTool(), m.handleConfigUpdate)
	m.server.AddTool(m.ruleAddTool(), m.handleRuleAdd)
	m.server.AddTool(m.ruleDeleteTool(), m.handleRuleDelete)
	m.server.AddTool(m.scopeSetTool(), m.handleScopeSet)
	m.server.AddTool(m.scopeDeleteTool(), m.handleScopeDelete)
}

func (m *mcpServer) addTrafficTools() {
	m.server.AddTool(m.trafficSubmitTool(), m.handleTrafficSubmit)
	m.server.AddTool(m.trafficRespondTool(), m.handleTrafficRespond)
}

func jsonResult(data interface{}) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult("failed to marshal response: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func errorResult(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// errorResultFromErr creates an error result with user-friendly timeout messages.
func errorResultFromErr(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(prefix + translateTimeoutError(err))
}

// translateTimeoutError converts context errors to user-friendly messages.
func translateTimeoutError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "request canceled"
	}
	return err.Error()
}
