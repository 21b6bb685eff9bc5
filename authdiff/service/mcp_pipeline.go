package service

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/authdiff/authdiff/protocol"
)

func (m *mcpServer) authzStatusTool() mcp.Tool {
	return mcp.NewTool("authz_status",
		mcp.WithDescription(`Report pipeline state: enabled, history baseline and cursor, record and pending counts,
the traffic source and whether auth headers are configured.`),
	)
}

func (m *mcpServer) authzEnableTool() mcp.Tool {
	return mcp.NewTool("authz_enable",
		mcp.WithDescription(`Start processing new traffic.

Only requests observed after enabling are processed. Each accepted request is replayed with the
configured auth headers and the responses are compared. Configure auth_headers first.`),
	)
}

func (m *mcpServer) authzDisableTool() mcp.Tool {
	return mcp.NewTool("authz_disable",
		mcp.WithDescription(`Stop processing traffic. Records are kept; responses still awaited are abandoned.`),
	)
}

func (m *mcpServer) authzProcessTool() mcp.Tool {
	return mcp.NewTool("authz_process",
		mcp.WithDescription(`Process one historical request by its source id, regardless of the enabled state.

Filters and scope are not applied. Requests already carrying the configured auth headers are rejected.
Returns the resulting ledger record.`),
		mcp.WithString("id", mcp.Required(), mcp.Description("Request id in the traffic source (Burp history offset or traffic_submit id)")),
	)
}

func (m *mcpServer) handleAuthzStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return m.statusResult(ctx)
}

func (m *mcpServer) handleAuthzEnable(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.service.controller.Enable(ctx); err != nil {
		return errorResultFromErr("failed to enable: ", err), nil
	}
	return m.statusResult(ctx)
}

func (m *mcpServer) handleAuthzDisable(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.service.controller.Disable(ctx); err != nil {
		return errorResultFromErr("failed to disable: ", err), nil
	}
	return m.statusResult(ctx)
}

func (m *mcpServer) statusResult(ctx context.Context) (*mcp.CallToolResult, error) {
	st, err := m.service.controller.Status(ctx)
	if err != nil {
		return errorResultFromErr("failed to read status: ", err), nil
	}
	return jsonResult(statusResponse(st))
}

func (m *mcpServer) handleAuthzProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}

	rec, err := m.service.controller.ProcessOne(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrDispatch):
		return errorResultFromErr("request stored with unknown verdict, ", err), nil
	case errors.Is(err, ErrNotFound):
		return errorResult("request not found in " + m.service.source.Name() + " history: " + id), nil
	default:
		return errorResultFromErr("failed to process: ", err), nil
	}

	return jsonResult(protocol.ProcessResponse{
		Record: recordEntry(rec, m.service.controller.Ledger().IsPending(rec.ID)),
	})
}

func statusResponse(st Status) protocol.StatusResponse {
	return protocol.StatusResponse{
		Enabled:               st.Enabled,
		Baseline:              st.Baseline,
		Cursor:                st.Cursor,
		Records:               st.Records,
		Pending:               st.Pending,
		Capacity:              st.Capacity,
		Source:                st.Source,
		AuthHeadersConfigured: st.AuthHeaders,
		ActiveScope:           st.ActiveScope,
	}
}
