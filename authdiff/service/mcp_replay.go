package service

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/authdiff/authdiff/protocol"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

func (m *mcpServer) replaySendTool() mcp.Tool {
	return mcp.NewTool("replay_send",
		mcp.WithDescription(`Send a record's request to the replay tool for manual testing.

With Burp the request opens in a new Repeater tab. The native backend sends it directly; see replay_list.
By default the original request is sent, set modified=true for the request carrying the substituted auth headers.`),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id from ledger_list")),
		mcp.WithBoolean("modified", mcp.Description("Send the modified request instead of the original (default: false)")),
	)
}

func (m *mcpServer) replayListTool() mcp.Tool {
	return mcp.NewTool("replay_list",
		mcp.WithDescription(`List requests sent with replay_send, newest first. Only available with the native backend.`),
	)
}

func (m *mcpServer) handleReplaySend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}
	modified := req.GetBool("modified", false)

	if err := m.service.controller.SendToReplay(ctx, id, modified); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errorResult("record not found: " + id), nil
		}
		return errorResultFromErr("failed to send: ", err), nil
	}

	rec, _ := m.service.controller.Ledger().Get(id)
	target := Target{Hostname: rec.Origin.Hostname, Port: rec.Origin.Port, UsesHTTPS: rec.Origin.UsesHTTPS}
	if target.IsZero() {
		target = TargetFromHost(rec.Host)
	}
	return jsonResult(protocol.ReplaySendResponse{
		RecordID: id,
		Modified: modified,
		Target:   target.BaseURL(),
	})
}

func (m *mcpServer) handleReplayList(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	replays := m.service.native.Replays()
	entries := make([]protocol.ReplayEntry, 0, len(replays))
	for _, r := range replays {
		entry := protocol.ReplayEntry{
			Name:       r.Name,
			Target:     r.Target,
			DurationMs: r.Duration.Milliseconds(),
			Error:      r.Error,
			SentAt:     r.SentAt.UTC().Format(time.RFC3339),
		}
		if len(r.Response) > 0 {
			entry.Status = httpmsg.StatusCode(r.Response)
		}
		entries = append(entries, entry)
	}
	return jsonResult(protocol.ReplayListResponse{Replays: entries})
}
