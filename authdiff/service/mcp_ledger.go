package service

import (
	"context"
	"encoding/base64"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-analyze/bulk"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/authdiff/authdiff/protocol"
	"github.com/go-appsec/authdiff/authdiff/service/compare"
	"github.com/go-appsec/authdiff/authdiff/service/gate"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
	"github.com/go-appsec/authdiff/authdiff/service/store"
)

const snapshotFormat = "msgpack"

func (m *mcpServer) ledgerListTool() mcp.Tool {
	return mcp.NewTool("ledger_list",
		mcp.WithDescription(`List processed requests, newest first.

Returns: id, method, host, path, original/modified status and length, verdict, and counts by verdict.
Verdicts: same (identical response), similar (same status, close body), different, unknown (a response is missing).`),
		mcp.WithString("verdict", mcp.Description("Only records with this verdict: same, similar, different, unknown")),
		mcp.WithString("host", mcp.Description("Only records whose host matches this glob (e.g., '*.example.com')")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default: all)")),
	)
}

func (m *mcpServer) ledgerGetTool() mcp.Tool {
	return mcp.NewTool("ledger_get",
		mcp.WithDescription(`Get one record with both request/response pairs.

Compressed bodies are decoded. Binary bodies are returned as "<BINARY:N Bytes>" placeholder.`),
		mcp.WithString("id", mcp.Required(), mcp.Description("Record id from ledger_list")),
	)
}

func (m *mcpServer) ledgerClearTool() mcp.Tool {
	return mcp.NewTool("ledger_clear",
		mcp.WithDescription(`Remove all records and abandon pending responses.`),
	)
}

func (m *mcpServer) ledgerExportTool() mcp.Tool {
	return mcp.NewTool("ledger_export",
		mcp.WithDescription(`Export all records as a base64 msgpack snapshot for ledger_import.`),
	)
}

func (m *mcpServer) ledgerImportTool() mcp.Tool {
	return mcp.NewTool("ledger_import",
		mcp.WithDescription(`Import a snapshot produced by ledger_export. Records with the same id are replaced.`),
		mcp.WithString("data", mcp.Required(), mcp.Description("Base64 snapshot data")),
	)
}

func (m *mcpServer) handleLedgerList(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	verdict := req.GetString("verdict", "")
	if verdict != "" && !compare.Verdict(verdict).Valid() {
		return errorResult("invalid verdict: use same, similar, different or unknown"), nil
	}
	limit := req.GetInt("limit", 0)
	if limit < 0 {
		return errorResult("limit must not be negative"), nil
	}

	ledger := m.service.controller.Ledger()
	snapshot := ledger.Snapshot()
	filtered := filterRecords(snapshot, verdict, req.GetString("host", ""))
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return jsonResult(protocol.LedgerListResponse{
		Records: recordEntries(filtered, ledger.IsPending),
		Total:   len(snapshot),
		Counts:  verdictCounts(snapshot),
	})
}

func (m *mcpServer) handleLedgerGet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}
	ledger := m.service.controller.Ledger()
	rec, ok := ledger.Get(id)
	if !ok {
		return errorResult("record not found: " + id), nil
	}
	return jsonResult(recordDetail(&rec, ledger.IsPending(id)))
}

func (m *mcpServer) handleLedgerClear(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := m.service.controller.Clear(ctx); err != nil {
		return errorResultFromErr("failed to clear: ", err), nil
	}
	return mcp.NewToolResultText("ledger cleared"), nil
}

func (m *mcpServer) handleLedgerExport(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snapshot := m.service.controller.Snapshot()
	data, err := store.EncodeSnapshot(snapshot)
	if err != nil {
		return errorResultFromErr("failed to encode snapshot: ", err), nil
	}
	return jsonResult(protocol.LedgerExportResponse{
		Format:  snapshotFormat,
		Records: len(snapshot),
		Data:    base64.StdEncoding.EncodeToString(data),
	})
}

func (m *mcpServer) handleLedgerImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	encoded := req.GetString("data", "")
	if encoded == "" {
		return errorResult("data is required"), nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return errorResult("data is not valid base64: " + err.Error()), nil
	}
	records, err := store.DecodeSnapshot(data)
	if err != nil {
		return errorResultFromErr("", err), nil
	}
	if err := m.service.controller.Import(ctx, records); err != nil {
		return errorResultFromErr("failed to import: ", err), nil
	}
	return jsonResult(protocol.LedgerImportResponse{
		Imported: len(records),
		Total:    m.service.controller.Ledger().Count(),
	})
}

// filterRecords keeps records matching the verdict and host glob. Empty arguments match all.
func filterRecords(records []store.Record, verdict, hostGlob string) []store.Record {
	if verdict == "" && hostGlob == "" {
		return records
	}
	return bulk.SliceFilter(func(r store.Record) bool {
		if verdict != "" && string(r.Verdict) != verdict {
			return false
		}
		return hostGlob == "" || gate.MatchGlob(gate.Hostname(r.Host), hostGlob)
	}, records)
}

func recordEntry(r *store.Record, pending bool) protocol.RecordEntry {
	return protocol.RecordEntry{
		ID:         r.ID,
		Method:     r.Method,
		Host:       r.Host,
		Path:       r.Path,
		OrigStatus: r.OrigStatus,
		OrigLength: r.OrigLength,
		ModStatus:  r.ModStatus,
		ModLength:  r.ModLength,
		Verdict:    string(r.Verdict),
		Pending:    pending,
		Error:      r.Error,
	}
}

// recordEntries converts records to list entries. isPending may be nil.
func recordEntries(records []store.Record, isPending func(string) bool) []protocol.RecordEntry {
	out := make([]protocol.RecordEntry, len(records))
	for i := range records {
		out[i] = recordEntry(&records[i], isPending != nil && isPending(records[i].ID))
	}
	return out
}

func verdictCounts(records []store.Record) map[string]int {
	counts := map[string]int{
		protocol.VerdictSame:      0,
		protocol.VerdictSimilar:   0,
		protocol.VerdictDifferent: 0,
		protocol.VerdictUnknown:   0,
	}
	for _, r := range records {
		counts[string(r.Verdict)]++
	}
	return counts
}

func recordDetail(r *store.Record, pending bool) protocol.LedgerGetResponse {
	target := Target{Hostname: r.Origin.Hostname, Port: r.Origin.Port, UsesHTTPS: r.Origin.UsesHTTPS}
	var targetURL string
	if !target.IsZero() {
		targetURL = target.BaseURL()
	}
	return protocol.LedgerGetResponse{
		RecordEntry: recordEntry(r, pending),
		Origin: protocol.OriginInfo{
			Source:    r.Origin.Source,
			SourceID:  r.Origin.SourceID,
			Target:    targetURL,
			Notes:     r.Origin.Notes,
			UsesHTTPS: r.Origin.UsesHTTPS,
		},
		OrigRequest:  messageText(r.OrigRequest, false),
		OrigResponse: messageText(r.OrigResponse, true),
		ModRequest:   messageText(r.ModRequest, false),
		ModResponse:  messageText(r.ModResponse, true),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// messageText renders a raw message for display. Response bodies are decompressed; bodies that
// are not UTF-8 become a placeholder.
func messageText(raw []byte, response bool) string {
	if len(raw) == 0 {
		return ""
	}
	head, body := httpmsg.SplitHeadersBody(raw)
	if response {
		if resp, err := httpmsg.DecodeResponse(raw); err == nil {
			body = resp.DecodedBody()
		}
	}
	if len(body) == 0 {
		return string(head)
	} else if !utf8.Valid(body) {
		return string(head) + "\r\n\r\n<BINARY:" + strconv.Itoa(len(body)) + " Bytes>"
	}
	return string(head) + "\r\n\r\n" + string(body)
}
