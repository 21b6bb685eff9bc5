// Package protocol defines the JSON shapes exchanged between the MCP control server and its
// clients.
package protocol

import "time"

// Verdict values as rendered on the wire.
const (
	VerdictSame      = "same"
	VerdictSimilar   = "similar"
	VerdictDifferent = "different"
	VerdictUnknown   = "unknown"
)

// =============================================================================
// Pipeline Types
// =============================================================================

// StatusResponse is the response for authz_status, authz_enable and authz_disable.
type StatusResponse struct {
	Enabled               bool   `json:"enabled"`
	Baseline              string `json:"baseline,omitempty"`
	Cursor                string `json:"cursor,omitempty"`
	Records               int    `json:"records"`
	Pending               int    `json:"pending"`
	Capacity              int    `json:"capacity"`
	Source                string `json:"source"`
	AuthHeadersConfigured bool   `json:"auth_headers_configured"`
	ActiveScope           string `json:"active_scope,omitempty"`
}

// ProcessResponse is the response for authz_process.
type ProcessResponse struct {
	Record RecordEntry `json:"record"`
}

// =============================================================================
// Ledger Types
// =============================================================================

// RecordEntry is a ledger record in list view.
type RecordEntry struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	Host       string `json:"host"`
	Path       string `json:"path"`
	OrigStatus int    `json:"orig_status"`
	OrigLength int    `json:"orig_length"`
	ModStatus  int    `json:"mod_status"`
	ModLength  int    `json:"mod_length"`
	Verdict    string `json:"verdict"`
	Pending    bool   `json:"pending,omitempty"`
	Error      string `json:"error,omitempty"`
}

// LedgerListResponse is the response for ledger_list.
type LedgerListResponse struct {
	Records []RecordEntry  `json:"records"`
	Total   int            `json:"total"`
	Counts  map[string]int `json:"counts"` // by verdict
}

// OriginInfo describes where a record's original request came from.
type OriginInfo struct {
	Source    string `json:"source"`
	SourceID  string `json:"source_id"`
	Target    string `json:"target"`
	Notes     string `json:"notes,omitempty"`
	UsesHTTPS bool   `json:"uses_https"`
}

// LedgerGetResponse is the response for ledger_get.
type LedgerGetResponse struct {
	RecordEntry
	Origin       OriginInfo `json:"origin"`
	OrigRequest  string     `json:"orig_request"`
	OrigResponse string     `json:"orig_response,omitempty"`
	ModRequest   string     `json:"mod_request"`
	ModResponse  string     `json:"mod_response,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// LedgerExportResponse is the response for ledger_export.
type LedgerExportResponse struct {
	Format  string `json:"format"`
	Records int    `json:"records"`
	Data    string `json:"data"` // base64
}

// LedgerImportResponse is the response for ledger_import.
type LedgerImportResponse struct {
	Imported int `json:"imported"`
	Total    int `json:"total"`
}

// =============================================================================
// Replay Types
// =============================================================================

// ReplaySendResponse is the response for replay_send.
type ReplaySendResponse struct {
	RecordID string `json:"record_id"`
	Modified bool   `json:"modified"`
	Target   string `json:"target"`
}

// ReplayEntry is one request sent by the native replay path.
type ReplayEntry struct {
	Name       string `json:"name"`
	Target     string `json:"target"`
	Status     int    `json:"status,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	SentAt     string `json:"sent_at"`
}

// ReplayListResponse is the response for replay_list.
type ReplayListResponse struct {
	Replays []ReplayEntry `json:"replays"`
}

// =============================================================================
// Settings Types
// =============================================================================

// RuleEntry is a body substitution rule.
type RuleEntry struct {
	ID      string `json:"id"`
	Match   string `json:"match"`
	Replace string `json:"replace"`
	Enabled bool   `json:"enabled"`
}

// ScopeEntry is a hostname scope.
type ScopeEntry struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Allow  []string `json:"allow,omitempty"`
	Deny   []string `json:"deny,omitempty"`
	Active bool     `json:"active,omitempty"`
}

// FilterEntry holds the filter toggles.
type FilterEntry struct {
	IgnoreStyling    bool `json:"ignore_styling"`
	IgnoreJavaScript bool `json:"ignore_javascript"`
	IgnoreImages     bool `json:"ignore_images"`
	IgnoreOptions    bool `json:"ignore_options"`
}

// ConfigResponse is the response for config_get and the settings mutation tools.
type ConfigResponse struct {
	AuthHeaders string       `json:"auth_headers"`
	Rules       []RuleEntry  `json:"rules"`
	Filters     FilterEntry  `json:"filters"`
	Scopes      []ScopeEntry `json:"scopes"`
	ActiveScope string       `json:"active_scope,omitempty"`
	Backend     string       `json:"backend"`
}

// =============================================================================
// Traffic Types
// =============================================================================

// TrafficSubmitResponse is the response for traffic_submit.
type TrafficSubmitResponse struct {
	ID     string `json:"id"`
	Queued bool   `json:"queued"`
}

// TrafficRespondResponse is the response for traffic_respond.
type TrafficRespondResponse struct {
	ID string `json:"id"`
}
