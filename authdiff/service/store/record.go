package store

import (
	"slices"
	"time"

	"github.com/go-appsec/authdiff/authdiff/service/compare"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

// Origin is opaque metadata about where the original request came from. It is passed through
// unchanged so the request can be replayed later.
type Origin struct {
	Source    string `json:"source" msgpack:"s"`      // backend name, e.g. "burp"
	SourceID  string `json:"source_id" msgpack:"sid"` // request identity in the source
	Hostname  string `json:"hostname" msgpack:"h"`
	Port      int    `json:"port" msgpack:"p"`
	UsesHTTPS bool   `json:"uses_https" msgpack:"tls"`
	Notes     string `json:"notes,omitempty" msgpack:"n,omitempty"`
}

// Record is one processed request and its original/modified responses.
type Record struct {
	ID     string `json:"id" msgpack:"id"`
	Method string `json:"method" msgpack:"m"`
	Host   string `json:"host" msgpack:"h"`
	Path   string `json:"path" msgpack:"p"`

	OrigStatus int `json:"orig_status" msgpack:"os"`
	OrigLength int `json:"orig_length" msgpack:"ol"`
	ModStatus  int `json:"mod_status" msgpack:"ms"`
	ModLength  int `json:"mod_length" msgpack:"ml"`

	OrigRequest  []byte `json:"orig_request" msgpack:"oq"`
	OrigResponse []byte `json:"orig_response,omitempty" msgpack:"or,omitempty"`
	ModRequest   []byte `json:"mod_request" msgpack:"mq"`
	ModResponse  []byte `json:"mod_response,omitempty" msgpack:"mr,omitempty"`

	Origin  Origin          `json:"origin" msgpack:"o"`
	Verdict compare.Verdict `json:"verdict" msgpack:"v"`

	// Error holds the last dispatch failure, if any.
	Error string `json:"error,omitempty" msgpack:"e,omitempty"`

	CreatedAt time.Time `json:"created_at" msgpack:"ca"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"ua"`
}

// Clone returns a deep copy.
func (r *Record) Clone() Record {
	c := *r
	c.OrigRequest = slices.Clone(r.OrigRequest)
	c.OrigResponse = slices.Clone(r.OrigResponse)
	c.ModRequest = slices.Clone(r.ModRequest)
	c.ModResponse = slices.Clone(r.ModResponse)
	return c
}

// Complete reports if both responses are present.
func (r *Record) Complete() bool {
	return len(r.OrigResponse) > 0 && len(r.ModResponse) > 0
}

// SetOriginalResponse stores the original response and derives its status and length.
func (r *Record) SetOriginalResponse(raw []byte) {
	r.OrigResponse = raw
	r.OrigStatus, r.OrigLength = responseStats(raw)
}

// SetModifiedResponse stores the modified response and derives its status and length.
func (r *Record) SetModifiedResponse(raw []byte) {
	r.ModResponse = raw
	r.ModStatus, r.ModLength = responseStats(raw)
}

// Reclassify recomputes the verdict. Incomplete records are unknown.
func (r *Record) Reclassify() {
	if !r.Complete() {
		r.Verdict = compare.VerdictUnknown
		return
	}
	r.Verdict = compare.Classify(r.OrigStatus, r.OrigLength, r.ModStatus, r.ModLength,
		r.OrigResponse, r.ModResponse)
}

func responseStats(raw []byte) (status, length int) {
	if len(raw) == 0 {
		return 0, 0
	}
	return httpmsg.StatusCode(raw), compare.ContentLength(raw)
}
