// Package gate decides whether an observed request enters the pipeline.
package gate

import (
	"net"
	"path"
	"regexp"
	"strings"

	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

// FilterSettings toggles asset and method filters.
type FilterSettings struct {
	IgnoreStyling    bool `json:"ignore_styling"`
	IgnoreJavaScript bool `json:"ignore_javascript"`
	IgnoreImages     bool `json:"ignore_images"`
	IgnoreOptions    bool `json:"ignore_options"`
}

// ScopeSpec restricts processing to matching hostnames.
type ScopeSpec struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Candidate is the part of a request the gate inspects.
type Candidate struct {
	Method  string
	Host    string // hostname, optionally with port
	Path    string // may include a query string
	Headers httpmsg.Headers
}

// CandidateFromRequest builds a Candidate from a decoded request. fallbackHost is used when
// the request has no Host header.
func CandidateFromRequest(req *httpmsg.Request, fallbackHost string) Candidate {
	host := req.Host()
	if host == "" {
		host = fallbackHost
	}
	return Candidate{Method: req.Method, Host: host, Path: req.Path, Headers: req.Headers}
}

// Reason identifies why a candidate was rejected.
type Reason string

const (
	ReasonAccepted      Reason = ""
	ReasonSelfGenerated Reason = "self_generated"
	ReasonOptions       Reason = "options_filtered"
	ReasonStyling       Reason = "styling_filtered"
	ReasonJavaScript    Reason = "javascript_filtered"
	ReasonImage         Reason = "image_filtered"
	ReasonDenied        Reason = "scope_denied"
	ReasonNotAllowed    Reason = "scope_not_allowed"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Accepted bool
	Reason   Reason
}

var (
	stylingExtensions = map[string]bool{
		"css": true, "scss": true, "sass": true, "less": true,
		"woff": true, "woff2": true, "ttf": true, "otf": true, "eot": true,
	}
	scriptExtensions = map[string]bool{
		"js": true, "mjs": true, "cjs": true, "jsx": true, "ts": true, "tsx": true, "map": true,
	}
	imageExtensions = map[string]bool{
		"png": true, "jpg": true, "jpeg": true, "gif": true, "svg": true, "ico": true,
		"webp": true, "bmp": true, "avif": true, "tif": true, "tiff": true,
	}
)

// Accept reports whether the candidate should be processed.
func Accept(c Candidate, auth httpmsg.Headers, filters FilterSettings, scope *ScopeSpec) bool {
	return Evaluate(c, auth, filters, scope).Accepted
}

// Evaluate runs the self-generated, filter, and scope checks in order and returns the first
// rejection, if any.
func Evaluate(c Candidate, auth httpmsg.Headers, filters FilterSettings, scope *ScopeSpec) Decision {
	if IsSelfGenerated(c.Headers, auth) {
		return Decision{Reason: ReasonSelfGenerated}
	}
	if r := filterReason(c, filters); r != ReasonAccepted {
		return Decision{Reason: r}
	}
	if scope != nil {
		if r := scopeReason(Hostname(c.Host), scope); r != ReasonAccepted {
			return Decision{Reason: r}
		}
	}
	return Decision{Accepted: true}
}

// IsSelfGenerated reports if every configured auth header is present in headers with an
// identical value. An empty auth set never matches.
func IsSelfGenerated(headers, auth httpmsg.Headers) bool {
	if len(auth) == 0 {
		return false
	}
	for _, a := range auth {
		i := headers.Index(a.Name)
		if i < 0 || headers[i].Value != a.Value {
			return false
		}
	}
	return true
}

func filterReason(c Candidate, f FilterSettings) Reason {
	if f.IgnoreOptions && strings.EqualFold(c.Method, "OPTIONS") {
		return ReasonOptions
	}
	ext := Extension(c.Path)
	switch {
	case ext == "":
		return ReasonAccepted
	case f.IgnoreStyling && stylingExtensions[ext]:
		return ReasonStyling
	case f.IgnoreJavaScript && scriptExtensions[ext]:
		return ReasonJavaScript
	case f.IgnoreImages && imageExtensions[ext]:
		return ReasonImage
	}
	return ReasonAccepted
}

// Extension returns the lower-cased extension of the last path segment, ignoring any query
// string or fragment.
func Extension(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	ext := path.Ext(p)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

func scopeReason(host string, scope *ScopeSpec) Reason {
	for _, pattern := range scope.Deny {
		if MatchGlob(host, pattern) {
			return ReasonDenied
		}
	}
	if len(scope.Allow) == 0 {
		return ReasonAccepted
	}
	for _, pattern := range scope.Allow {
		if MatchGlob(host, pattern) {
			return ReasonAccepted
		}
	}
	return ReasonNotAllowed
}

// Hostname lower-cases host and strips any port.
func Hostname(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

// globToRegex converts a simple glob pattern to regex.
// Supports: * (any chars), ? (single char)
func globToRegex(glob string) string {
	escaped := regexp.QuoteMeta(glob)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	escaped = strings.ReplaceAll(escaped, `\?`, ".")
	return escaped
}

// MatchGlob checks if s matches pattern anchored at both ends, case-insensitively.
func MatchGlob(s, pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile("(?i)^" + globToRegex(pattern) + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
