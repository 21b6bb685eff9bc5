// Package mutate builds the modified request sent under the substituted identity.
package mutate

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

var (
	ErrNoHost        = errors.New("request has no Host header")
	ErrNoAuthHeaders = errors.New("no auth headers configured")
)

// Rule is an ordered literal body substitution.
type Rule struct {
	ID      string `json:"id" msgpack:"id"`
	Match   string `json:"match" msgpack:"m"`
	Replace string `json:"replace" msgpack:"r"`
	Enabled bool   `json:"enabled" msgpack:"e"`
}

// Result is the output of BuildModifiedRequest.
type Result struct {
	Raw    []byte
	Host   string
	Method string
	Path   string
}

// bodilessMethods never carry a body in the modified request.
var bodilessMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"DELETE":  true,
	"OPTIONS": true,
}

// BuildModifiedRequest decodes originalRaw, overrides its headers with the ones parsed from
// authHeaderText, applies rules to the body and re-encodes the result.
func BuildModifiedRequest(originalRaw []byte, authHeaderText string, rules []Rule) (*Result, error) {
	req, err := httpmsg.DecodeRequest(originalRaw)
	if err != nil {
		return nil, err
	}

	auth := httpmsg.ParseHeaderBlock(authHeaderText)
	if len(auth) == 0 {
		return nil, ErrNoAuthHeaders
	}

	headers := MergeHeaders(req.Headers, auth)
	host := headers.Get("Host")
	if host == "" {
		return nil, ErrNoHost
	}

	method := strings.ToUpper(req.Method)
	var body []byte
	if !bodilessMethods[method] {
		body = ApplySubstitutions(req.Body, rules)
	}
	if len(body) != len(req.Body) && headers.Has("Content-Length") {
		if len(body) == 0 {
			headers.Remove("Content-Length")
		} else {
			headers.Set("Content-Length", strconv.Itoa(len(body)))
		}
	}

	return &Result{
		Raw:    httpmsg.Encode(req.Method, req.Path, req.Version, headers, body),
		Host:   host,
		Method: req.Method,
		Path:   req.Path,
	}, nil
}

// MergeHeaders returns base with overrides applied. An override replaces the first base header
// of the same name in place, using the override's name casing, and drops later duplicates.
// Overrides absent from base are appended in their own order.
func MergeHeaders(base, overrides httpmsg.Headers) httpmsg.Headers {
	out := base.Clone()
	for _, o := range overrides {
		i := out.Index(o.Name)
		if i < 0 {
			out = append(out, o)
			continue
		}
		out[i] = o
		tail := out[i+1:]
		tail.Remove(o.Name)
		out = out[:i+1+len(tail)]
	}
	return out
}

// ApplySubstitutions applies enabled rules with a non-empty match to body, in order, each
// on the previous rule's output.
func ApplySubstitutions(body []byte, rules []Rule) []byte {
	if len(body) == 0 {
		return body
	}
	s := string(body)
	for _, r := range rules {
		if !r.Enabled || r.Match == "" {
			continue
		}
		s = strings.ReplaceAll(s, r.Match, r.Replace)
	}
	return []byte(s)
}

// Validate checks a rule before it is stored.
func (r Rule) Validate() error {
	if r.Match == "" {
		return errors.New("match must not be empty")
	}
	return nil
}
