// Package compare classifies how a modified response differs from the original.
package compare

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
)

// Verdict is the classification of an original/modified response pair.
type Verdict string

const (
	VerdictSame      Verdict = "same"
	VerdictSimilar   Verdict = "similar"
	VerdictDifferent Verdict = "different"
	// VerdictUnknown marks records whose responses are not both available yet.
	VerdictUnknown Verdict = "unknown"
)

// Valid reports if v is one of the known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictSame, VerdictSimilar, VerdictDifferent, VerdictUnknown:
		return true
	}
	return false
}

// Classify compares two responses. It always returns same, similar or different.
//
// Differing status codes are different, unless both are redirects to the same Location.
// With equal codes, equal lengths and equal whitespace-normalized bodies are same, equal
// lengths with different bodies are similar, and different lengths are different.
func Classify(origCode, origLen, modCode, modLen int, origRaw, modRaw []byte) Verdict {
	if origCode != modCode {
		if isRedirect(origCode) && isRedirect(modCode) {
			if loc := Location(origRaw); loc != "" && loc == Location(modRaw) {
				return VerdictSame
			}
		}
		return VerdictDifferent
	}

	if origLen != modLen {
		return VerdictDifferent
	}
	if bytes.Equal(normalizedBody(origRaw), normalizedBody(modRaw)) {
		return VerdictSame
	}
	return VerdictSimilar
}

// Evaluate derives status codes and lengths from two raw responses and classifies them.
// Returns unknown when either response is empty.
func Evaluate(origRaw, modRaw []byte) Verdict {
	if len(origRaw) == 0 || len(modRaw) == 0 {
		return VerdictUnknown
	}
	return Classify(httpmsg.StatusCode(origRaw), ContentLength(origRaw),
		httpmsg.StatusCode(modRaw), ContentLength(modRaw), origRaw, modRaw)
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}

// Location returns the trimmed value of the first Location header.
func Location(raw []byte) string {
	return headerValue(raw, "Location")
}

// ContentLength returns the Content-Length header value when it parses, otherwise the length
// of the body portion.
func ContentLength(raw []byte) int {
	if v := headerValue(raw, "Content-Length"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return len(httpmsg.BodyOf(raw))
}

func headerValue(raw []byte, name string) string {
	head, _ := httpmsg.SplitHeadersBody(raw)
	return httpmsg.ParseHeaderBlock(string(head)).Get(name)
}

// normalizedBody extracts the body, removes any supported Content-Encoding, then collapses
// whitespace runs to a single space and trims the ends.
func normalizedBody(raw []byte) []byte {
	head, body := httpmsg.SplitHeadersBody(raw)
	if ce := httpmsg.ParseHeaderBlock(string(head)).Get("Content-Encoding"); ce != "" {
		if decoded, ok := httpmsg.DecodeBody(body, ce); ok && decoded != nil {
			body = decoded
		}
	}
	return []byte(strings.Join(strings.Fields(string(body)), " "))
}
