package httpmsg

import (
	"strings"

	"github.com/go-analyze/bulk"
)

// Header is a single HTTP header. Name keeps its original casing.
type Header struct {
	Name  string `json:"name" msgpack:"n"`
	Value string `json:"value" msgpack:"v"`
}

// Headers is an ordered header list with case-insensitive lookup helpers.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
// Returns empty string if not found.
func (h Headers) Get(name string) string {
	if i := h.Index(name); i >= 0 {
		return h[i].Value
	}
	return ""
}

// Has reports if any header with the given name is present.
func (h Headers) Has(name string) bool {
	return h.Index(name) >= 0
}

// Index returns the position of the first header with the given name, or -1.
func (h Headers) Index(name string) int {
	for i, hdr := range h {
		if strings.EqualFold(hdr.Name, name) {
			return i
		}
	}
	return -1
}

// Set sets or replaces the first header with the given name (case-insensitive).
// If not found, appends a new header.
func (h *Headers) Set(name, value string) {
	if i := h.Index(name); i >= 0 {
		(*h)[i].Value = value
		return
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Remove removes all headers with the given name (case-insensitive).
func (h *Headers) Remove(name string) {
	*h = bulk.SliceFilterInPlace(func(hdr Header) bool {
		return !strings.EqualFold(hdr.Name, name)
	}, *h)
}

// Clone returns an independent copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	copy(out, h)
	return out
}

// Names returns the header names in order.
func (h Headers) Names() []string {
	names := make([]string, len(h))
	for i, hdr := range h {
		names[i] = hdr.Name
	}
	return names
}

// Request is a decoded HTTP/1.x request. Path includes any query string.
type Request struct {
	Method  string
	Path    string
	Version string
	Headers Headers
	Body    []byte
}

// Host returns the Host header value.
func (r *Request) Host() string { return r.Headers.Get("Host") }

// Encode serializes the request back to raw form.
func (r *Request) Encode() []byte {
	return Encode(r.Method, r.Path, r.Version, r.Headers, r.Body)
}

// Response is a decoded HTTP/1.x response.
type Response struct {
	Version    string
	StatusCode int
	StatusText string
	Headers    Headers
	Body       []byte
}

// DecodedBody returns the body with any supported Content-Encoding removed.
func (r *Response) DecodedBody() []byte {
	if ce := r.Headers.Get("Content-Encoding"); ce != "" {
		if body, ok := DecodeBody(r.Body, ce); ok && body != nil {
			return body
		}
	}
	return r.Body
}
