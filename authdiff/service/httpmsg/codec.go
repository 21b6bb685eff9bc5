package httpmsg

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse is the class of all decode failures.
var ErrParse = errors.New("parse error")

var (
	ErrEmptyMessage     = fmt.Errorf("%w: empty message", ErrParse)
	ErrInvalidStartLine = fmt.Errorf("%w: invalid start line", ErrParse)
)

// line is one line of a raw message. start/end bound the content, next is the offset after
// the line terminator.
type line struct {
	start, end, next int
}

// scanLines splits raw on LF, treating a preceding CR as part of the terminator. Scanning
// stops after the first blank line that follows the start line; the returned offset is where
// the body begins, or len(raw) if no blank line exists.
func scanLines(raw []byte) ([]line, int) {
	var lines []line
	pos := 0
	for pos < len(raw) {
		end := bytes.IndexByte(raw[pos:], '\n')
		next := len(raw)
		if end < 0 {
			end = len(raw)
		} else {
			end += pos
			next = end + 1
		}
		contentEnd := end
		if contentEnd > pos && raw[contentEnd-1] == '\r' {
			contentEnd--
		}
		l := line{start: pos, end: contentEnd, next: next}
		if len(lines) > 0 && len(bytes.TrimSpace(raw[l.start:l.end])) == 0 {
			return lines, next
		}
		lines = append(lines, l)
		pos = next
	}
	return lines, len(raw)
}

// SplitHeadersBody splits a raw message at the first blank line. head holds the start line and
// header lines (without the blank line), body holds every byte after it unchanged.
func SplitHeadersBody(raw []byte) (head, body []byte) {
	lines, bodyStart := scanLines(raw)
	if len(lines) == 0 {
		return nil, nil
	}
	last := lines[len(lines)-1]
	return raw[:last.end], raw[bodyStart:]
}

// BodyOf returns the body portion of a raw message.
func BodyOf(raw []byte) []byte {
	_, body := SplitHeadersBody(raw)
	return body
}

func decode(raw []byte) (startLine string, headers Headers, body []byte, err error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil, nil, ErrEmptyMessage
	}
	lines, bodyStart := scanLines(raw)
	startLine = string(raw[lines[0].start:lines[0].end])
	for _, l := range lines[1:] {
		if hdr, ok := parseHeaderLine(raw[l.start:l.end]); ok {
			headers = append(headers, hdr)
		}
	}
	if bodyStart < len(raw) {
		body = raw[bodyStart:]
	}
	return startLine, headers, body, nil
}

// DecodeRequest parses a raw HTTP request. Lines may end in CRLF or LF, header lines
// without a usable colon are skipped and the body is returned byte-for-byte.
func DecodeRequest(raw []byte) (*Request, error) {
	startLine, headers, body, err := decode(raw)
	if err != nil {
		return nil, err
	}
	tokens := strings.Fields(startLine)
	if len(tokens) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStartLine, startLine)
	}
	return &Request{
		Method:  tokens[0],
		Path:    tokens[1],
		Version: tokens[2],
		Headers: headers,
		Body:    body,
	}, nil
}

// DecodeResponse parses a raw HTTP response with the same tolerance as DecodeRequest.
func DecodeResponse(raw []byte) (*Response, error) {
	startLine, headers, body, err := decode(raw)
	if err != nil {
		return nil, err
	}
	version, code, text, err := parseStatusLine(startLine)
	if err != nil {
		return nil, err
	}
	return &Response{
		Version:    version,
		StatusCode: code,
		StatusText: text,
		Headers:    headers,
		Body:       body,
	}, nil
}

// parseStatusLine extracts version, status code, status text from status line.
func parseStatusLine(s string) (version string, code int, text string, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 3)
	if len(parts) < 2 {
		return "", 0, "", fmt.Errorf("%w: %q", ErrInvalidStartLine, s)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: status code %q", ErrInvalidStartLine, parts[1])
	}
	if len(parts) == 3 {
		text = strings.TrimSpace(parts[2])
	}
	return parts[0], code, text, nil
}

// StatusCode returns the status code of a raw response, or 0 if it cannot be read.
func StatusCode(raw []byte) int {
	end := bytes.IndexByte(raw, '\n')
	if end < 0 {
		end = len(raw)
	}
	_, code, _, err := parseStatusLine(string(raw[:end]))
	if err != nil {
		return 0
	}
	return code
}

// parseHeaderLine parses "Name: Value". Lines without a colon, or with the colon first, are
// rejected.
func parseHeaderLine(l []byte) (Header, bool) {
	idx := bytes.IndexByte(l, ':')
	if idx <= 0 {
		return Header{}, false
	}
	name := strings.TrimSpace(string(l[:idx]))
	if name == "" {
		return Header{}, false
	}
	return Header{Name: name, Value: strings.TrimSpace(string(l[idx+1:]))}, true
}

// ParseHeaderBlock parses a header-only text blob, one "Name: value" per line.
func ParseHeaderBlock(text string) Headers {
	var headers Headers
	for _, l := range strings.Split(text, "\n") {
		if hdr, ok := parseHeaderLine([]byte(strings.TrimRight(l, "\r"))); ok {
			headers = append(headers, hdr)
		}
	}
	return headers
}

// Encode serializes a request with CRLF line endings. The body is only written when non-empty.
func Encode(method, path, version string, headers Headers, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(64 + len(body) + 32*len(headers))
	buf.WriteString(method)
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteByte(' ')
	buf.WriteString(version)
	buf.WriteString("\r\n")
	for _, h := range headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	if len(body) > 0 {
		buf.Write(body)
	}
	return buf.Bytes()
}

// EncodeResponse serializes a response with CRLF line endings.
func EncodeResponse(resp *Response) []byte {
	var buf bytes.Buffer
	buf.WriteString(resp.Version)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(resp.StatusCode))
	if resp.StatusText != "" {
		buf.WriteByte(' ')
		buf.WriteString(resp.StatusText)
	}
	buf.WriteString("\r\n")
	for _, h := range resp.Headers {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(resp.Body)
	return buf.Bytes()
}
