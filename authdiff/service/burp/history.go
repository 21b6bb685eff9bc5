package burp

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	endOfItems = "Reached end of items"

	// entries carry full bodies
	maxHistoryLine = 10 << 20
)

var historyFields = []string{"request", "response", "notes"}

// parseHistory decodes get_proxy_http_history output: one JSON object per line, with
// blank lines, free text and an end marker in between.
func parseHistory(text string) ([]HistoryEntry, error) {
	if strings.TrimSpace(text) == "" || strings.TrimSpace(text) == endOfItems {
		return nil, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64<<10), maxHistoryLine)

	var entries []HistoryEntry
	var buf bytes.Buffer
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		fixed := repairLine(&buf, line)
		if !gjson.ValidBytes(fixed) {
			return entries, fmt.Errorf("history line %d is not valid JSON", n)
		}
		values := gjson.GetManyBytes(fixed, historyFields...)
		entries = append(entries, HistoryEntry{
			Request:  values[0].String(),
			Response: values[1].String(),
			Notes:    values[2].String(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return entries, nil
}

// repairLine fixes the two ways Burp breaks its own JSON: raw backslashes that are not
// valid escapes, and objects cut off at a size limit. Escapes are rewritten to literal
// backslashes, an open string is closed and missing history fields are added empty.
func repairLine(buf *bytes.Buffer, line []byte) []byte {
	buf.Reset()
	buf.Grow(len(line) + 32)

	inString := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if !inString {
			buf.WriteByte(ch)
			inString = ch == '"'
			continue
		}

		switch {
		case ch == '"':
			buf.WriteByte(ch)
			inString = false
		case ch != '\\':
			buf.WriteByte(ch)
		case i+1 < len(line) && strings.IndexByte(`\"/bfnrt`, line[i+1]) >= 0:
			buf.Write(line[i : i+2])
			i++
		case i+5 < len(line) && line[i+1] == 'u' && isHex4(line[i+2:i+6]):
			buf.Write(line[i : i+6])
			i += 5
		default:
			buf.WriteString(`\\`)
		}
	}

	if !inString && bytes.HasSuffix(buf.Bytes(), []byte("}")) {
		return bytes.Clone(buf.Bytes())
	}
	if inString {
		buf.WriteByte('"')
	}

	// drop a dangling separator so fields can be appended
	out := bytes.TrimRight(buf.Bytes(), " ,")
	if bytes.HasSuffix(out, []byte(":")) {
		out = append(out, `""`...)
	}
	for _, field := range historyFields {
		if bytes.Contains(out, []byte(`"`+field+`":`)) {
			continue
		}
		if !bytes.HasSuffix(out, []byte("{")) {
			out = append(out, ',')
		}
		out = append(out, `"`+field+`":""`...)
	}
	return append(bytes.Clone(out), '}')
}

func isHex4(b []byte) bool {
	if len(b) != 4 {
		return false
	}
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
