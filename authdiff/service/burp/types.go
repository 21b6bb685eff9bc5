package burp

// HistoryEntry is one proxy history item.
type HistoryEntry struct {
	Request  string
	Response string
	Notes    string
}

// Endpoint is the connection target Burp uses for a raw request. Burp does not derive it
// from the Host header.
type Endpoint struct {
	Hostname string
	Port     int
	HTTPS    bool
}

func (e Endpoint) toolArgs(content string) map[string]interface{} {
	return map[string]interface{}{
		"content":        content,
		"targetHostname": e.Hostname,
		"targetPort":     e.Port,
		"usesHttps":      e.HTTPS,
	}
}
