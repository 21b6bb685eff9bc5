package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/authdiff/authdiff/protocol"
)

func (m *mcpServer) trafficSubmitTool() mcp.Tool {
	return mcp.NewTool("traffic_submit",
		mcp.WithDescription(`Submit an observed request to the native traffic source.

The request enters the pipeline as if it was seen by a proxy. When the response is not yet known,
submit it later with traffic_respond; the record stays pending until then.
Returns the assigned request id and whether it was queued for processing.`),
		mcp.WithString("request", mcp.Required(), mcp.Description("Raw HTTP/1.1 request including headers")),
		mcp.WithString("response", mcp.Description("Raw HTTP/1.1 response observed for the request")),
		mcp.WithString("target", mcp.Description("Destination as scheme://host[:port] (default: from the Host header, https)")),
		mcp.WithString("notes", mcp.Description("Free-form notes kept with the record")),
	)
}

func (m *mcpServer) trafficRespondTool() mcp.Tool {
	return mcp.NewTool("traffic_respond",
		mcp.WithDescription(`Set the observed response of a request submitted without one.`),
		mcp.WithString("id", mcp.Required(), mcp.Description("Request id from traffic_submit")),
		mcp.WithString("response", mcp.Required(), mcp.Description("Raw HTTP/1.1 response")),
	)
}

func (m *mcpServer) handleTrafficSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := req.GetString("request", "")
	if raw == "" {
		return errorResult("request is required"), nil
	}

	ex := Exchange{
		Request:  normalizeCRLF(raw),
		Response: normalizeCRLF(req.GetString("response", "")),
		Notes:    req.GetString("notes", ""),
	}
	if t := req.GetString("target", ""); t != "" {
		target, err := parseTarget(t)
		if err != nil {
			return errorResultFromErr("invalid target: ", err), nil
		}
		ex.Target = target
	}

	id, err := m.service.memory.Add(ex)
	if err != nil {
		if errors.Is(err, ErrParse) {
			return errorResultFromErr("invalid request: ", err), nil
		}
		return errorResultFromErr("", err), nil
	}

	stored, err := m.service.memory.Lookup(ctx, id)
	if err != nil {
		return errorResultFromErr("", err), nil
	}
	queued := m.service.controller.OnIntercept(ctx, *stored)

	return jsonResult(protocol.TrafficSubmitResponse{ID: id, Queued: queued})
}

func (m *mcpServer) handleTrafficRespond(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}
	resp := normalizeCRLF(req.GetString("response", ""))
	if len(resp) == 0 {
		return errorResult("response is required"), nil
	}

	if err := m.service.memory.Respond(id, resp); err != nil {
		return errorResultFromErr("", err), nil
	}
	return jsonResult(protocol.TrafficRespondResponse{ID: id})
}

// normalizeCRLF converts bare LF line endings in the head of a message to CRLF. Bodies are
// left unchanged.
func normalizeCRLF(s string) []byte {
	if s == "" {
		return nil
	}
	if strings.Contains(s, "\r\n") {
		return []byte(s)
	}
	head, body, found := strings.Cut(s, "\n\n")
	head = strings.ReplaceAll(head, "\n", "\r\n")
	if !found {
		head = strings.TrimRight(head, "\r\n")
		return []byte(head + "\r\n\r\n")
	}
	return []byte(head + "\r\n\r\n" + body)
}

// parseTarget parses scheme://host[:port] into a Target.
func parseTarget(s string) (Target, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, err
	} else if u.Host == "" {
		return Target{}, fmt.Errorf("%q has no host", s)
	}

	var t Target
	switch strings.ToLower(u.Scheme) {
	case "https":
		t.UsesHTTPS, t.Port = true, 443
	case "http":
		t.Port = 80
	default:
		return Target{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	t.Hostname = u.Hostname()
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return Target{}, fmt.Errorf("invalid port %q", p)
		}
		t.Port = n
	}
	return t, nil
}
