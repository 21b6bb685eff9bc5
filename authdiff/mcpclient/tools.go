package mcpclient

import (
	"context"

	"github.com/go-appsec/authdiff/authdiff/protocol"
)

// Status calls authz_status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.status(ctx, "authz_status")
}

// Enable calls authz_enable.
func (c *Client) Enable(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.status(ctx, "authz_enable")
}

// Disable calls authz_disable.
func (c *Client) Disable(ctx context.Context) (*protocol.StatusResponse, error) {
	return c.status(ctx, "authz_disable")
}

func (c *Client) status(ctx context.Context, tool string) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.CallToolJSON(ctx, tool, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Process calls authz_process for one history request.
func (c *Client) Process(ctx context.Context, id string) (*protocol.ProcessResponse, error) {
	var resp protocol.ProcessResponse
	if err := c.CallToolJSON(ctx, "authz_process", map[string]interface{}{"id": id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LedgerList calls ledger_list.
func (c *Client) LedgerList(ctx context.Context, opts LedgerListOpts) (*protocol.LedgerListResponse, error) {
	args := make(map[string]interface{})
	if opts.Verdict != "" {
		args["verdict"] = opts.Verdict
	}
	if opts.Host != "" {
		args["host"] = opts.Host
	}
	if opts.Limit > 0 {
		args["limit"] = opts.Limit
	}

	var resp protocol.LedgerListResponse
	if err := c.CallToolJSON(ctx, "ledger_list", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LedgerGet calls ledger_get and returns the full record.
func (c *Client) LedgerGet(ctx context.Context, id string) (*protocol.LedgerGetResponse, error) {
	var resp protocol.LedgerGetResponse
	if err := c.CallToolJSON(ctx, "ledger_get", map[string]interface{}{"id": id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LedgerClear calls ledger_clear.
func (c *Client) LedgerClear(ctx context.Context) error {
	_, err := c.CallTool(ctx, "ledger_clear", nil)
	return err
}

// LedgerExport calls ledger_export.
func (c *Client) LedgerExport(ctx context.Context) (*protocol.LedgerExportResponse, error) {
	var resp protocol.LedgerExportResponse
	if err := c.CallToolJSON(ctx, "ledger_export", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LedgerImport calls ledger_import with base64 snapshot data.
func (c *Client) LedgerImport(ctx context.Context, data string) (*protocol.LedgerImportResponse, error) {
	var resp protocol.LedgerImportResponse
	if err := c.CallToolJSON(ctx, "ledger_import", map[string]interface{}{"data": data}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplaySend calls replay_send.
func (c *Client) ReplaySend(ctx context.Context, id string, modified bool) (*protocol.ReplaySendResponse, error) {
	args := map[string]interface{}{"id": id, "modified": modified}
	var resp protocol.ReplaySendResponse
	if err := c.CallToolJSON(ctx, "replay_send", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplayList calls replay_list. Only available on the native backend.
func (c *Client) ReplayList(ctx context.Context) (*protocol.ReplayListResponse, error) {
	var resp protocol.ReplayListResponse
	if err := c.CallToolJSON(ctx, "replay_list", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConfigGet calls config_get.
func (c *Client) ConfigGet(ctx context.Context) (*protocol.ConfigResponse, error) {
	return c.config(ctx, "config_get", nil)
}

// ConfigUpdate calls config_update with only the set fields.
func (c *Client) ConfigUpdate(ctx context.Context, opts ConfigUpdateOpts) (*protocol.ConfigResponse, error) {
	args := make(map[string]interface{})
	if opts.AuthHeaders != nil {
		args["auth_headers"] = *opts.AuthHeaders
	}
	if opts.IgnoreStyling != nil {
		args["ignore_styling"] = *opts.IgnoreStyling
	}
	if opts.IgnoreJavaScript != nil {
		args["ignore_javascript"] = *opts.IgnoreJavaScript
	}
	if opts.IgnoreImages != nil {
		args["ignore_images"] = *opts.IgnoreImages
	}
	if opts.IgnoreOptions != nil {
		args["ignore_options"] = *opts.IgnoreOptions
	}
	if opts.ActiveScope != nil {
		args["active_scope"] = *opts.ActiveScope
	}
	return c.config(ctx, "config_update", args)
}

// RuleAdd calls rule_add.
func (c *Client) RuleAdd(ctx context.Context, opts RuleAddOpts) (*protocol.ConfigResponse, error) {
	return c.config(ctx, "rule_add", map[string]interface{}{
		"match":   opts.Match,
		"replace": opts.Replace,
		"enabled": !opts.Disabled,
	})
}

// RuleDelete calls rule_delete.
func (c *Client) RuleDelete(ctx context.Context, id string) (*protocol.ConfigResponse, error) {
	return c.config(ctx, "rule_delete", map[string]interface{}{"id": id})
}

// ScopeSet calls scope_set.
func (c *Client) ScopeSet(ctx context.Context, opts ScopeSetOpts) (*protocol.ConfigResponse, error) {
	args := map[string]interface{}{
		"name":     opts.Name,
		"activate": opts.Activate,
	}
	if opts.ID != "" {
		args["id"] = opts.ID
	}
	if len(opts.Allow) > 0 {
		args["allow"] = opts.Allow
	}
	if len(opts.Deny) > 0 {
		args["deny"] = opts.Deny
	}
	return c.config(ctx, "scope_set", args)
}

// ScopeDelete calls scope_delete with a scope ID or name.
func (c *Client) ScopeDelete(ctx context.Context, id string) (*protocol.ConfigResponse, error) {
	return c.config(ctx, "scope_delete", map[string]interface{}{"id": id})
}

func (c *Client) config(ctx context.Context, tool string, args map[string]interface{}) (*protocol.ConfigResponse, error) {
	var resp protocol.ConfigResponse
	if err := c.CallToolJSON(ctx, tool, args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrafficSubmit calls traffic_submit. Only available on the native backend.
func (c *Client) TrafficSubmit(ctx context.Context, opts TrafficSubmitOpts) (*protocol.TrafficSubmitResponse, error) {
	args := map[string]interface{}{"request": opts.Request}
	if opts.Response != "" {
		args["response"] = opts.Response
	}
	if opts.Target != "" {
		args["target"] = opts.Target
	}
	if opts.Notes != "" {
		args["notes"] = opts.Notes
	}

	var resp protocol.TrafficSubmitResponse
	if err := c.CallToolJSON(ctx, "traffic_submit", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrafficRespond calls traffic_respond.
func (c *Client) TrafficRespond(ctx context.Context, id, response string) (*protocol.TrafficRespondResponse, error) {
	args := map[string]interface{}{"id": id, "response": response}
	var resp protocol.TrafficRespondResponse
	if err := c.CallToolJSON(ctx, "traffic_respond", args, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
