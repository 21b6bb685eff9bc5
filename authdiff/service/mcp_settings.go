package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-analyze/bulk"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/go-appsec/authdiff/authdiff/config"
	"github.com/go-appsec/authdiff/authdiff/protocol"
	"github.com/go-appsec/authdiff/authdiff/service/gate"
	"github.com/go-appsec/authdiff/authdiff/service/httpmsg"
	"github.com/go-appsec/authdiff/authdiff/service/ids"
	"github.com/go-appsec/authdiff/authdiff/service/mutate"
)

func (m *mcpServer) configGetTool() mcp.Tool {
	return mcp.NewTool("config_get",
		mcp.WithDescription(`Show auth headers, body rules, filters and scopes.`),
	)
}

func (m *mcpServer) configUpdateTool() mcp.Tool {
	return mcp.NewTool("config_update",
		mcp.WithDescription(`Update pipeline settings. Only provided fields change; changes persist to the config file.

auth_headers: the second identity, one "Name: value" per line (e.g., "Cookie: session=abc\nAuthorization: Bearer xyz").
These replace same-named headers in each replayed request.`),
		mcp.WithString("auth_headers", mcp.Description("Auth headers for the modified request, one 'Name: value' per line")),
		mcp.WithBoolean("ignore_styling", mcp.Description("Skip stylesheet and font requests")),
		mcp.WithBoolean("ignore_javascript", mcp.Description("Skip script requests")),
		mcp.WithBoolean("ignore_images", mcp.Description("Skip image requests")),
		mcp.WithBoolean("ignore_options", mcp.Description("Skip OPTIONS requests")),
		mcp.WithString("active_scope", mcp.Description("Scope id or name to apply, empty string to process all hosts")),
	)
}

func (m *mcpServer) ruleAddTool() mcp.Tool {
	return mcp.NewTool("rule_add",
		mcp.WithDescription(`Add a literal body substitution applied to modified requests, in order of creation.

Use to swap identifiers tied to the first identity (e.g., CSRF tokens, user ids) for the second identity's values.`),
		mcp.WithString("match", mcp.Required(), mcp.Description("Literal text to find in the request body")),
		mcp.WithString("replace", mcp.Description("Replacement text (default: empty)")),
		mcp.WithBoolean("enabled", mcp.Description("Apply the rule (default: true)")),
	)
}

func (m *mcpServer) ruleDeleteTool() mcp.Tool {
	return mcp.NewTool("rule_delete",
		mcp.WithDescription(`Delete a body substitution rule.`),
		mcp.WithString("id", mcp.Required(), mcp.Description("Rule id from config_get")),
	)
}

func (m *mcpServer) scopeSetTool() mcp.Tool {
	return mcp.NewTool("scope_set",
		mcp.WithDescription(`Create or replace a hostname scope.

Patterns are globs matched against the hostname (e.g., '*.example.com'). Deny wins over allow;
an empty allow list admits every host not denied.`),
		mcp.WithString("id", mcp.Description("Existing scope id to replace (omit to create)")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Scope name")),
		mcp.WithArray("allow", mcp.Items(map[string]interface{}{"type": "string"}), mcp.Description("Hostname globs to process")),
		mcp.WithArray("deny", mcp.Items(map[string]interface{}{"type": "string"}), mcp.Description("Hostname globs to skip")),
		mcp.WithBoolean("activate", mcp.Description("Make this the active scope (default: false)")),
	)
}

func (m *mcpServer) scopeDeleteTool() mcp.Tool {
	return mcp.NewTool("scope_delete",
		mcp.WithDescription(`Delete a scope. Deleting the active scope deactivates scoping.`),
		mcp.WithString("id", mcp.Required(), mcp.Description("Scope id or name")),
	)
}

func (m *mcpServer) handleConfigGet(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(m.configResponse(m.service.cfgStore.Get()))
}

func (m *mcpServer) handleConfigUpdate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	provided := func(name string) bool {
		_, ok := args[name]
		return ok
	}

	cfg, err := m.service.cfgStore.Update(func(cfg *config.Config) error {
		if provided("auth_headers") {
			text := req.GetString("auth_headers", "")
			if strings.TrimSpace(text) != "" && len(httpmsg.ParseHeaderBlock(text)) == 0 {
				return errors.New("auth_headers has no valid 'Name: value' lines")
			}
			cfg.AuthHeaders = text
		}
		if provided("ignore_styling") {
			cfg.Filters.IgnoreStyling = req.GetBool("ignore_styling", cfg.Filters.IgnoreStyling)
		}
		if provided("ignore_javascript") {
			cfg.Filters.IgnoreJavaScript = req.GetBool("ignore_javascript", cfg.Filters.IgnoreJavaScript)
		}
		if provided("ignore_images") {
			cfg.Filters.IgnoreImages = req.GetBool("ignore_images", cfg.Filters.IgnoreImages)
		}
		if provided("ignore_options") {
			cfg.Filters.IgnoreOptions = req.GetBool("ignore_options", cfg.Filters.IgnoreOptions)
		}
		if provided("active_scope") {
			cfg.ActiveScope = strings.TrimSpace(req.GetString("active_scope", ""))
		}
		return nil
	})
	if err != nil {
		return errorResultFromErr("invalid configuration: ", err), nil
	}
	return jsonResult(m.configResponse(cfg))
}

func (m *mcpServer) handleRuleAdd(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rule := mutate.Rule{
		Match:   req.GetString("match", ""),
		Replace: req.GetString("replace", ""),
		Enabled: req.GetBool("enabled", true),
	}
	if err := rule.Validate(); err != nil {
		return errorResultFromErr("invalid rule: ", err), nil
	}

	cfg, err := m.service.cfgStore.Update(func(cfg *config.Config) error {
		id, err := ids.NewRule(func(id string) bool {
			return slices.ContainsFunc(cfg.Rules, func(r mutate.Rule) bool { return r.ID == id })
		})
		if err != nil {
			return err
		}
		rule.ID = id
		cfg.Rules = append(cfg.Rules, rule)
		return nil
	})
	if err != nil {
		return errorResultFromErr("failed to save rule: ", err), nil
	}
	return jsonResult(m.configResponse(cfg))
}

func (m *mcpServer) handleRuleDelete(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}

	cfg, err := m.service.cfgStore.Update(func(cfg *config.Config) error {
		idx := slices.IndexFunc(cfg.Rules, func(r mutate.Rule) bool { return r.ID == id })
		if idx < 0 {
			return fmt.Errorf("rule not found: %s", id)
		}
		cfg.Rules = slices.Delete(cfg.Rules, idx, idx+1)
		return nil
	})
	if err != nil {
		return errorResultFromErr("", err), nil
	}
	return jsonResult(m.configResponse(cfg))
}

func (m *mcpServer) handleScopeSet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope := gate.ScopeSpec{
		ID:    req.GetString("id", ""),
		Name:  strings.TrimSpace(req.GetString("name", "")),
		Allow: cleanPatterns(req.GetStringSlice("allow", nil)),
		Deny:  cleanPatterns(req.GetStringSlice("deny", nil)),
	}
	if scope.Name == "" {
		return errorResult("name is required"), nil
	}
	activate := req.GetBool("activate", false)

	cfg, err := m.service.cfgStore.Update(func(cfg *config.Config) error {
		for _, s := range cfg.Scopes {
			if s.Name == scope.Name && s.ID != scope.ID {
				return fmt.Errorf("scope name %q already used by %s", scope.Name, s.ID)
			}
		}
		if scope.ID == "" {
			scope.ID = uuid.NewString()
			cfg.Scopes = append(cfg.Scopes, scope)
		} else {
			idx := slices.IndexFunc(cfg.Scopes, func(s gate.ScopeSpec) bool { return s.ID == scope.ID })
			if idx < 0 {
				return fmt.Errorf("scope not found: %s", scope.ID)
			}
			cfg.Scopes[idx] = scope
		}
		if activate {
			cfg.ActiveScope = scope.ID
		}
		return nil
	})
	if err != nil {
		return errorResultFromErr("", err), nil
	}
	return jsonResult(m.configResponse(cfg))
}

func (m *mcpServer) handleScopeDelete(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}

	cfg, err := m.service.cfgStore.Update(func(cfg *config.Config) error {
		idx := slices.IndexFunc(cfg.Scopes, func(s gate.ScopeSpec) bool { return s.ID == id || s.Name == id })
		if idx < 0 {
			return fmt.Errorf("scope not found: %s", id)
		}
		removed := cfg.Scopes[idx]
		cfg.Scopes = slices.Delete(cfg.Scopes, idx, idx+1)
		if cfg.ActiveScope == removed.ID || cfg.ActiveScope == removed.Name {
			cfg.ActiveScope = ""
		}
		return nil
	})
	if err != nil {
		return errorResultFromErr("", err), nil
	}
	return jsonResult(m.configResponse(cfg))
}

func cleanPatterns(patterns []string) []string {
	for i := range patterns {
		patterns[i] = strings.TrimSpace(patterns[i])
	}
	return bulk.SliceFilterInPlace(func(p string) bool { return p != "" }, patterns)
}

func (m *mcpServer) configResponse(cfg *config.Config) protocol.ConfigResponse {
	active := cfg.ActiveScopeSpec()

	rules := make([]protocol.RuleEntry, len(cfg.Rules))
	for i, r := range cfg.Rules {
		rules[i] = protocol.RuleEntry{ID: r.ID, Match: r.Match, Replace: r.Replace, Enabled: r.Enabled}
	}
	scopes := make([]protocol.ScopeEntry, len(cfg.Scopes))
	for i, s := range cfg.Scopes {
		scopes[i] = protocol.ScopeEntry{
			ID:     s.ID,
			Name:   s.Name,
			Allow:  s.Allow,
			Deny:   s.Deny,
			Active: active != nil && active.ID == s.ID,
		}
	}

	return protocol.ConfigResponse{
		AuthHeaders: cfg.AuthHeaders,
		Rules:       rules,
		Filters: protocol.FilterEntry{
			IgnoreStyling:    cfg.Filters.IgnoreStyling,
			IgnoreJavaScript: cfg.Filters.IgnoreJavaScript,
			IgnoreImages:     cfg.Filters.IgnoreImages,
			IgnoreOptions:    cfg.Filters.IgnoreOptions,
		},
		Scopes:      scopes,
		ActiveScope: cfg.ActiveScope,
		Backend:     m.service.source.Name(),
	}
}
