package mcpclient

// LedgerListOpts filters ledger_list.
type LedgerListOpts struct {
	Verdict string
	Host    string // glob
	Limit   int
}

// ConfigUpdateOpts holds config_update arguments. Nil fields are left unchanged.
type ConfigUpdateOpts struct {
	AuthHeaders      *string
	IgnoreStyling    *bool
	IgnoreJavaScript *bool
	IgnoreImages     *bool
	IgnoreOptions    *bool
	ActiveScope      *string
}

// RuleAddOpts holds rule_add arguments.
type RuleAddOpts struct {
	Match    string
	Replace  string
	Disabled bool
}

// ScopeSetOpts holds scope_set arguments. An empty ID creates a new scope.
type ScopeSetOpts struct {
	ID       string
	Name     string
	Allow    []string
	Deny     []string
	Activate bool
}

// TrafficSubmitOpts holds traffic_submit arguments.
type TrafficSubmitOpts struct {
	Request  string
	Response string
	Target   string // scheme://host[:port]
	Notes    string
}
