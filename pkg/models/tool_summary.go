package models

import "encoding/json"

// SubagentAccess describes how much of the subagent system a tool may reach.
type SubagentAccess string

const (
	SubagentAccessNone      SubagentAccess = "none"
	SubagentAccessReadOnly  SubagentAccess = "read_only"
	SubagentAccessReadWrite SubagentAccess = "read_write"
)

// ToolAction describes one operation a tool can perform, for display and
// approval-policy purposes.
type ToolAction struct {
	Name     string `json:"name"`
	ReadOnly bool   `json:"read_only"`
}

// ToolCapabilities describes what a tool is allowed to reach: whether it
// ships with the runtime, whether it can make outbound network calls, how
// much of the subagent system it can touch, and the individual actions it
// exposes.
type ToolCapabilities struct {
	BuiltIn         bool           `json:"built_in"`
	NetworkOutbound bool           `json:"network_outbound"`
	SubagentAccess  SubagentAccess `json:"subagent_access"`
	Actions         []ToolAction   `json:"actions,omitempty"`
}

// ToolSummary is a UI/API-facing snapshot of a registered tool: enough to
// list it, show its schema, and attribute it to a source (core, mcp, edge).
type ToolSummary struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Schema       json.RawMessage  `json:"schema,omitempty"`
	Source       string           `json:"source"`
	Namespace    string           `json:"namespace,omitempty"`
	Canonical    string           `json:"canonical,omitempty"`
	Cacheable    bool             `json:"cacheable,omitempty"`
	Capabilities ToolCapabilities `json:"capabilities,omitempty"`
}
