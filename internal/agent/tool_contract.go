package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/koanrun/koan/pkg/models"
)

// CacheableTool is implemented by tools whose results may be cached by
// (name, args). Tools that don't implement it are never cached.
type CacheableTool interface {
	Cacheable() bool
}

// ApprovalRequiredTool is implemented by tools that need explicit approval
// regardless of the runtime's RequireApproval pattern list.
type ApprovalRequiredTool interface {
	RequiresApproval() bool
}

// CapableTool is implemented by tools that describe their own capabilities.
// Tools that don't implement it get the zero-value ToolCapabilities (no
// network access, no subagent access).
type CapableTool interface {
	Capabilities() models.ToolCapabilities
}

func toolCacheable(tool Tool) bool {
	if t, ok := tool.(CacheableTool); ok {
		return t.Cacheable()
	}
	return false
}

func toolRequiresApproval(tool Tool) bool {
	if t, ok := tool.(ApprovalRequiredTool); ok {
		return t.RequiresApproval()
	}
	return false
}

func toolCapabilities(tool Tool) models.ToolCapabilities {
	if t, ok := tool.(CapableTool); ok {
		return t.Capabilities()
	}
	return models.ToolCapabilities{SubagentAccess: models.SubagentAccessNone}
}

// toolResultCache holds cached results for cacheable tools, keyed by
// tool name + a hash of their arguments.
type toolResultCache struct {
	mu      sync.RWMutex
	entries map[string]*ToolResult
}

func newToolResultCache() *toolResultCache {
	return &toolResultCache{entries: make(map[string]*ToolResult)}
}

func (c *toolResultCache) key(name string, params json.RawMessage) string {
	sum := sha256.Sum256(params)
	return name + ":" + hex.EncodeToString(sum[:])
}

func (c *toolResultCache) get(name string, params json.RawMessage) (*ToolResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.entries[c.key(name, params)]
	return result, ok
}

func (c *toolResultCache) put(name string, params json.RawMessage, result *ToolResult) {
	if result == nil || result.IsError {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(name, params)] = result
}

// toolSchema is the JSON Schema subset a tool's Schema() may declare:
// type, properties, required, and per-property enum.
type toolSchema struct {
	Type       string                          `json:"type"`
	Properties map[string]toolSchemaProperty   `json:"properties"`
	Required   []string                        `json:"required"`
}

type toolSchemaProperty struct {
	Type string   `json:"type"`
	Enum []string `json:"enum"`
}

// validateToolParams checks params against a tool's declared JSON Schema
// subset (object type, required properties, enum membership). Schemas the
// parser doesn't recognize are treated as permissive: only required/enum
// checks that can be confidently extracted are enforced.
func validateToolParams(schema json.RawMessage, params json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var s toolSchema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}
	if s.Type != "" && s.Type != "object" {
		return nil
	}

	var args map[string]json.RawMessage
	if len(params) == 0 || string(params) == "null" {
		args = map[string]json.RawMessage{}
	} else if err := json.Unmarshal(params, &args); err != nil {
		return fmt.Errorf("tool parameters must be a JSON object: %w", err)
	}

	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("missing required parameter %q", name)
		}
	}

	for name, prop := range s.Properties {
		raw, ok := args[name]
		if !ok || len(prop.Enum) == 0 {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			continue // non-string enum values aren't validated here
		}
		allowed := false
		for _, e := range prop.Enum {
			if e == value {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("parameter %q must be one of %v, got %q", name, prop.Enum, value)
		}
	}

	return nil
}

var homeDirOnce = sync.OnceValue(func() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return dir
})

var absPathRe = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)

// sanitizeErrorPaths replaces absolute filesystem paths in error text with a
// placeholder, and collapses the caller's home directory to "~", so tool
// errors don't leak local filesystem layout into model-visible content.
func sanitizeErrorPaths(text string) string {
	if home := homeDirOnce(); home != "" && strings.Contains(text, home) {
		text = strings.ReplaceAll(text, home, "~")
	}
	return absPathRe.ReplaceAllStringFunc(text, func(path string) string {
		if strings.HasPrefix(path, "~") {
			return path
		}
		return "<path>"
	})
}
