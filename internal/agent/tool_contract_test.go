package agent

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/koanrun/koan/pkg/models"
)

type contractTestTool struct {
	name      string
	schema    json.RawMessage
	panicOn   bool
	cacheable bool
	approval  bool
	caps      *models.ToolCapabilities
	calls     int
}

func (t *contractTestTool) Name() string            { return t.name }
func (t *contractTestTool) Description() string      { return "test tool" }
func (t *contractTestTool) Schema() json.RawMessage  { return t.schema }
func (t *contractTestTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	t.calls++
	if t.panicOn {
		panic("boom")
	}
	return &ToolResult{Content: "ok"}, nil
}
func (t *contractTestTool) Cacheable() bool        { return t.cacheable }
func (t *contractTestTool) RequiresApproval() bool { return t.approval }
func (t *contractTestTool) Capabilities() models.ToolCapabilities {
	if t.caps != nil {
		return *t.caps
	}
	return models.ToolCapabilities{}
}

func TestToolCacheableDefaultsFalse(t *testing.T) {
	plain := &mockTool{name: "plain"}
	if toolCacheable(plain) {
		t.Error("tool without CacheableTool should default to not cacheable")
	}
	c := &contractTestTool{name: "c", cacheable: true}
	if !toolCacheable(c) {
		t.Error("tool implementing CacheableTool should report its own value")
	}
}

func TestToolCapabilitiesDefault(t *testing.T) {
	plain := &mockTool{name: "plain"}
	got := toolCapabilities(plain)
	if got.SubagentAccess != models.SubagentAccessNone {
		t.Errorf("default SubagentAccess = %q, want %q", got.SubagentAccess, models.SubagentAccessNone)
	}
}

func TestValidateToolParams(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","required":["path"],"properties":{"mode":{"type":"string","enum":["read","write"]}}}`)

	if err := validateToolParams(schema, json.RawMessage(`{"path":"x","mode":"read"}`)); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := validateToolParams(schema, json.RawMessage(`{"mode":"read"}`)); err == nil {
		t.Error("expected error for missing required field")
	}
	if err := validateToolParams(schema, json.RawMessage(`{"path":"x","mode":"delete"}`)); err == nil {
		t.Error("expected error for enum mismatch")
	}
	if err := validateToolParams(nil, json.RawMessage(`{}`)); err != nil {
		t.Errorf("nil schema should be permissive: %v", err)
	}
	if err := validateToolParams(json.RawMessage(`{"type":"array"}`), json.RawMessage(`{}`)); err != nil {
		t.Errorf("non-object schema should be permissive: %v", err)
	}
	if err := validateToolParams(schema, json.RawMessage(`not json`)); err == nil {
		t.Error("expected error for non-JSON params against an object schema")
	}
}

func TestToolResultCache(t *testing.T) {
	cache := newToolResultCache()
	params := json.RawMessage(`{"a":1}`)

	if _, ok := cache.get("tool", params); ok {
		t.Fatal("expected empty cache miss")
	}

	cache.put("tool", params, &ToolResult{Content: "cached"})
	got, ok := cache.get("tool", params)
	if !ok || got.Content != "cached" {
		t.Fatalf("expected cached result, got %+v, ok=%v", got, ok)
	}

	cache.put("tool", json.RawMessage(`{"a":2}`), &ToolResult{Content: "bad", IsError: true})
	if _, ok := cache.get("tool", json.RawMessage(`{"a":2}`)); ok {
		t.Error("error results must never be cached")
	}
}

func TestSanitizeErrorPathsCollapsesHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory available")
	}
	in := "failed to read " + home + "/projects/secret/file.txt"
	got := sanitizeErrorPaths(in)
	if strings.Contains(got, home) {
		t.Errorf("sanitizeErrorPaths(%q) = %q, still contains home dir", in, got)
	}
}

func TestSanitizeErrorPathsRedactsAbsolutePaths(t *testing.T) {
	in := `open /etc/secrets/config.yaml: permission denied`
	got := sanitizeErrorPaths(in)
	if strings.Contains(got, "/etc/secrets") {
		t.Errorf("sanitizeErrorPaths(%q) = %q, still contains absolute path", in, got)
	}
	if !strings.Contains(got, "<path>") {
		t.Errorf("sanitizeErrorPaths(%q) = %q, expected placeholder", in, got)
	}
}

func TestRegistryExecuteRejectsInvalidParams(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&contractTestTool{
		name:   "needs_path",
		schema: json.RawMessage(`{"type":"object","required":["path"]}`),
	})

	result, err := registry.Execute(context.Background(), "needs_path", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError=true for missing required parameter")
	}
	if !strings.Contains(result.Content, "path") {
		t.Errorf("error content = %q, want mention of missing field", result.Content)
	}
}

func TestRegistryExecuteCachesCacheableTools(t *testing.T) {
	registry := NewToolRegistry()
	tool := &contractTestTool{name: "cacheable_tool", cacheable: true}
	registry.Register(tool)

	params := json.RawMessage(`{}`)
	if _, err := registry.Execute(context.Background(), "cacheable_tool", params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := registry.Execute(context.Background(), "cacheable_tool", params); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tool.calls != 1 {
		t.Errorf("Execute called underlying tool %d times, want 1 (second call should hit cache)", tool.calls)
	}
}

func TestRegistryExecuteDoesNotCacheNonCacheableTools(t *testing.T) {
	registry := NewToolRegistry()
	tool := &contractTestTool{name: "plain_tool"}
	registry.Register(tool)

	params := json.RawMessage(`{}`)
	registry.Execute(context.Background(), "plain_tool", params)
	registry.Execute(context.Background(), "plain_tool", params)
	if tool.calls != 2 {
		t.Errorf("Execute called underlying tool %d times, want 2 (no caching)", tool.calls)
	}
}

func TestRegistryExecuteIsolatesPanics(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&contractTestTool{name: "panicky", panicOn: true})

	result, err := registry.Execute(context.Background(), "panicky", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected an error describing the panic")
	}
	if result != nil {
		t.Errorf("expected nil result on panic, got %+v", result)
	}
	if !strings.Contains(err.Error(), "panicked") {
		t.Errorf("error = %v, want mention of panic", err)
	}
}

func TestRequiresApprovalHonorsToolDeclaration(t *testing.T) {
	runtime := &Runtime{tools: NewToolRegistry()}
	runtime.tools.Register(&contractTestTool{name: "needs_approval", approval: true})

	if !runtime.requiresApproval(RuntimeOptions{}, "needs_approval", nil) {
		t.Error("expected tool's own RequiresApproval() to be honored")
	}
	if runtime.requiresApproval(RuntimeOptions{}, "unknown_tool", nil) {
		t.Error("unregistered tool should not require approval")
	}
}
