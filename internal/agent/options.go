package agent

import (
	"log/slog"
	"time"

	agentctx "github.com/koanrun/koan/internal/agent/context"
	"github.com/koanrun/koan/internal/costguard"
	"github.com/koanrun/koan/internal/jobs"
)

// RuntimeOptions configures tool execution and loop behavior.
type RuntimeOptions struct {
	// MaxIterations limits tool-use iterations per request.
	MaxIterations int

	// ToolParallelism caps concurrent tool execution.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// ToolMaxAttempts controls retry attempts for tool execution.
	ToolMaxAttempts int

	// ToolRetryBackoff waits between retry attempts.
	ToolRetryBackoff time.Duration

	// DisableToolEvents disables ToolEvent emission while processing.
	DisableToolEvents bool

	// MaxToolCalls limits total tool calls per request (0 = unlimited).
	MaxToolCalls int

	// RequireApproval lists tool names/patterns that require approval.
	RequireApproval []string

	// ApprovalChecker evaluates approval policy for tool calls when set.
	ApprovalChecker *ApprovalChecker

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// ExfiltrationBlocklist lists tool names/patterns that are never
	// dispatched regardless of approval or policy outcome - the exfiltration
	// check runs before every other gate in the tool-dispatch loop.
	ExfiltrationBlocklist []string

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// Temperature is used before any tool has been called in the turn.
	Temperature float64

	// ToolTemperature is used once at least one tool call has occurred,
	// favoring determinism for the rest of the turn.
	ToolTemperature float64

	// CheckpointEveryN configures periodic background checkpoint
	// summarization (0 disables it).
	CheckpointEveryN int

	// CompactionThreshold enables threshold-based history compaction for the
	// turn's pre-LLM history build. Nil disables it (the percent-of-window
	// Packer path is used instead).
	CompactionThreshold *agentctx.CompactionThresholdOptions

	// CostGuard gates each LLM call on a daily budget and hourly action
	// rate, and records spend after each call. Nil disables the check.
	CostGuard *costguard.Guard

	// Logger receives runtime diagnostics.
	Logger *slog.Logger
}

// DefaultRuntimeOptions returns the baseline runtime options.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		MaxIterations:     5,
		ToolParallelism:   4,
		ToolTimeout:       30 * time.Second,
		ToolMaxAttempts:   1,
		ToolRetryBackoff:  0,
		DisableToolEvents: false,
		MaxToolCalls:      0,
		Temperature:       0.7,
		ToolTemperature:   0.1,
		Logger:            slog.Default(),
	}
}

func mergeRuntimeOptions(base RuntimeOptions, override RuntimeOptions) RuntimeOptions {
	merged := base
	if override.MaxIterations > 0 {
		merged.MaxIterations = override.MaxIterations
	}
	if override.ToolParallelism > 0 {
		merged.ToolParallelism = override.ToolParallelism
	}
	if override.ToolTimeout > 0 {
		merged.ToolTimeout = override.ToolTimeout
	}
	if override.ToolMaxAttempts > 0 {
		merged.ToolMaxAttempts = override.ToolMaxAttempts
	}
	if override.ToolRetryBackoff > 0 {
		merged.ToolRetryBackoff = override.ToolRetryBackoff
	}
	if override.DisableToolEvents {
		merged.DisableToolEvents = true
	}
	if override.MaxToolCalls > 0 {
		merged.MaxToolCalls = override.MaxToolCalls
	}
	if len(override.RequireApproval) > 0 {
		merged.RequireApproval = override.RequireApproval
	}
	if override.ApprovalChecker != nil {
		merged.ApprovalChecker = override.ApprovalChecker
	}
	if len(override.ElevatedTools) > 0 {
		merged.ElevatedTools = override.ElevatedTools
	}
	if len(override.ExfiltrationBlocklist) > 0 {
		merged.ExfiltrationBlocklist = override.ExfiltrationBlocklist
	}
	if len(override.AsyncTools) > 0 {
		merged.AsyncTools = override.AsyncTools
	}
	if override.JobStore != nil {
		merged.JobStore = override.JobStore
	}
	if override.ToolResultGuard.active() {
		merged.ToolResultGuard = override.ToolResultGuard
	}
	if override.Temperature > 0 {
		merged.Temperature = override.Temperature
	}
	if override.ToolTemperature > 0 {
		merged.ToolTemperature = override.ToolTemperature
	}
	if override.CheckpointEveryN > 0 {
		merged.CheckpointEveryN = override.CheckpointEveryN
	}
	if override.CompactionThreshold != nil {
		merged.CompactionThreshold = override.CompactionThreshold
	}
	if override.CostGuard != nil {
		merged.CostGuard = override.CostGuard
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	return merged
}
