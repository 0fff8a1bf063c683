// Package costguard enforces a process-wide LLM spend budget and call-rate
// limit, consulted by the agent loop before every provider call.
package costguard

import (
	"fmt"
	"time"

	"github.com/koanrun/koan/internal/memoryindex"
	"github.com/koanrun/koan/internal/ratelimit"
)

// Config configures the cost guard. A nil DailyBudgetCents means no budget
// enforcement (the guard still records spend for reporting). A zero
// MaxActionsPerHour means no rate limiting.
type Config struct {
	DailyBudgetCents  *float64
	MaxActionsPerHour int
	Enabled           bool
}

// DefaultConfig returns a guard configuration with no budget cap and a
// generous default action rate, matching the "always on for logging,
// optional for enforcement" posture the guard is built around.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		MaxActionsPerHour: 0,
	}
}

// Guard wraps an hourly token bucket and the memory index's cost log to
// answer "can we afford this call right now", and records spend after a
// call completes.
type Guard struct {
	config  Config
	index   *memoryindex.Index
	limiter *ratelimit.Bucket
}

// New builds a Guard backed by the given memory index. The bucket refills
// MaxActionsPerHour tokens per hour; a zero value disables the rate check.
func New(config Config, index *memoryindex.Index) *Guard {
	g := &Guard{config: config, index: index}
	if config.MaxActionsPerHour > 0 {
		g.limiter = ratelimit.NewBucket(ratelimit.Config{
			RequestsPerSecond: float64(config.MaxActionsPerHour) / 3600.0,
			BurstSize:         config.MaxActionsPerHour,
			Enabled:           true,
		})
	}
	return g
}

// Decision is the result of a pre-flight check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Check runs the pre-flight budget and rate checks before an LLM call. It
// never errors on its own account: a memory-index read failure is treated
// as "allow" so a logging problem can't take down the agent loop, per the
// corpus's general policy of best-effort telemetry.
func (g *Guard) Check() Decision {
	if !g.config.Enabled {
		return Decision{Allowed: true}
	}

	if g.limiter != nil && !g.limiter.Allow() {
		wait := g.limiter.WaitTime()
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("rate limit: too many actions this hour, retry in %s", wait.Round(time.Second)),
		}
	}

	if g.config.DailyBudgetCents != nil && g.index != nil {
		today := time.Now().UTC().Format("2006-01-02")
		spent, err := g.index.GetDailyCost(today)
		if err == nil && spent >= *g.config.DailyBudgetCents {
			return Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("daily budget exceeded: %.2f/%.2f cents spent today", spent, *g.config.DailyBudgetCents),
			}
		}
	}

	return Decision{Allowed: true}
}

// Record logs the cost of a completed LLM call. Failures are swallowed: a
// call that already happened must not fail the turn over a logging error.
func (g *Guard) Record(model string, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens uint64, costCents float64, caller string) {
	if g.index == nil {
		return
	}
	_ = g.index.RecordCost(model, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens, costCents, caller)
}

// DailySpend returns the total recorded cost in cents for today.
func (g *Guard) DailySpend() (float64, error) {
	if g.index == nil {
		return 0, nil
	}
	return g.index.GetDailyCost(time.Now().UTC().Format("2006-01-02"))
}
