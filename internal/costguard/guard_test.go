package costguard

import (
	"path/filepath"
	"testing"

	"github.com/koanrun/koan/internal/memoryindex"
)

func newTestGuard(t *testing.T, budgetCents *float64, maxPerHour int) *Guard {
	t.Helper()
	idx, err := memoryindex.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	cfg := Config{Enabled: true, DailyBudgetCents: budgetCents, MaxActionsPerHour: maxPerHour}
	return New(cfg, idx)
}

func TestCheckAllowsUnderBudget(t *testing.T) {
	budget := 100.0
	g := newTestGuard(t, &budget, 0)

	if d := g.Check(); !d.Allowed {
		t.Fatalf("expected allowed, got denied: %s", d.Reason)
	}
}

func TestCheckDeniesOverBudget(t *testing.T) {
	budget := 10.0
	g := newTestGuard(t, &budget, 0)

	g.Record("claude-3-opus", 1000, 500, 0, 0, 15.0, "main")

	d := g.Check()
	if d.Allowed {
		t.Fatal("expected denial once daily budget is exceeded")
	}
	if d.Reason == "" {
		t.Error("expected a reason for the denial")
	}
}

func TestCheckNoBudgetMeansNoLimit(t *testing.T) {
	g := newTestGuard(t, nil, 0)
	g.Record("claude-3-opus", 100000, 50000, 0, 0, 999.0, "main")

	if d := g.Check(); !d.Allowed {
		t.Fatalf("expected allowed with no budget configured, got denied: %s", d.Reason)
	}
}

func TestCheckRateLimitsActionsPerHour(t *testing.T) {
	g := newTestGuard(t, nil, 1)

	if d := g.Check(); !d.Allowed {
		t.Fatalf("first call should be allowed: %s", d.Reason)
	}
	if d := g.Check(); d.Allowed {
		t.Fatal("second call within the same window should be rate limited")
	}
}

func TestDisabledGuardAlwaysAllows(t *testing.T) {
	idx, err := memoryindex.Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	budget := 0.0
	g := New(Config{Enabled: false, DailyBudgetCents: &budget}, idx)
	if d := g.Check(); !d.Allowed {
		t.Fatal("disabled guard must always allow")
	}
}

func TestDailySpendReflectsRecordedCosts(t *testing.T) {
	g := newTestGuard(t, nil, 0)
	g.Record("claude-3-opus", 1000, 200, 0, 0, 5.5, "main")
	g.Record("gpt-4o", 500, 100, 0, 0, 2.25, "subagent")

	spend, err := g.DailySpend()
	if err != nil {
		t.Fatal(err)
	}
	if spend != 7.75 {
		t.Errorf("daily spend = %v, want 7.75", spend)
	}
}
