package cron

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koanrun/koan/internal/config"
)

func intPtr(v int) *int { return &v }

func TestSchedulerExpiredJobAutoDisables(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	cfg := config.CronConfig{
		Enabled: true,
		Jobs: []config.CronJobConfig{
			{
				ID:        "exp-1",
				Name:      "Expired Job",
				Type:      "webhook",
				Enabled:   true,
				Schedule:  config.CronScheduleConfig{Every: 5 * time.Second},
				Webhook:   &config.CronWebhookConfig{URL: "http://example.com"},
				ExpiresAt: now.Add(-time.Second).Format(time.RFC3339),
			},
		},
	}

	scheduler, err := NewScheduler(cfg, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	scheduler.RunOnce(context.Background())

	jobs := scheduler.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].Enabled {
		t.Fatal("expired job should be disabled")
	}
}

func TestSchedulerMaxRunsAutoDisables(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	cfg := config.CronConfig{
		Enabled: true,
		Jobs: []config.CronJobConfig{
			{
				ID:       "max-1",
				Name:     "Max Runs Job",
				Type:     "webhook",
				Enabled:  true,
				Schedule: config.CronScheduleConfig{Every: 5 * time.Second},
				Webhook:  &config.CronWebhookConfig{URL: "http://example.com"},
				MaxRuns:  intPtr(5),
			},
		},
	}

	scheduler, err := NewScheduler(cfg, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	// Simulate a job that already reached its max run count before this tick.
	scheduler.jobs[0].RunCount = 5

	scheduler.RunOnce(context.Background())

	jobs := scheduler.Jobs()
	if jobs[0].Enabled {
		t.Fatal("job at max runs should be disabled")
	}
}

func TestSchedulerAddJobDeduplicatesNames(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	scheduler, err := NewScheduler(config.CronConfig{}, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	makeJob := func(id string) config.CronJobConfig {
		return config.CronJobConfig{
			ID:       id,
			Name:     "Daily Reminder",
			Type:     "webhook",
			Enabled:  true,
			Schedule: config.CronScheduleConfig{Every: time.Minute},
			Webhook:  &config.CronWebhookConfig{URL: "http://example.com"},
		}
	}

	if _, err := scheduler.RegisterJob(makeJob("a1")); err != nil {
		t.Fatalf("RegisterJob(a1) error = %v", err)
	}
	if _, err := scheduler.RegisterJob(makeJob("a2")); err != nil {
		t.Fatalf("RegisterJob(a2) error = %v", err)
	}
	if _, err := scheduler.RegisterJob(makeJob("a3")); err != nil {
		t.Fatalf("RegisterJob(a3) error = %v", err)
	}

	names := make(map[string]bool)
	for _, job := range scheduler.Jobs() {
		names[job.Name] = true
	}
	for _, want := range []string{"Daily Reminder", "Daily Reminder (2)", "Daily Reminder (3)"} {
		if !names[want] {
			t.Errorf("expected job named %q, got names %v", want, names)
		}
	}
}

func TestSchedulerRunJobIncrementsRunCount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	cfg := config.CronConfig{
		Enabled: true,
		Jobs: []config.CronJobConfig{
			{
				ID:       "cnt-1",
				Name:     "Counter Job",
				Type:     "webhook",
				Enabled:  true,
				Schedule: config.CronScheduleConfig{Every: time.Minute},
				Webhook:  &config.CronWebhookConfig{URL: server.URL},
			},
		},
	}
	scheduler, err := NewScheduler(cfg, WithNow(func() time.Time { return now }), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	if err := scheduler.RunJob(context.Background(), "cnt-1"); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if err := scheduler.RunJob(context.Background(), "cnt-1"); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	jobs := scheduler.Jobs()
	if jobs[0].RunCount != 2 {
		t.Fatalf("expected run count 2 after 2 manual runs, got %d", jobs[0].RunCount)
	}
}

func TestSchedulerCooldownSkipsEarlyRerun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	current := base
	clock := func() time.Time { return current }

	cfg := config.CronConfig{
		Enabled: true,
		Jobs: []config.CronJobConfig{
			{
				ID:           "cool-1",
				Name:         "Cooldown Job",
				Type:         "webhook",
				Enabled:      true,
				Schedule:     config.CronScheduleConfig{Every: time.Second},
				Webhook:      &config.CronWebhookConfig{URL: server.URL},
				CooldownSecs: 30,
			},
		},
	}
	scheduler, err := NewScheduler(cfg, WithNow(clock), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	// buildJob set NextRun = base+1s; advance the clock past it so the job is due.
	current = current.Add(2 * time.Second)
	count := scheduler.RunOnce(context.Background())
	if count != 1 {
		t.Fatalf("expected first tick to run the job, got %d runs", count)
	}

	// Advance only 1s more: Every says it's due again, but the 30s cooldown suppresses it.
	current = current.Add(time.Second)
	count = scheduler.RunOnce(context.Background())
	if count != 0 {
		t.Fatalf("expected cooldown to suppress the run, got %d runs", count)
	}
}

func TestSchedulerDeleteAfterRunRemovesJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	cfg := config.CronConfig{
		Enabled: true,
		Jobs: []config.CronJobConfig{
			{
				ID:             "once-1",
				Name:           "Run Once",
				Type:           "webhook",
				Enabled:        true,
				Schedule:       config.CronScheduleConfig{At: now.Format(time.RFC3339)},
				Webhook:        &config.CronWebhookConfig{URL: server.URL},
				DeleteAfterRun: true,
			},
		},
	}
	scheduler, err := NewScheduler(cfg, WithNow(func() time.Time { return now }), WithHTTPClient(server.Client()))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	scheduler.RunOnce(context.Background())

	if len(scheduler.Jobs()) != 0 {
		t.Fatalf("expected job to be removed after running, got %d jobs", len(scheduler.Jobs()))
	}
}

func TestEventScheduleMatching(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	cfg := config.CronConfig{
		Enabled: true,
		Jobs: []config.CronJobConfig{
			{
				ID:      "evt-1",
				Name:    "On Deploy Mention",
				Type:    "webhook",
				Enabled: true,
				Schedule: config.CronScheduleConfig{
					Event: &config.CronEventConfig{Pattern: "deploy", Channel: "ops"},
				},
				Webhook: &config.CronWebhookConfig{URL: "http://example.com"},
			},
		},
	}
	scheduler, err := NewScheduler(cfg, WithNow(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	if got := len(scheduler.Jobs()); got != 1 {
		t.Fatalf("expected the event job to build despite no clock-driven next run, got %d jobs", got)
	}

	matches := scheduler.MatchEvent("starting deploy now", "ops")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}

	if matches := scheduler.MatchEvent("starting deploy now", "general"); len(matches) != 0 {
		t.Fatalf("expected channel mismatch to suppress match, got %d", len(matches))
	}
	if matches := scheduler.MatchEvent("nothing relevant", "ops"); len(matches) != 0 {
		t.Fatalf("expected non-matching content to suppress match, got %d", len(matches))
	}
}

func TestUniqueJobName(t *testing.T) {
	existing := []*Job{{Name: "Daily Reminder"}}
	if got := uniqueJobName("Daily Reminder", existing); got != "Daily Reminder (2)" {
		t.Errorf("expected suffix (2), got %q", got)
	}
	existing = append(existing, &Job{Name: "Daily Reminder (2)"})
	if got := uniqueJobName("Daily Reminder", existing); got != "Daily Reminder (3)" {
		t.Errorf("expected suffix (3), got %q", got)
	}
	if got := uniqueJobName("Unique Name", existing); got != "Unique Name" {
		t.Errorf("expected no suffix for unique name, got %q", got)
	}
}
