package agent

import (
	"context"
	"testing"
	"time"

	"github.com/koanrun/koan/pkg/models"
)

type fakeCheckpointSummarizer struct {
	summary string
}

func (f *fakeCheckpointSummarizer) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	return f.summary, nil
}

func TestCheckpointTrackerFiresOnMultiple(t *testing.T) {
	tracker := NewCheckpointTracker(3, &fakeCheckpointSummarizer{summary: "checkpoint summary"})
	msgs := []*models.Message{{Role: models.RoleUser, Content: "hi"}}

	tracker.Update(1, msgs)
	tracker.Update(2, msgs)
	if tracker.Last() != nil {
		t.Fatal("expected no checkpoint before hitting a multiple of everyN")
	}

	tracker.Update(3, msgs)
	tracker.Await()

	last := tracker.Last()
	if last == nil {
		t.Fatal("expected a checkpoint after iteration 3")
	}
	if last.Summary != "checkpoint summary" {
		t.Errorf("summary = %q", last.Summary)
	}
}

func TestCheckpointTrackerDisabledWhenEveryNNonPositive(t *testing.T) {
	tracker := NewCheckpointTracker(0, &fakeCheckpointSummarizer{summary: "x"})
	tracker.Update(3, []*models.Message{{Role: models.RoleUser, Content: "hi"}})
	tracker.Await()
	if tracker.Last() != nil {
		t.Fatal("expected tracker to stay inert with everyN <= 0")
	}
}

func TestCheckpointTrackerNilReceiverIsSafe(t *testing.T) {
	var tracker *CheckpointTracker
	tracker.Update(3, nil)
	tracker.Await()
	if tracker.Last() != nil {
		t.Fatal("nil tracker Last() must return nil")
	}
}

func TestCheckpointTrackerAwaitBlocksUntilComplete(t *testing.T) {
	tracker := NewCheckpointTracker(1, &fakeCheckpointSummarizer{summary: "done"})
	tracker.Update(1, []*models.Message{{Role: models.RoleUser, Content: "hi"}})

	done := make(chan struct{})
	go func() {
		tracker.Await()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return in time")
	}
	if tracker.Last() == nil {
		t.Fatal("expected checkpoint to be populated after Await returns")
	}
}
