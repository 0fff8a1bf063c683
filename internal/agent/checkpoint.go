package agent

import (
	"context"
	"sync"
	"time"

	"github.com/koanrun/koan/pkg/models"
)

// Checkpoint is a point-in-time summary of a conversation, produced in the
// background every N tool-execution iterations so that compaction can enrich
// its recovery line without waiting on a fresh summarizer call.
type Checkpoint struct {
	Summary   string
	CreatedAt time.Time
}

// checkpointSummarizer matches the shape of llmSummaryProvider.Summarize so
// a CheckpointTracker can reuse the runtime's existing summarization path.
type checkpointSummarizer interface {
	Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error)
}

// CheckpointTracker periodically snapshots the in-progress message list and
// summarizes it in the background. A new snapshot cancels any summarizer
// still running from a previous one, so only the most recent checkpoint ever
// completes.
type CheckpointTracker struct {
	everyNIterations int
	summarizer       checkpointSummarizer

	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	last     *Checkpoint
	iterSeen int
}

// NewCheckpointTracker builds a tracker that fires every N iterations. A
// non-positive everyN disables checkpointing (Update becomes a no-op).
func NewCheckpointTracker(everyN int, summarizer checkpointSummarizer) *CheckpointTracker {
	return &CheckpointTracker{everyNIterations: everyN, summarizer: summarizer}
}

// Update is called after each tool-execution phase with the iteration index
// (0-based) and the current message list. When iter crosses a multiple of
// everyNIterations, it aborts any in-flight summarizer and spawns a new one
// over a clone of messages.
func (c *CheckpointTracker) Update(iter int, messages []*models.Message) {
	if c == nil || c.everyNIterations <= 0 {
		return
	}
	if iter == 0 || iter%c.everyNIterations != 0 {
		return
	}

	c.mu.Lock()
	if c.iterSeen == iter {
		c.mu.Unlock()
		return
	}
	c.iterSeen = iter
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	snapshot := make([]*models.Message, len(messages))
	copy(snapshot, messages)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		summary, err := c.summarizer.Summarize(ctx, snapshot, 1000)
		if err != nil || ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		c.last = &Checkpoint{Summary: summary, CreatedAt: time.Now()}
		c.mu.Unlock()
	}()
}

// Await blocks until any in-flight summarizer finishes, so a reader of Last
// never observes a torn/in-progress state. Used by compaction before it
// reads the checkpoint.
func (c *CheckpointTracker) Await() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

// Last returns the most recently completed checkpoint, if any.
func (c *CheckpointTracker) Last() *Checkpoint {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
