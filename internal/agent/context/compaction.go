package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/koanrun/koan/pkg/models"
)

// Defaults for GetCompactedHistory, chosen to match the exact threshold-based
// compaction contract: a provider-reported (or estimated) token count gates
// whether any summarization happens at all, rather than the percent-of-window
// heuristic CompactionManager (compaction.go) uses for its own trigger.
const (
	DefaultHistorySize     = 60
	DefaultThresholdTokens = 40000
	DefaultKeepRecent      = 10
)

// CompactionThresholdOptions configures GetCompactedHistory.
type CompactionThresholdOptions struct {
	ThresholdTokens int
	KeepRecent      int
	HistorySize     int
	MaxSummaryLen   int
}

// DefaultCompactionThresholdOptions returns the spec defaults.
func DefaultCompactionThresholdOptions() CompactionThresholdOptions {
	return CompactionThresholdOptions{
		ThresholdTokens: DefaultThresholdTokens,
		KeepRecent:      DefaultKeepRecent,
		HistorySize:     DefaultHistorySize,
		MaxSummaryLen:   2000,
	}
}

// estimateTokens is the chars/4 heuristic used when no provider-reported
// token count is available.
func estimateTokens(history []*models.Message) int {
	chars := 0
	for _, m := range history {
		if m == nil {
			continue
		}
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Input)
		}
		for _, tr := range m.ToolResults {
			chars += len(tr.Content)
		}
	}
	return chars / 4
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// GetCompactedHistory implements the exact threshold/keep_recent/recovery-line
// compaction algorithm: below the token threshold, or at/under keepRecent
// messages, history passes through unmodified (trimmed to historySize in the
// former case). Otherwise the older portion is summarized via provider, and
// the summary is enriched with the last checkpoint, a cognitive breadcrumb,
// and a recovery line before being prepended to the kept recent messages.
//
// Returns the compacted message list and the raw (non-enriched) summary to
// persist as session.Metadata["compaction_summary"] for the next turn's
// prefix. A nil/empty raw summary means no new summary was produced this
// call (the second and third branches above).
func GetCompactedHistory(
	ctx context.Context,
	provider SummaryProvider,
	opts CompactionThresholdOptions,
	lastInputTokens int,
	history []*models.Message,
	previousSummary string,
	checkpointSummary string,
	cognitiveBreadcrumb string,
	lastUserMessage string,
) ([]*models.Message, string, error) {
	if opts.ThresholdTokens <= 0 {
		opts = DefaultCompactionThresholdOptions()
	}

	tokens := lastInputTokens
	if tokens <= 0 {
		tokens = estimateTokens(history)
	}

	if tokens < opts.ThresholdTokens {
		if len(history) <= opts.HistorySize {
			return history, "", nil
		}
		return history[len(history)-opts.HistorySize:], "", nil
	}

	if len(history) <= opts.KeepRecent {
		return history, "", nil
	}

	old := history[:len(history)-opts.KeepRecent]
	recent := history[len(history)-opts.KeepRecent:]

	toSummarize := old
	if previousSummary != "" {
		prefix := &models.Message{Role: models.RoleSystem, Content: "Previous summary:\n" + previousSummary}
		toSummarize = make([]*models.Message, 0, len(old)+1)
		toSummarize = append(toSummarize, prefix)
		toSummarize = append(toSummarize, old...)
	}

	rawSummary, err := provider.Summarize(ctx, toSummarize, opts.MaxSummaryLen)
	if err != nil {
		return nil, "", fmt.Errorf("failed to summarize history: %w", err)
	}

	var enriched strings.Builder
	enriched.WriteString(rawSummary)
	if checkpointSummary != "" {
		enriched.WriteString("\n\n[Checkpoint] ")
		enriched.WriteString(checkpointSummary)
	}
	if cognitiveBreadcrumb != "" {
		enriched.WriteString("\n\n")
		enriched.WriteString(cognitiveBreadcrumb)
	}
	enriched.WriteString("\n\n[Recovery] Continue from where you left off. Last user message: ")
	enriched.WriteString(truncateRunes(lastUserMessage, 200))

	summaryMsg := &models.Message{
		Role:    models.RoleSystem,
		Content: "[Previous conversation summary: " + enriched.String() + "]",
	}

	result := make([]*models.Message, 0, len(recent)+1)
	result = append(result, summaryMsg)
	result = append(result, recent...)
	return result, rawSummary, nil
}
