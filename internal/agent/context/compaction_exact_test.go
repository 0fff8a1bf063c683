package context

import (
	"context"
	"strings"
	"testing"

	"github.com/koanrun/koan/pkg/models"
)

type fakeSummaryProvider struct {
	summary string
}

func (f *fakeSummaryProvider) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	return f.summary, nil
}

func buildHistory(n int, lastUserContent string) []*models.Message {
	history := make([]*models.Message, n)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		history[i] = &models.Message{Role: role, Content: "message body"}
	}
	history[n-1] = &models.Message{Role: models.RoleUser, Content: lastUserContent}
	return history
}

func TestGetCompactedHistoryRecoversOverThreshold(t *testing.T) {
	longUserMsg := strings.Repeat("x", 300)
	history := buildHistory(60, longUserMsg)
	provider := &fakeSummaryProvider{summary: "the user and assistant discussed several tasks"}

	opts := CompactionThresholdOptions{ThresholdTokens: 40000, KeepRecent: 10, HistorySize: 60, MaxSummaryLen: 2000}

	result, rawSummary, err := GetCompactedHistory(context.Background(), provider, opts, 60000, history, "", "", "", longUserMsg)
	if err != nil {
		t.Fatalf("GetCompactedHistory: %v", err)
	}

	if len(result) != 11 {
		t.Fatalf("len(result) = %d, want 11", len(result))
	}
	if rawSummary == "" {
		t.Fatal("expected a raw summary to persist into session metadata")
	}
	if rawSummary != provider.summary {
		t.Errorf("raw summary = %q, want unmodified provider output %q", rawSummary, provider.summary)
	}

	summaryNode := result[0]
	if summaryNode.Role != models.RoleSystem {
		t.Errorf("summary node role = %q, want system", summaryNode.Role)
	}
	if !strings.Contains(summaryNode.Content, "[Previous conversation summary:") {
		t.Errorf("summary node missing marker: %q", summaryNode.Content)
	}
	if !strings.Contains(summaryNode.Content, "[Recovery] Continue from where you left off.") {
		t.Errorf("summary node missing recovery line: %q", summaryNode.Content)
	}
	wantTruncated := longUserMsg[:200]
	if !strings.Contains(summaryNode.Content, wantTruncated) {
		t.Errorf("recovery line does not quote the truncated last user message")
	}
	if strings.Contains(summaryNode.Content, longUserMsg) {
		t.Errorf("recovery line quoted the full (untruncated) last user message")
	}
}

func TestGetCompactedHistoryBelowThresholdReturnsRecentWindow(t *testing.T) {
	history := buildHistory(80, "hi")
	provider := &fakeSummaryProvider{summary: "should not be called"}
	opts := DefaultCompactionThresholdOptions()

	result, rawSummary, err := GetCompactedHistory(context.Background(), provider, opts, 1000, history, "", "", "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if rawSummary != "" {
		t.Error("expected no new summary below the token threshold")
	}
	if len(result) != opts.HistorySize {
		t.Errorf("len(result) = %d, want %d", len(result), opts.HistorySize)
	}
}

func TestGetCompactedHistoryShortHistoryPassesThrough(t *testing.T) {
	history := buildHistory(5, "hi")
	provider := &fakeSummaryProvider{}
	opts := DefaultCompactionThresholdOptions()

	result, rawSummary, err := GetCompactedHistory(context.Background(), provider, opts, 50000, history, "", "", "", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if rawSummary != "" {
		t.Error("expected no summary when history is under keepRecent")
	}
	if len(result) != 5 {
		t.Errorf("len(result) = %d, want 5", len(result))
	}
}

func TestGetCompactedHistoryEnrichesWithCheckpointAndBreadcrumb(t *testing.T) {
	history := buildHistory(60, "final question")
	provider := &fakeSummaryProvider{summary: "summary body"}
	opts := CompactionThresholdOptions{ThresholdTokens: 40000, KeepRecent: 10, HistorySize: 60, MaxSummaryLen: 2000}

	result, _, err := GetCompactedHistory(context.Background(), provider, opts, 60000, history, "previous summary text", "last checkpoint note", "breadcrumb note", "final question")
	if err != nil {
		t.Fatal(err)
	}
	content := result[0].Content
	if !strings.Contains(content, "[Checkpoint] last checkpoint note") {
		t.Errorf("missing checkpoint in enriched summary: %q", content)
	}
	if !strings.Contains(content, "breadcrumb note") {
		t.Errorf("missing breadcrumb in enriched summary: %q", content)
	}
}
