package memoryindex

import "fmt"

// CostSummaryRow is one (date, model) row of aggregated LLM spend.
type CostSummaryRow struct {
	Date             string
	Model            string
	TotalCents       float64
	TotalInputTokens int64
	TotalOutputTokens int64
	CallCount        int64
}

// RecordCost appends one LLM call's token usage and cost to the cost log.
func (idx *Index) RecordCost(model string, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens uint64, costCents float64, caller string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec(`
		INSERT INTO llm_cost_log
			(model, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost_cents, caller)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		model, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens, costCents, caller,
	)
	if err != nil {
		return fmt.Errorf("memoryindex: record cost: %w", err)
	}
	return nil
}

// GetDailyCost returns the total cost in cents for dateStr (YYYY-MM-DD).
func (idx *Index) GetDailyCost(dateStr string) (float64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var total float64
	err := idx.db.QueryRow(
		`SELECT COALESCE(SUM(cost_cents), 0.0) FROM llm_cost_log WHERE timestamp LIKE ?`,
		dateStr+"%",
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("memoryindex: daily cost for %s: %w", dateStr, err)
	}
	return total, nil
}

// GetCostSummary returns cost rows grouped by date and model since sinceDate
// (YYYY-MM-DD), most expensive first within each day.
func (idx *Index) GetCostSummary(sinceDate string) ([]CostSummaryRow, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`
		SELECT DATE(timestamp) as day, model,
		       SUM(cost_cents) as total_cents,
		       SUM(input_tokens) as total_input,
		       SUM(output_tokens) as total_output,
		       COUNT(*) as call_count
		FROM llm_cost_log
		WHERE DATE(timestamp) >= ?
		GROUP BY day, model
		ORDER BY day DESC, total_cents DESC`, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: cost summary: %w", err)
	}
	defer rows.Close()

	var out []CostSummaryRow
	for rows.Next() {
		var r CostSummaryRow
		if err := rows.Scan(&r.Date, &r.Model, &r.TotalCents, &r.TotalInputTokens, &r.TotalOutputTokens, &r.CallCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
