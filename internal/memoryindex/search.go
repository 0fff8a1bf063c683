package memoryindex

import (
	"fmt"
	"math"
	"sort"
)

// FusionStrategy selects how keyword and vector scores are combined in
// HybridSearch.
type FusionStrategy string

const (
	// FusionWeightedScore linearly blends normalized keyword and vector
	// scores using Config.KeywordWeight.
	FusionWeightedScore FusionStrategy = "weighted_score"
	// FusionRRF merges results by rank via reciprocal rank fusion, ignoring
	// the raw scores.
	FusionRRF FusionStrategy = "rrf"
)

// Embedder produces a float32 embedding vector for a query, and can decode
// a stored embedding blob back into one. The index stores embeddings as
// opaque blobs; callers own the serialization format.
type Embedder interface {
	CosineSimilarity(a, b []float32) float32
	Deserialize(blob []byte) ([]float32, error)
}

// HybridSearchOptions configures one hybrid_search call.
type HybridSearchOptions struct {
	Limit          int
	Exclude        map[string]struct{}
	KeywordWeight  float32 // 1.0 = keyword only, 0.0 = vector only
	Fusion         FusionStrategy
	RRFConstantK   uint32
	QueryEmbedding []float32
}

type scoredRow struct {
	id      int64
	score   float32
	key     string
	content string
}

// Search runs a keyword-only query, using FTS5 BM25 ranking when available
// and falling back to a LIKE scan otherwise. Every call is logged.
func (idx *Index) Search(queryText string, limit int, exclude map[string]struct{}) ([]Hit, error) {
	hits, err := idx.searchInner(queryText, limit, exclude)
	if err != nil {
		return nil, err
	}
	idx.logSearch(queryText, "keyword", hits, nil)
	return hits, nil
}

func (idx *Index) searchInner(queryText string, limit int, exclude map[string]struct{}) ([]Hit, error) {
	query := ftsQuery(queryText)
	if query == "" {
		return nil, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.hasFTS {
		rows, err := idx.db.Query(`
			SELECT me.source_key, me.content
			FROM memory_fts
			JOIN memory_entries me ON memory_fts.rowid = me.id
			WHERE memory_fts MATCH ?
			ORDER BY bm25(memory_fts)
			LIMIT ?`, query, limit+len(exclude))
		if err == nil {
			defer rows.Close()
			return collectHits(rows, exclude, limit)
		}
	}

	like := "%" + truncateRunes(queryText, 200) + "%"
	rows, err := idx.db.Query(`SELECT source_key, content FROM memory_entries WHERE content LIKE ? LIMIT ?`, like, limit+len(exclude))
	if err != nil {
		return nil, fmt.Errorf("memoryindex: fallback search: %w", err)
	}
	defer rows.Close()
	return collectHits(rows, exclude, limit)
}

func collectHits(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}, exclude map[string]struct{}, limit int) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var key, content string
		if err := rows.Scan(&key, &content); err != nil {
			return nil, err
		}
		if _, skip := exclude[key]; skip {
			continue
		}
		hits = append(hits, Hit{SourceKey: key, Content: content})
		if len(hits) >= limit {
			break
		}
	}
	return hits, rows.Err()
}

// HybridSearch combines FTS5 BM25 keyword scores with cosine vector
// similarity, blended per opts.Fusion, and logs the search.
func (idx *Index) HybridSearch(queryText string, embedder Embedder, opts HybridSearchOptions) ([]Hit, error) {
	if len(opts.QueryEmbedding) == 0 {
		return nil, fmt.Errorf("memoryindex: hybrid search requires a non-empty query embedding")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}

	ftsScores := make(map[int64]scoredRow)
	if opts.KeywordWeight > 0 {
		var err error
		ftsScores, err = idx.ftsScoresFor(queryText, opts.Exclude)
		if err != nil {
			return nil, err
		}
	}

	vecScores := make(map[int64]scoredRow)
	if opts.KeywordWeight < 1.0 {
		var err error
		vecScores, err = idx.vectorScoresFor(embedder, opts.QueryEmbedding, opts.Exclude)
		if err != nil {
			return nil, err
		}
	}

	allIDs := make(map[int64]struct{}, len(ftsScores)+len(vecScores))
	for id := range ftsScores {
		allIDs[id] = struct{}{}
	}
	for id := range vecScores {
		allIDs[id] = struct{}{}
	}

	var scored []scoredRow
	switch opts.Fusion {
	case FusionRRF:
		scored = fuseRRF(allIDs, ftsScores, vecScores, opts.RRFConstantK)
	default:
		scored = fuseWeighted(allIDs, ftsScores, vecScores, opts.KeywordWeight)
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	var topScore *float64
	if len(scored) > 0 {
		s := float64(scored[0].score)
		topScore = &s
	}

	hits := make([]Hit, 0, opts.Limit)
	for i, row := range scored {
		if i >= opts.Limit {
			break
		}
		hits = append(hits, Hit{SourceKey: row.key, Content: row.content})
	}

	idx.logSearch(queryText, "hybrid", hits, topScore)
	return hits, nil
}

func (idx *Index) ftsScoresFor(queryText string, exclude map[string]struct{}) (map[int64]scoredRow, error) {
	query := ftsQuery(queryText)
	scores := make(map[int64]scoredRow)
	if query == "" || !idx.hasFTS {
		return scores, nil
	}

	idx.mu.Lock()
	rows, err := idx.db.Query(`
		SELECT me.id, me.source_key, me.content, bm25(memory_fts) as score
		FROM memory_fts
		JOIN memory_entries me ON memory_fts.rowid = me.id
		WHERE memory_fts MATCH ?
		ORDER BY bm25(memory_fts)
		LIMIT 100`, query)
	idx.mu.Unlock()
	if err != nil {
		return scores, nil //nolint:nilerr // FTS is best-effort; fall through with empty scores.
	}
	defer rows.Close()

	type raw struct {
		id      int64
		key     string
		content string
		score   float64
	}
	var rawRows []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.id, &r.key, &r.content, &r.score); err != nil {
			continue
		}
		if _, skip := exclude[r.key]; skip {
			continue
		}
		rawRows = append(rawRows, r)
	}

	if len(rawRows) == 0 {
		return scores, nil
	}

	// BM25 scores from SQLite are negative, with more negative meaning a
	// better match. Normalize into [0, 1] with the best match at 1.0.
	minScore, maxScore := rawRows[0].score, rawRows[0].score
	for _, r := range rawRows {
		if r.score < minScore {
			minScore = r.score
		}
		if r.score > maxScore {
			maxScore = r.score
		}
	}
	rangeV := maxScore - minScore

	for _, r := range rawRows {
		var normalized float32
		if math.Abs(rangeV) < 1e-10 {
			normalized = 1.0
		} else {
			normalized = float32((maxScore - r.score) / rangeV)
		}
		scores[r.id] = scoredRow{id: r.id, score: normalized, key: r.key, content: r.content}
	}
	return scores, nil
}

func (idx *Index) vectorScoresFor(embedder Embedder, queryEmbedding []float32, exclude map[string]struct{}) (map[int64]scoredRow, error) {
	scores := make(map[int64]scoredRow)
	embeddings, err := idx.GetAllEmbeddings(exclude)
	if err != nil {
		return nil, err
	}

	for _, e := range embeddings {
		vec, err := embedder.Deserialize(e.Embedding)
		if err != nil {
			continue // corrupted embedding; skip rather than fail the whole search
		}
		sim := embedder.CosineSimilarity(queryEmbedding, vec)
		if sim < 0 {
			sim = 0 // cosine similarity is in [-1, 1]; clamp to [0, 1]
		}
		scores[e.EntryID] = scoredRow{id: e.EntryID, score: sim, key: e.SourceKey, content: e.Content}
	}
	return scores, nil
}

func fuseWeighted(allIDs map[int64]struct{}, fts, vec map[int64]scoredRow, keywordWeight float32) []scoredRow {
	out := make([]scoredRow, 0, len(allIDs))
	for id := range allIDs {
		f, vv := fts[id], vec[id]
		combined := keywordWeight*f.score + (1-keywordWeight)*vv.score
		key := f.key
		if key == "" {
			key = vv.key
		}
		if key == "" {
			key = "<unknown>"
		}
		content := f.content
		if content == "" {
			content = vv.content
		}
		out = append(out, scoredRow{id: id, score: combined, key: key, content: content})
	}
	return out
}

func fuseRRF(allIDs map[int64]struct{}, fts, vec map[int64]scoredRow, rrfK uint32) []scoredRow {
	k := float32(rrfK)
	if k < 1 {
		k = 1
	}

	ftsRank := rankByScore(fts)
	vecRank := rankByScore(vec)
	ftsAbsent := float32(len(fts) + 1)
	vecAbsent := float32(len(vec) + 1)

	out := make([]scoredRow, 0, len(allIDs))
	for id := range allIDs {
		fr, ok := ftsRank[id]
		frv := float32(fr)
		if !ok {
			frv = ftsAbsent
		}
		vr, ok := vecRank[id]
		vrv := float32(vr)
		if !ok {
			vrv = vecAbsent
		}
		rrfScore := 1.0/(k+frv) + 1.0/(k+vrv)

		f, vv := fts[id], vec[id]
		key := f.key
		if key == "" {
			key = vv.key
		}
		if key == "" {
			key = "<unknown>"
		}
		content := f.content
		if content == "" {
			content = vv.content
		}
		out = append(out, scoredRow{id: id, score: rrfScore, key: key, content: content})
	}
	return out
}

// rankByScore returns 1-indexed ranks, best score first.
func rankByScore(scores map[int64]scoredRow) map[int64]int {
	ids := make([]int64, 0, len(scores))
	for id := range scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return scores[ids[i]].score > scores[ids[j]].score })
	ranks := make(map[int64]int, len(ids))
	for rank, id := range ids {
		ranks[id] = rank + 1
	}
	return ranks
}

func (idx *Index) logSearch(query, searchType string, results []Hit, topScore *float64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	res, err := idx.db.Exec(
		`INSERT INTO memory_access_log (query, search_type, result_count, top_score) VALUES (?, ?, ?, ?)`,
		query, searchType, len(results), topScore,
	)
	if err != nil {
		return // search logging is best-effort; never fail a search over it
	}
	logID, err := res.LastInsertId()
	if err != nil {
		return
	}
	for _, hit := range results {
		_, _ = idx.db.Exec(`INSERT INTO memory_search_hits (access_log_id, source_key) VALUES (?, ?)`, logID, hit.SourceKey)
	}
}

// GetSourceHitCount counts how many times sourceKey appeared in search results.
func (idx *Index) GetSourceHitCount(sourceKey string) (uint64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var count int64
	err := idx.db.QueryRow(`SELECT COUNT(*) FROM memory_search_hits WHERE source_key = ?`, sourceKey).Scan(&count)
	if err != nil {
		return 0, nil
	}
	return uint64(count), nil
}

// SearchStats summarizes the search access log.
type SearchStats struct {
	TotalSearches       uint64
	TotalHits           uint64
	AvgResultsPerSearch float64
}

// GetSearchStats returns aggregate counters over the search access log.
func (idx *Index) GetSearchStats() (SearchStats, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var stats SearchStats
	var searches, hits int64
	var avg float64
	_ = idx.db.QueryRow(`SELECT COUNT(*) FROM memory_access_log`).Scan(&searches)
	_ = idx.db.QueryRow(`SELECT COUNT(*) FROM memory_search_hits`).Scan(&hits)
	_ = idx.db.QueryRow(`SELECT COALESCE(AVG(result_count), 0.0) FROM memory_access_log`).Scan(&avg)
	stats.TotalSearches = uint64(searches)
	stats.TotalHits = uint64(hits)
	stats.AvgResultsPerSearch = avg
	return stats, nil
}

// SourceHits is a source key and how many times it was returned by a search.
type SourceHits struct {
	SourceKey string
	Hits      uint64
}

// GetTopSources returns the most-frequently-retrieved source keys.
func (idx *Index) GetTopSources(limit int) ([]SourceHits, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`
		SELECT source_key, COUNT(*) as hits FROM memory_search_hits
		GROUP BY source_key ORDER BY hits DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: top sources: %w", err)
	}
	defer rows.Close()

	var out []SourceHits
	for rows.Next() {
		var key string
		var hits int64
		if err := rows.Scan(&key, &hits); err != nil {
			return nil, err
		}
		out = append(out, SourceHits{SourceKey: key, Hits: uint64(hits)})
	}
	return out, rows.Err()
}

// PurgeOldSearchLogs deletes access-log rows (and their orphaned hit rows)
// older than the given number of days, returning the row count removed.
func (idx *Index) PurgeOldSearchLogs(days int) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := fmt.Sprintf("-%d days", days)
	if _, err := idx.db.Exec(`
		DELETE FROM memory_search_hits WHERE access_log_id IN (
			SELECT id FROM memory_access_log WHERE created_at < datetime('now', ?)
		)`, cutoff); err != nil {
		return 0, fmt.Errorf("memoryindex: purge orphaned hits: %w", err)
	}
	res, err := idx.db.Exec(`DELETE FROM memory_access_log WHERE created_at < datetime('now', ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("memoryindex: purge access log: %w", err)
	}
	return res.RowsAffected()
}
