package memoryindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func mtimeNanos(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixMilli()
}

// IndexFile (re-)indexes a single markdown/text note under sourceKey.
// If the file's mtime matches what's already recorded for sourceKey, the
// call is a no-op; otherwise existing entries for sourceKey are wiped and
// replaced.
func (idx *Index) IndexFile(sourceKey, path string) error {
	return idx.indexTextFile(sourceKey, path, readPlainText)
}

// IndexDirectory indexes every *.md file directly under memoryDir, using
// the file name as the source key.
func (idx *Index) IndexDirectory(memoryDir string) error {
	entries, err := os.ReadDir(memoryDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memoryindex: read dir %s: %w", memoryDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		if err := idx.IndexFile(entry.Name(), filepath.Join(memoryDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// IndexKnowledgeDirectory indexes .md, .txt, and .html files under
// knowledgeDir, prefixing source keys with "knowledge:" to distinguish them
// from memory notes. HTML files have their tags stripped before chunking.
func (idx *Index) IndexKnowledgeDirectory(knowledgeDir string) error {
	entries, err := os.ReadDir(knowledgeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("memoryindex: read dir %s: %w", knowledgeDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".md" && ext != ".txt" && ext != ".html" {
			continue
		}
		sourceKey := "knowledge:" + entry.Name()
		path := filepath.Join(knowledgeDir, entry.Name())
		if ext == ".html" {
			if err := idx.indexTextFile(sourceKey, path, readHTMLAsText); err != nil {
				return err
			}
			continue
		}
		if err := idx.IndexFile(sourceKey, path); err != nil {
			return err
		}
	}
	return nil
}

func readPlainText(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func readHTMLAsText(path string) string {
	return stripHTMLTags(readPlainText(path))
}

func (idx *Index) indexTextFile(sourceKey, path string, read func(string) string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	mtimeNs := mtimeNanos(path)
	now := time.Now().UTC().Format(time.RFC3339)

	var existing sql.NullInt64
	row := idx.db.QueryRow(`SELECT mtime_ns FROM memory_sources WHERE source_key = ?`, sourceKey)
	_ = row.Scan(&existing)
	if existing.Valid && existing.Int64 == mtimeNs {
		return nil
	}

	if _, err := idx.db.Exec(`DELETE FROM memory_entries WHERE source_key = ?`, sourceKey); err != nil {
		return fmt.Errorf("memoryindex: wipe entries for %s: %w", sourceKey, err)
	}

	text := read(path)
	for _, chunk := range splitIntoChunks(text) {
		hash := hashText(chunk)
		if _, err := idx.db.Exec(
			`INSERT OR IGNORE INTO memory_entries (source_key, content, content_hash, created_at) VALUES (?, ?, ?, ?)`,
			sourceKey, chunk, hash, now,
		); err != nil {
			return fmt.Errorf("memoryindex: insert entry for %s: %w", sourceKey, err)
		}
	}

	if _, err := idx.db.Exec(
		`INSERT INTO memory_sources (source_key, mtime_ns, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(source_key) DO UPDATE SET mtime_ns = excluded.mtime_ns, updated_at = excluded.updated_at`,
		sourceKey, mtimeNs, now,
	); err != nil {
		return fmt.Errorf("memoryindex: update source record for %s: %w", sourceKey, err)
	}
	return nil
}

// StoreEmbedding attaches a serialized embedding vector to an entry.
func (idx *Index) StoreEmbedding(entryID int64, embedding []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, err := idx.db.Exec(`INSERT OR REPLACE INTO memory_embeddings (entry_id, embedding) VALUES (?, ?)`, entryID, embedding)
	if err != nil {
		return fmt.Errorf("memoryindex: store embedding for entry %d: %w", entryID, err)
	}
	return nil
}

// embeddingRow is one (entry_id, content, source_key, embedding) tuple.
type embeddingRow struct {
	EntryID   int64
	Content   string
	SourceKey string
	Embedding []byte
}

// GetAllEmbeddings returns every indexed embedding, skipping any source key
// present in exclude.
func (idx *Index) GetAllEmbeddings(exclude map[string]struct{}) ([]embeddingRow, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`
		SELECT me.id, me.content, me.source_key, emb.embedding
		FROM memory_embeddings emb
		JOIN memory_entries me ON emb.entry_id = me.id`)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: query embeddings: %w", err)
	}
	defer rows.Close()

	var out []embeddingRow
	for rows.Next() {
		var r embeddingRow
		if err := rows.Scan(&r.EntryID, &r.Content, &r.SourceKey, &r.Embedding); err != nil {
			return nil, fmt.Errorf("memoryindex: scan embedding row: %w", err)
		}
		if exclude != nil {
			if _, skip := exclude[r.SourceKey]; skip {
				continue
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetEntriesMissingEmbeddings returns (id, source_key, content) for entries
// that have not yet had an embedding generated, for back-fill.
func (idx *Index) GetEntriesMissingEmbeddings() ([]embeddingRow, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`
		SELECT e.id, e.source_key, e.content FROM memory_entries e
		LEFT JOIN memory_embeddings em ON e.id = em.entry_id
		WHERE em.entry_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: query entries missing embeddings: %w", err)
	}
	defer rows.Close()

	var out []embeddingRow
	for rows.Next() {
		var r embeddingRow
		if err := rows.Scan(&r.EntryID, &r.SourceKey, &r.Content); err != nil {
			return nil, fmt.Errorf("memoryindex: scan row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetEntriesForSource returns (id, content) for every entry under sourceKey.
func (idx *Index) GetEntriesForSource(sourceKey string) ([]embeddingRow, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`SELECT id, content FROM memory_entries WHERE source_key = ?`, sourceKey)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: query entries for %s: %w", sourceKey, err)
	}
	defer rows.Close()

	var out []embeddingRow
	for rows.Next() {
		var r embeddingRow
		if err := rows.Scan(&r.EntryID, &r.Content); err != nil {
			return nil, fmt.Errorf("memoryindex: scan row: %w", err)
		}
		r.SourceKey = sourceKey
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSourceKeys returns every source key currently tracked.
func (idx *Index) ListSourceKeys() ([]string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rows, err := idx.db.Query(`SELECT source_key FROM memory_sources`)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: list source keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RemoveSource deletes a source and all its entries and embeddings.
func (idx *Index) RemoveSource(sourceKey string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Embeddings are deleted explicitly rather than relying on the CASCADE
	// foreign key, since older database files may predate foreign_keys=ON.
	if _, err := idx.db.Exec(
		`DELETE FROM memory_embeddings WHERE entry_id IN (SELECT id FROM memory_entries WHERE source_key = ?)`, sourceKey,
	); err != nil {
		return fmt.Errorf("memoryindex: remove embeddings for %s: %w", sourceKey, err)
	}
	if _, err := idx.db.Exec(`DELETE FROM memory_entries WHERE source_key = ?`, sourceKey); err != nil {
		return fmt.Errorf("memoryindex: remove entries for %s: %w", sourceKey, err)
	}
	if _, err := idx.db.Exec(`DELETE FROM memory_sources WHERE source_key = ?`, sourceKey); err != nil {
		return fmt.Errorf("memoryindex: remove source record for %s: %w", sourceKey, err)
	}
	return nil
}
