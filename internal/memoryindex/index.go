// Package memoryindex provides a SQLite-backed store for long-term agent
// memory: full-text and vector-hybrid search over chunked notes and
// knowledge files, LLM cost accounting, search logging, and a dead-letter
// queue for failed scheduled jobs.
package memoryindex

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Index wraps a SQLite database holding memory entries, their embeddings,
// search logs, cost records, and the scheduler dead-letter queue.
//
// The driver is restricted to a single connection: SQLite serializes writers
// at the file level anyway, and funnelling everything through one *sql.DB
// connection avoids "database is locked" errors under WAL without needing an
// external mutex.
type Index struct {
	db     *sql.DB
	path   string
	hasFTS bool

	mu sync.Mutex
}

// Hit is one search result: the source it came from and the chunk text.
type Hit struct {
	SourceKey string
	Content   string
}

// Open creates or opens the memory index at path, applying WAL pragmas and
// ensuring the schema exists. path may be ":memory:" for an ephemeral index.
func Open(path string) (*Index, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("memoryindex: create parent dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("memoryindex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{db: db, path: path}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=3000; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("memoryindex: pragmas: %w", err)
	}

	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memoryindex: schema init at %s: %w", path, err)
	}
	return idx, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func (idx *Index) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_sources (
			source_key TEXT PRIMARY KEY,
			mtime_ns INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id INTEGER PRIMARY KEY,
			source_key TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (source_key, content_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_embeddings (
			entry_id INTEGER PRIMARY KEY REFERENCES memory_entries(id) ON DELETE CASCADE,
			embedding BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_access_log (
			id INTEGER PRIMARY KEY,
			query TEXT NOT NULL,
			search_type TEXT NOT NULL,
			result_count INTEGER NOT NULL,
			top_score REAL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS memory_search_hits (
			id INTEGER PRIMARY KEY,
			access_log_id INTEGER NOT NULL REFERENCES memory_access_log(id),
			source_key TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS llm_cost_log (
			id INTEGER PRIMARY KEY,
			timestamp TEXT NOT NULL DEFAULT (datetime('now')),
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_creation_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cost_cents REAL NOT NULL,
			caller TEXT NOT NULL DEFAULT 'main'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_log_date ON llm_cost_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_log_model ON llm_cost_log(model)`,
		`CREATE TABLE IF NOT EXISTS scheduled_task_dlq (
			id INTEGER PRIMARY KEY,
			job_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			payload TEXT NOT NULL,
			error_message TEXT NOT NULL,
			failed_at TEXT NOT NULL DEFAULT (datetime('now')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending_retry'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := idx.db.Exec(stmt); err != nil {
			return err
		}
	}

	if _, err := idx.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts
		USING fts5(content, source_key, content='memory_entries', content_rowid='id')`); err != nil {
		// FTS5 not compiled into this sqlite3 build; fall back to LIKE search.
		idx.hasFTS = false
		return nil
	}

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS mem_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_fts(rowid, content, source_key) VALUES (new.id, new.content, new.source_key);
		END`,
		`CREATE TRIGGER IF NOT EXISTS mem_ad AFTER DELETE ON memory_entries BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content, source_key) VALUES ('delete', old.id, old.content, old.source_key);
		END`,
		`CREATE TRIGGER IF NOT EXISTS mem_au AFTER UPDATE ON memory_entries BEGIN
			INSERT INTO memory_fts(memory_fts, rowid, content, source_key) VALUES ('delete', old.id, old.content, old.source_key);
			INSERT INTO memory_fts(rowid, content, source_key) VALUES (new.id, new.content, new.source_key);
		END`,
	}
	for _, stmt := range triggers {
		if _, err := idx.db.Exec(stmt); err != nil {
			return err
		}
	}
	idx.hasFTS = true
	return nil
}
