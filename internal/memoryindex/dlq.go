package memoryindex

import "fmt"

// maxDLQEntries bounds the dead-letter queue; InsertDLQEntry prunes down to
// this many most-recent rows after every insert.
const maxDLQEntries = 100

// DLQEntry is one failed scheduled job recorded for later inspection or retry.
type DLQEntry struct {
	ID           int64
	JobID        string
	JobName      string
	Payload      string
	ErrorMessage string
	FailedAt     string
	RetryCount   int64
	Status       string
}

// InsertDLQEntry records a failed scheduled job, then prunes the queue to
// the maxDLQEntries most recent rows.
func (idx *Index) InsertDLQEntry(jobID, jobName, payload, errorMessage string) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	res, err := idx.db.Exec(
		`INSERT INTO scheduled_task_dlq (job_id, job_name, payload, error_message) VALUES (?, ?, ?, ?)`,
		jobID, jobName, payload, errorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("memoryindex: insert dlq entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := idx.db.Exec(
		`DELETE FROM scheduled_task_dlq WHERE id NOT IN (SELECT id FROM scheduled_task_dlq ORDER BY id DESC LIMIT ?)`,
		maxDLQEntries,
	); err != nil {
		return id, fmt.Errorf("memoryindex: prune dlq: %w", err)
	}
	return id, nil
}

// ListDLQEntries returns queued entries, most recent first, optionally
// filtered by status.
func (idx *Index) ListDLQEntries(statusFilter string) ([]DLQEntry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	const cols = `id, job_id, job_name, payload, error_message, failed_at, retry_count, status`
	var rows interface {
		Next() bool
		Scan(...any) error
		Err() error
		Close() error
	}
	var err error
	if statusFilter != "" {
		rows, err = idx.db.Query(`SELECT `+cols+` FROM scheduled_task_dlq WHERE status = ? ORDER BY id DESC`, statusFilter)
	} else {
		rows, err = idx.db.Query(`SELECT ` + cols + ` FROM scheduled_task_dlq ORDER BY id DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("memoryindex: list dlq entries: %w", err)
	}
	defer rows.Close()

	var out []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobName, &e.Payload, &e.ErrorMessage, &e.FailedAt, &e.RetryCount, &e.Status); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateDLQStatus sets the status of a dlq entry, reporting whether a row
// was actually updated.
func (idx *Index) UpdateDLQStatus(id int64, newStatus string) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	res, err := idx.db.Exec(`UPDATE scheduled_task_dlq SET status = ? WHERE id = ?`, newStatus, id)
	if err != nil {
		return false, fmt.Errorf("memoryindex: update dlq status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearDLQ removes entries, optionally filtered by status, returning the
// number of rows deleted.
func (idx *Index) ClearDLQ(statusFilter string) (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var res interface {
		RowsAffected() (int64, error)
	}
	var err error
	if statusFilter != "" {
		res, err = idx.db.Exec(`DELETE FROM scheduled_task_dlq WHERE status = ?`, statusFilter)
	} else {
		res, err = idx.db.Exec(`DELETE FROM scheduled_task_dlq`)
	}
	if err != nil {
		return 0, fmt.Errorf("memoryindex: clear dlq: %w", err)
	}
	return res.RowsAffected()
}
