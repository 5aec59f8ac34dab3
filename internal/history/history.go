// Package history records finished task executions in a SQLite journal.
//
// The journal is observability data, not the task store: losing it never
// affects task semantics, so every caller treats write failures as non-fatal.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	context_id TEXT,
	state TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	artifact_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	finished_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id);
CREATE INDEX IF NOT EXISTS idx_executions_state ON executions(state);
`

// Execution is one finished pipeline run.
type Execution struct {
	TaskID        string
	ContextID     string
	State         string
	Duration      time.Duration
	ArtifactCount int
	ErrorMessage  string
}

// Stats summarizes the journal contents.
type Stats struct {
	Total   int
	ByState map[string]int
}

// Journal is the SQLite-backed execution history.
type Journal struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the journal at dbPath. Use ":memory:" for
// an ephemeral journal in tests.
func Open(dbPath string) (*Journal, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// busy_timeout first so the remaining pragmas wait on locks instead of
	// failing when another connection holds the database.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	return &Journal{db: db, dbPath: dbPath}, nil
}

// execWithRetry retries a statement with exponential backoff on
// "database is locked" errors that can occur during concurrent opens.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the journal.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// RecordExecution appends one finished execution to the journal.
func (j *Journal) RecordExecution(ctx context.Context, exec *Execution) error {
	query := `INSERT INTO executions
		(task_id, context_id, state, duration_seconds, artifact_count, error_message)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := j.db.ExecContext(ctx, query,
		exec.TaskID,
		exec.ContextID,
		exec.State,
		int64(exec.Duration.Seconds()),
		exec.ArtifactCount,
		exec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

// Stats returns total and per-state execution counts.
func (j *Journal) Stats(ctx context.Context) (*Stats, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM executions GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{ByState: make(map[string]int)}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats.ByState[state] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats rows: %w", err)
	}
	return stats, nil
}

// Prune deletes journal entries older than the cutoff and returns the number
// removed.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM executions WHERE finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	return n, nil
}
