package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Journal remembers the outcome of every playbook this node ran, so a
// restarted agent never executes the same playbook twice.
type Journal struct {
	db *sql.DB
}

func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS playbook_runs(
		playbook_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		ts INTEGER NOT NULL)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Outcome returns the recorded status of a playbook, if any.
func (j *Journal) Outcome(ctx context.Context, playbookID string) (string, bool, error) {
	var status string
	err := j.db.QueryRowContext(ctx, `SELECT status FROM playbook_runs WHERE playbook_id=?`, playbookID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

func (j *Journal) Record(ctx context.Context, playbookID, status string, at time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO playbook_runs(playbook_id, status, ts) VALUES(?,?,?)
		 ON CONFLICT(playbook_id) DO UPDATE SET status=excluded.status, ts=excluded.ts`,
		playbookID, status, at.Unix())
	return err
}

func (j *Journal) Close() error { return j.db.Close() }
