package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS ocr_tasks (
	task_id TEXT PRIMARY KEY,
	kind TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	snapshot TEXT NOT NULL,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ocr_tasks_expires_at ON ocr_tasks(expires_at);
`

// Open opens the task database with WAL and a busy timeout so the api and
// worker can share one file on a single node.
func Open(path string) (*sql.DB, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	if !memory {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return db, nil
}

// Store is the single-node ProgressStore.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewStore(db *sql.DB, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{db: db, ttl: ttl, now: time.Now}
}

func (s *Store) Save(ctx context.Context, progress domain.BatchProgress) error {
	snapshot, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ocr_tasks (task_id, kind, status, snapshot, updated_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (task_id) DO UPDATE
SET kind = excluded.kind,
	status = excluded.status,
	snapshot = excluded.snapshot,
	updated_at = excluded.updated_at,
	expires_at = excluded.expires_at
`, progress.TaskID, string(progress.Kind), string(progress.Status), string(snapshot), now.UnixNano(), now.Add(s.ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("save task snapshot: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, taskID string) (domain.BatchProgress, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT snapshot FROM ocr_tasks WHERE task_id = ? AND expires_at > ?
`, taskID, s.now().UnixNano()).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BatchProgress{}, domain.WrapError(domain.ErrNotFound, "get task snapshot", fmt.Errorf("task %s", taskID))
		}
		return domain.BatchProgress{}, fmt.Errorf("get task snapshot: %w", err)
	}
	var progress domain.BatchProgress
	if err := json.Unmarshal([]byte(raw), &progress); err != nil {
		return domain.BatchProgress{}, fmt.Errorf("unmarshal task snapshot: %w", err)
	}
	return progress, nil
}

func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	pending, err := json.Marshal(domain.PendingProgress(taskID))
	if err != nil {
		return fmt.Errorf("marshal pending snapshot: %w", err)
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO ocr_tasks (task_id, status, snapshot, cancel_requested, updated_at, expires_at)
VALUES (?, ?, ?, 1, ?, ?)
ON CONFLICT (task_id) DO UPDATE SET cancel_requested = 1
`, taskID, string(domain.TaskPending), string(pending), now.UnixNano(), now.Add(s.ttl).UnixNano())
	if err != nil {
		return fmt.Errorf("request task cancel: %w", err)
	}
	return nil
}

func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM ocr_tasks WHERE task_id = ?`, taskID).Scan(&flag)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return flag != 0, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ocr_tasks WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge expired tasks: %w", err)
	}
	return result.RowsAffected()
}
