package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xtm888/medflow-ocr/internal/core/domain"
)

const defaultResultTTL = time.Hour

// ProgressRepository stores task snapshots as JSONB rows. Rows expire after
// the result TTL; reads ignore expired rows and PurgeExpired deletes them.
type ProgressRepository struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func NewProgressRepository(db *sql.DB, ttl time.Duration) *ProgressRepository {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &ProgressRepository{db: db, ttl: ttl, now: time.Now}
}

func (r *ProgressRepository) Save(ctx context.Context, progress domain.BatchProgress) error {
	snapshot, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	now := r.now().UTC()

	_, err = r.db.ExecContext(ctx, `
INSERT INTO ocr_tasks (task_id, kind, status, snapshot, updated_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (task_id) DO UPDATE
SET kind = EXCLUDED.kind,
	status = EXCLUDED.status,
	snapshot = EXCLUDED.snapshot,
	updated_at = EXCLUDED.updated_at,
	expires_at = EXCLUDED.expires_at
`, progress.TaskID, string(progress.Kind), string(progress.Status), snapshot, now, now.Add(r.ttl))
	if err != nil {
		return fmt.Errorf("save task snapshot: %w", err)
	}
	return nil
}

func (r *ProgressRepository) Get(ctx context.Context, taskID string) (domain.BatchProgress, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT snapshot
FROM ocr_tasks
WHERE task_id = $1 AND expires_at > $2
`, taskID, r.now().UTC())

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BatchProgress{}, domain.WrapError(domain.ErrNotFound, "get task snapshot", fmt.Errorf("task %s", taskID))
		}
		return domain.BatchProgress{}, fmt.Errorf("get task snapshot: %w", err)
	}

	var progress domain.BatchProgress
	if err := json.Unmarshal(raw, &progress); err != nil {
		return domain.BatchProgress{}, fmt.Errorf("unmarshal task snapshot: %w", err)
	}
	return progress, nil
}

// RequestCancel sets the flag, creating a pending row when the task is not
// known yet so a cancel that races the submit is not lost.
func (r *ProgressRepository) RequestCancel(ctx context.Context, taskID string) error {
	pending, err := json.Marshal(domain.PendingProgress(taskID))
	if err != nil {
		return fmt.Errorf("marshal pending snapshot: %w", err)
	}
	now := r.now().UTC()

	_, err = r.db.ExecContext(ctx, `
INSERT INTO ocr_tasks (task_id, status, snapshot, cancel_requested, updated_at, expires_at)
VALUES ($1,$2,$3,TRUE,$4,$5)
ON CONFLICT (task_id) DO UPDATE
SET cancel_requested = TRUE
`, taskID, string(domain.TaskPending), pending, now, now.Add(r.ttl))
	if err != nil {
		return fmt.Errorf("request task cancel: %w", err)
	}
	return nil
}

func (r *ProgressRepository) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var requested bool
	err := r.db.QueryRowContext(ctx, `
SELECT cancel_requested
FROM ocr_tasks
WHERE task_id = $1
`, taskID).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return requested, nil
}

func (r *ProgressRepository) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM ocr_tasks WHERE expires_at <= $1`, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired tasks: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired tasks rows affected: %w", err)
	}
	return rows, nil
}
