package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"offerflow/internal/domain"
)

var ErrEmpty = errors.New("no jobs ready")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  payload BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','running','succeeded','failed','canceled')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  run_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_run_at ON jobs(state, run_at);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Enqueue(ctx context.Context, j domain.Job, delay time.Duration) (string, error)
	LeaseNext(ctx context.Context, now time.Time) (domain.Job, Lease, error)
	Retry(ctx context.Context, id, err string, delay time.Duration) error
	Succeed(ctx context.Context, id string) error
	Fail(ctx context.Context, id, err string) error
	Cancel(ctx context.Context, id string) (bool, error)
	PendingForOffer(ctx context.Context, offerID string) ([]string, error)
	RecoverStale(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, id string) (domain.Job, error)
	PruneFinished(ctx context.Context, olderThan time.Duration) (int, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

type Lease struct{ Until time.Time }

// Enqueue inserts a delayed job under its deterministic id. A job with the
// same id already in the table makes this a silent no-op, which is what
// makes re-scheduling idempotent.
func (r *sqliteRepo) Enqueue(ctx context.Context, j domain.Job, delay time.Duration) (string, error) {
	if j.ID == "" {
		return "", fmt.Errorf("enqueue: job id is required")
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}
	if j.VisibilityTimeout == 0 {
		j.VisibilityTimeout = 60
	}
	runAt := time.Now().UTC().Add(delay)
	if !j.RunAt.IsZero() {
		runAt = j.RunAt
	}
	_, err := r.db.ExecContext(ctx, `
INSERT OR IGNORE INTO jobs (id,kind,payload,state,attempts,max_attempts,run_at,visibility_timeout,created_at,updated_at)
VALUES (?,?,?, 'queued',0,?,?,?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, j.ID, j.Kind, j.Payload, j.MaxAttempts, runAt, j.VisibilityTimeout)
	return j.ID, err
}

func (r *sqliteRepo) LeaseNext(ctx context.Context, now time.Time) (domain.Job, Lease, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, Lease{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,kind,payload,attempts,max_attempts,state,run_at,visibility_timeout,created_at,updated_at
FROM jobs
WHERE state='queued' AND run_at <= ?
ORDER BY run_at ASC, created_at ASC
LIMIT 1
`, now)
	var j domain.Job
	err = row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.State, &j.RunAt, &j.VisibilityTimeout, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		err = tx.Rollback()
		if err != nil {
			return domain.Job{}, Lease{}, err
		}
		return domain.Job{}, Lease{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, Lease{}, err
	}

	leaseUntil := now.Add(time.Duration(j.VisibilityTimeout) * time.Second)
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET state='running', updated_at=CURRENT_TIMESTAMP WHERE id=?`, j.ID)
	if err != nil {
		return domain.Job{}, Lease{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Job{}, Lease{}, err
	}
	return j, Lease{Until: leaseUntil}, nil
}

// Retry requeues a failed attempt with a delay, or hard-fails the job once
// attempts are exhausted. This is the bounded scheduler-level retry the
// lifecycle handlers rely on.
func (r *sqliteRepo) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    run_at = datetime(CURRENT_TIMESTAMP, ?),
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?;
`, fmt.Sprintf("+%d seconds", int(delay.Seconds())), id)
	return err
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='succeeded', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='failed', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

// Cancel removes a job that has not started executing. Running or finished
// jobs are left alone; the pending-only guard inside each handler covers
// those.
func (r *sqliteRepo) Cancel(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET state='canceled', updated_at=CURRENT_TIMESTAMP WHERE id=? AND state='queued'`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PendingForOffer enumerates queued job ids whose deterministic id embeds
// the offer id.
func (r *sqliteRepo) PendingForOffer(ctx context.Context, offerID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id FROM jobs WHERE state='queued' AND id LIKE '%:' || ? || '%'`, offerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		if domain.JobOfferID(id) == offerID {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func (r *sqliteRepo) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET state='queued', run_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND strftime('%s','now') - strftime('%s',updated_at) > visibility_timeout;`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,kind,payload,attempts,max_attempts,state,run_at,visibility_timeout,created_at,updated_at
FROM jobs WHERE id=?`, id)
	var j domain.Job
	if err := row.Scan(&j.ID, &j.Kind, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.State, &j.RunAt, &j.VisibilityTimeout, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// PruneFinished deletes succeeded and canceled jobs older than the cutoff.
// Failed jobs are kept for inspection.
func (r *sqliteRepo) PruneFinished(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE state IN ('succeeded','canceled')
  AND strftime('%s','now') - strftime('%s',updated_at) > ?`, int(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
