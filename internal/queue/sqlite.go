// Package queue is the asynchronous handoff between the dispatch loop
// and the execution workers. Delivery is at-least-once: a job leased by
// a worker that dies is reclaimed after its visibility timeout, so the
// consumer must tolerate redelivery.
package queue

import (
	"context"
	"database/sql"
	"errors"

	"schedflow/internal/domain"
)

var ErrEmpty = errors.New("no jobs ready")

const defaultVisibilityTimeout = 300 // seconds, covers the 120s webhook timeout

// EnsureSchema creates the job table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS execution_job (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL,
  execution_id INTEGER NOT NULL,
  trigger_kind TEXT NOT NULL CHECK(trigger_kind IN ('scheduled','manual','test')),
  state TEXT NOT NULL CHECK(state IN ('queued','running','done')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  visibility_timeout INTEGER NOT NULL DEFAULT 300,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_execution_job_state ON execution_job(state, created_at);
`
	_, err := db.Exec(schema)
	return err
}

type Queue interface {
	Enqueue(ctx context.Context, taskID, executionID int64, trigger domain.Trigger) (int64, error)
	LeaseNext(ctx context.Context) (domain.Job, error)
	Done(ctx context.Context, jobID int64) error
	RecoverStale(ctx context.Context) (int, error)
}

type sqliteQueue struct{ db *sql.DB }

func NewSQLiteQueue(db *sql.DB) Queue { return &sqliteQueue{db: db} }

func (q *sqliteQueue) Enqueue(ctx context.Context, taskID, executionID int64, trigger domain.Trigger) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
INSERT INTO execution_job (task_id,execution_id,trigger_kind,visibility_timeout)
VALUES (?,?,?,?)`, taskID, executionID, string(trigger), defaultVisibilityTimeout)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// LeaseNext claims the oldest queued job. Returns ErrEmpty when nothing
// is ready.
func (q *sqliteQueue) LeaseNext(ctx context.Context) (domain.Job, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,task_id,execution_id,trigger_kind,state,attempts,visibility_timeout,created_at,updated_at
FROM execution_job
WHERE state='queued'
ORDER BY created_at, id
LIMIT 1`)
	var j domain.Job
	var trigger string
	err = row.Scan(&j.ID, &j.TaskID, &j.ExecutionID, &trigger, &j.State, &j.Attempts, &j.VisibilityTimeout, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		err = nil
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.Job{}, rbErr
		}
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}
	j.Trigger = domain.Trigger(trigger)

	_, err = tx.ExecContext(ctx, `
UPDATE execution_job SET state='running', attempts=attempts+1, updated_at=CURRENT_TIMESTAMP WHERE id=?`, j.ID)
	if err != nil {
		return domain.Job{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	j.State = "running"
	j.Attempts++
	return j, nil
}

func (q *sqliteQueue) Done(ctx context.Context, jobID int64) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE execution_job SET state='done', updated_at=CURRENT_TIMESTAMP WHERE id=?`, jobID)
	return err
}

// RecoverStale re-queues running jobs whose worker has gone away.
func (q *sqliteQueue) RecoverStale(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE execution_job
SET state='queued', updated_at=CURRENT_TIMESTAMP
WHERE state='running' AND strftime('%s','now') - strftime('%s',updated_at) > visibility_timeout`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
