package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/logging"
)

// ChannelName is the LISTEN/NOTIFY channel that wakes idle workers.
const ChannelName = "attrio_ingest_jobs"

// Job kinds.
const KindProcessEvent = "process_event"

// DefaultMaxAttempts guards callers that pass an unset configuration.
const DefaultMaxAttempts = 3

// Job statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// Job is one claimed unit of work.
type Job struct {
	ID          int64
	Kind        string
	Payload     json.RawMessage
	Attempts    int
	MaxAttempts int
}

// Enqueue persists a job and nudges listening workers. The notify is
// best-effort: workers also poll, so a missed notification only delays the
// job, it never loses it.
func Enqueue(ctx context.Context, q database.Querier, kind string, payload any, maxAttempts int) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal job payload: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}

	var id int64
	err = q.QueryRowContext(ctx, `
		INSERT INTO ingest_jobs (kind, payload, max_attempts)
		VALUES ($1, $2, $3)
		RETURNING id`,
		kind, data, maxAttempts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}

	if _, err := q.ExecContext(ctx, `SELECT pg_notify($1, $2)`, ChannelName, strconv.FormatInt(id, 10)); err != nil {
		logging.L().Warn("job notify failed", zap.Int64("job_id", id), zap.Error(err))
	}
	return id, nil
}

// claimNext atomically claims the oldest ready job. SKIP LOCKED keeps
// concurrent workers from blocking on each other. Returns sql.ErrNoRows
// when the queue is empty.
func claimNext(ctx context.Context, db *sql.DB) (*Job, error) {
	var job Job
	err := db.QueryRowContext(ctx, `
		UPDATE ingest_jobs
		SET status = $1, attempts = attempts + 1, updated_at = now()
		WHERE id = (
			SELECT id FROM ingest_jobs
			WHERE status = $2 AND run_at <= now()
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, attempts, max_attempts`,
		StatusRunning, StatusPending).Scan(
		&job.ID, &job.Kind, &job.Payload, &job.Attempts, &job.MaxAttempts)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func complete(ctx context.Context, db *sql.DB, id int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = $2, last_error = NULL, updated_at = now()
		WHERE id = $1`,
		id, StatusDone)
	return err
}

// fail reschedules the job with backoff, or dead-letters it once the
// attempt budget is spent.
func fail(ctx context.Context, db *sql.DB, job *Job, cause error) error {
	message := cause.Error()

	if job.Attempts >= job.MaxAttempts {
		logging.L().Error("job dead-lettered",
			zap.Int64("job_id", job.ID),
			zap.String("kind", job.Kind),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause))
		_, err := db.ExecContext(ctx, `
			UPDATE ingest_jobs
			SET status = $2, last_error = $3, updated_at = now()
			WHERE id = $1`,
			job.ID, StatusDead, message)
		return err
	}

	delay := Backoff(job.Attempts)
	logging.L().Warn("job failed, retrying",
		zap.Int64("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("retry_in", delay),
		zap.Error(cause))
	_, err := db.ExecContext(ctx, `
		UPDATE ingest_jobs
		SET status = $2, last_error = $3, run_at = now() + $4 * interval '1 second', updated_at = now()
		WHERE id = $1`,
		job.ID, StatusPending, message, int(delay.Seconds()))
	return err
}

// Backoff doubles per attempt: 2s, 4s, 8s, capped at a minute.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(1<<attempt) * time.Second
	if delay > time.Minute {
		return time.Minute
	}
	return delay
}
