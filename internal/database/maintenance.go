package database

import (
	"time"

	"go.uber.org/zap"

	"github.com/attrio/attrio/internal/logging"
)

var (
	nowFunc          = time.Now
	doneJobRetention = 7 * 24 * time.Hour
	stuckJobCutoff   = 10 * time.Minute
)

// MaintenanceScheduler runs periodic housekeeping: closing idle sessions,
// purging finished queue jobs and releasing jobs stuck in running state
// after a worker crash.
type MaintenanceScheduler struct {
	sessionTimeout time.Duration
	stopChan       chan struct{}
}

// NewMaintenanceScheduler creates a scheduler using the configured session
// inactivity timeout.
func NewMaintenanceScheduler(sessionTimeout time.Duration) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		sessionTimeout: sessionTimeout,
		stopChan:       make(chan struct{}),
	}
}

// Start begins the maintenance tasks
func (ms *MaintenanceScheduler) Start() {
	logging.L().Info("starting maintenance scheduler")

	go ms.loop(5*time.Minute, ms.closeIdleSessions)
	go ms.loop(time.Hour, ms.purgeFinishedJobs)
	go ms.loop(time.Minute, ms.releaseStuckJobs)
}

// Stop gracefully stops the scheduler
func (ms *MaintenanceScheduler) Stop() {
	close(ms.stopChan)
}

func (ms *MaintenanceScheduler) loop(interval time.Duration, task func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	task()

	for {
		select {
		case <-ticker.C:
			task()
		case <-ms.stopChan:
			return
		}
	}
}

// closeIdleSessions stamps ended_at on sessions whose last event is older
// than the inactivity timeout. The sliding-window reuse query already stops
// picking these up; the stamp makes the closure explicit for reporting.
func (ms *MaintenanceScheduler) closeIdleSessions() {
	cutoff := nowFunc().Add(-ms.sessionTimeout)

	res, err := DB.Exec(`
		UPDATE sessions s
		SET ended_at = last_seen.max_at, updated_at = now()
		FROM (
			SELECT session_id, MAX(occurred_at) AS max_at
			FROM events
			GROUP BY session_id
		) last_seen
		WHERE s.id = last_seen.session_id
		  AND s.ended_at IS NULL
		  AND last_seen.max_at < $1
	`, cutoff)
	if err != nil {
		logging.L().Warn("failed to close idle sessions", zap.Error(err))
		return
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logging.L().Info("closed idle sessions", zap.Int64("count", n))
	}
}

func (ms *MaintenanceScheduler) purgeFinishedJobs() {
	cutoff := nowFunc().Add(-doneJobRetention)

	res, err := DB.Exec(
		`DELETE FROM ingest_jobs WHERE status = 'done' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		logging.L().Warn("failed to purge finished jobs", zap.Error(err))
		return
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logging.L().Info("purged finished jobs", zap.Int64("count", n))
	}
}

// releaseStuckJobs re-queues jobs claimed by workers that never reported
// back. The queue relies on at-least-once delivery, so a re-run is safe:
// the idempotency gate inside the processing transaction absorbs it.
func (ms *MaintenanceScheduler) releaseStuckJobs() {
	cutoff := nowFunc().Add(-stuckJobCutoff)

	res, err := DB.Exec(`
		UPDATE ingest_jobs
		SET status = 'pending', updated_at = now()
		WHERE status = 'running' AND updated_at < $1
	`, cutoff)
	if err != nil {
		logging.L().Warn("failed to release stuck jobs", zap.Error(err))
		return
	}

	if n, err := res.RowsAffected(); err == nil && n > 0 {
		logging.L().Warn("released stuck jobs", zap.Int64("count", n))
	}
}
