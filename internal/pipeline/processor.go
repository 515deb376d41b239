package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/attrio/attrio/internal/config"
	"github.com/attrio/attrio/internal/database"
	"github.com/attrio/attrio/internal/logging"
	"github.com/attrio/attrio/internal/models"
)

// Processor runs the full event pipeline for queued jobs. All stages of one
// job execute inside a single database transaction; a failure anywhere rolls
// the whole event back and leaves the retry to the queue.
type Processor struct {
	db  *sql.DB
	cfg *config.Config
}

func NewProcessor(db *sql.DB, cfg *config.Config) *Processor {
	return &Processor{db: db, cfg: cfg}
}

// ProcessEvent resolves identity, session, and dimensions for a job and
// writes the event plus any conversion. Returns the ids of the written (or
// previously written) event, or nil when the event was dropped for lack of
// a resolvable customer.
func (p *Processor) ProcessEvent(ctx context.Context, job *EventJob) (*models.EventRef, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Re-check idempotency inside the transaction; the ingress pre-check
	// races with other workers.
	if ref, err := models.GetEventByIdempotencyKey(ctx, tx, job.IdempotencyKey); err == nil {
		return ref, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency recheck: %w", err)
	}

	now := time.Now()

	start := time.Now()
	dims, err := normalizeDimensions(ctx, tx, job)
	logStep(job, "normalize_dimensions", start)
	if err != nil {
		return nil, fmt.Errorf("normalize dimensions: %w", err)
	}

	start = time.Now()
	customer, err := p.resolveCustomer(ctx, tx, job, now)
	logStep(job, "resolve_customer", start)
	if err != nil {
		return nil, fmt.Errorf("resolve customer: %w", err)
	}
	if customer == nil {
		logging.L().Info("event dropped, no resolvable customer",
			zap.Int64("website_id", job.WebsiteID),
			zap.String("idempotency_key", job.IdempotencyKey),
			zap.String("event", job.Name))
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return nil, nil
	}

	start = time.Now()
	session, err := p.resolveSession(ctx, tx, job, customer, dims, now)
	logStep(job, "resolve_session", start)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}

	start = time.Now()
	_, err = p.recordLandingTouch(ctx, tx, job, customer, session, dims)
	logStep(job, "record_touch", start)
	if err != nil {
		return nil, fmt.Errorf("record touch: %w", err)
	}

	start = time.Now()
	event, err := writeEvent(ctx, tx, job, customer, session, dims)
	logStep(job, "write_event", start)
	if err != nil {
		if database.IsUniqueViolation(err) {
			// A concurrent worker won the insert; surface its row.
			_ = tx.Rollback()
			return models.GetEventByIdempotencyKey(ctx, p.db, job.IdempotencyKey)
		}
		return nil, fmt.Errorf("write event: %w", err)
	}

	if IsConversionEvent(job.Name) {
		start = time.Now()
		// Re-read so touch pointers written above are visible.
		customer, err = models.GetCustomerByID(ctx, tx, job.WebsiteID, customer.ID)
		if err != nil {
			return nil, fmt.Errorf("refresh customer: %w", err)
		}
		err = p.recordConversion(ctx, tx, job, event, customer, session)
		logStep(job, "record_conversion", start)
		if err != nil {
			return nil, fmt.Errorf("record conversion: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &models.EventRef{
		EventID:    event.ID,
		SessionID:  session.ID,
		CustomerID: &customer.ID,
	}, nil
}

func logStep(job *EventJob, step string, start time.Time) {
	logging.L().Debug("pipeline step",
		zap.Int64("website_id", job.WebsiteID),
		zap.String("idempotency_key", job.IdempotencyKey),
		zap.String("step", step),
		zap.Duration("duration", time.Since(start)))
}
