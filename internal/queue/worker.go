package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/attrio/attrio/internal/config"
	"github.com/attrio/attrio/internal/logging"
	"github.com/attrio/attrio/internal/pipeline"
)

const pollInterval = 5 * time.Second

// Pool runs the queue workers. Workers wake on a Postgres NOTIFY and fall
// back to polling, so a dropped listener connection degrades latency but
// never stalls the queue.
type Pool struct {
	db        *sql.DB
	cfg       *config.Config
	processor *pipeline.Processor
	wake      chan struct{}
	wg        sync.WaitGroup
}

func NewPool(db *sql.DB, cfg *config.Config) *Pool {
	return &Pool{
		db:        db,
		cfg:       cfg,
		processor: pipeline.NewProcessor(db, cfg),
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the listener and the worker goroutines. Workers exit when
// the context is cancelled; Wait blocks until they are done.
func (p *Pool) Start(ctx context.Context, databaseURL string) {
	if err := p.startListener(ctx, databaseURL); err != nil {
		logging.L().Warn("queue listener unavailable, polling only", zap.Error(err))
	}

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) startListener(ctx context.Context, databaseURL string) error {
	listener := pq.NewListener(databaseURL, 5*time.Second, time.Minute, func(event pq.ListenerEventType, err error) {
		if err != nil {
			logging.L().Warn("queue listener event", zap.Int("event", int(event)), zap.Error(err))
		}
	})

	if err := listener.Listen(ChannelName); err != nil {
		_ = listener.Close()
		return err
	}

	go func() {
		defer func() {
			_ = listener.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case n := <-listener.Notify:
				if n == nil {
					continue
				}
				p.nudge()
			case <-time.After(time.Minute):
				if err := listener.Ping(); err != nil {
					logging.L().Warn("queue listener ping failed", zap.Error(err))
				}
			}
		}
	}()

	return nil
}

// nudge wakes one idle worker without blocking.
func (p *Pool) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) run(ctx context.Context, workerID int) {
	defer p.wg.Done()

	log := logging.With(zap.Int("worker", workerID))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		for {
			if ctx.Err() != nil {
				return
			}
			worked, err := p.runOne(ctx)
			if err != nil {
				log.Warn("job claim failed", zap.Error(err))
				break
			}
			if !worked {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// runOne claims and executes a single job. Returns false when the queue is
// empty. Job failures are recorded on the job row, not returned.
func (p *Pool) runOne(ctx context.Context) (bool, error) {
	job, err := claimNext(ctx, p.db)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	err = p.dispatch(jobCtx, job)
	cancel()

	// Bookkeeping runs on a fresh context: the per-job timeout must not
	// keep the outcome from being recorded.
	if err != nil {
		if failErr := fail(context.Background(), p.db, job, err); failErr != nil {
			logging.L().Error("could not record job failure",
				zap.Int64("job_id", job.ID), zap.Error(failErr))
		}
		return true, nil
	}
	if err := complete(context.Background(), p.db, job.ID); err != nil {
		logging.L().Error("could not mark job done",
			zap.Int64("job_id", job.ID), zap.Error(err))
	}
	return true, nil
}

func (p *Pool) dispatch(ctx context.Context, job *Job) error {
	switch job.Kind {
	case KindProcessEvent:
		var event pipeline.EventJob
		if err := json.Unmarshal(job.Payload, &event); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		_, err := p.processor.ProcessEvent(ctx, &event)
		return err
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
