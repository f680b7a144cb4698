package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"schedflow/internal/queue"
	"schedflow/internal/store"
)

// Pool consumes execution jobs with bounded concurrency. Each job owns
// exactly one execution row, so workers never contend on state.
type Pool struct {
	repo      store.Repository
	queue     queue.Queue
	exec      *Executor
	sem       chan struct{}
	pollEvery time.Duration
	reclaim   time.Duration
}

func NewPool(repo store.Repository, q queue.Queue, exec *Executor, size int, pollEvery time.Duration) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{
		repo:      repo,
		queue:     q,
		exec:      exec,
		sem:       make(chan struct{}, size),
		pollEvery: pollEvery,
		reclaim:   time.Minute,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	lastReclaim := time.Now()

	log.Info().Dur("poll", p.pollEvery).Int("workers", cap(p.sem)).Msg("execution worker pool started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("execution worker pool stopped")
			return
		case now := <-t.C:
			if now.Sub(lastReclaim) >= p.reclaim {
				if n, err := p.queue.RecoverStale(ctx); err == nil && n > 0 {
					log.Warn().Int("reclaimed", n).Msg("re-queued stale execution jobs")
				}
				lastReclaim = now
			}
			p.drain(ctx)
		}
	}
}

func (p *Pool) drain(ctx context.Context) {
	for {
		job, err := p.queue.LeaseNext(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				log.Error().Err(err).Msg("failed to lease execution job")
			}
			return
		}
		p.sem <- struct{}{}
		go func() {
			defer func() { <-p.sem }()
			p.handle(ctx, job.ID, job.TaskID, job.ExecutionID)
		}()
	}
}

// handle runs one job. Missing targets and already-resolved executions
// are dropped, not retried: the job queue is at-least-once and the
// execution row is the source of truth.
func (p *Pool) handle(ctx context.Context, jobID, taskID, executionID int64) {
	defer func() {
		if err := p.queue.Done(ctx, jobID); err != nil {
			log.Error().Err(err).Int64("job_id", jobID).Msg("failed to mark job done")
		}
	}()

	task, err := p.repo.GetTask(ctx, taskID)
	if err != nil {
		log.Warn().Int64("task_id", taskID).Msg("scheduled task not found for async execution")
		return
	}
	execution, err := p.repo.GetExecution(ctx, executionID)
	if err != nil {
		log.Warn().Int64("execution_id", executionID).Msg("execution record not found for async execution")
		return
	}

	if _, err := p.exec.Execute(ctx, task, execution); err != nil {
		log.Error().Err(err).Str("task_uuid", task.UUID).Int64("execution_id", executionID).
			Msg("failed to persist execution result")
	}
}
