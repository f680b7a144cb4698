// Package dispatch is the polling loop that hands due tasks to the
// execution queue. It is designed for exactly one running instance:
// the claim is a conditional next-due update, not a distributed lock,
// so two concurrent dispatchers sharing a store would race on the scan
// even though the conditional update keeps any one task from being
// dispatched twice.
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/queue"
	"schedflow/internal/recurrence"
	"schedflow/internal/store"
)

const DefaultInterval = 60 * time.Second

// Loop states.
const (
	StateStopped int32 = iota
	StateRunning
	StateStopping
)

type Loop struct {
	repo     store.Repository
	queue    queue.Queue
	interval time.Duration
	state    atomic.Int32
	now      func() time.Time
}

func NewLoop(repo store.Repository, q queue.Queue, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{repo: repo, queue: q, interval: interval, now: time.Now}
}

// WithClock overrides the time source.
func (l *Loop) WithClock(now func() time.Time) *Loop {
	l.now = now
	return l
}

func (l *Loop) State() int32 { return l.state.Load() }

// Run polls for due tasks until ctx is cancelled. Cancellation is
// cooperative: an in-flight cycle completes before the loop stops.
func (l *Loop) Run(ctx context.Context) {
	l.state.Store(StateRunning)
	defer l.state.Store(StateStopped)

	log.Info().Dur("interval", l.interval).Msg("scheduled task dispatcher started")
	defer func() { log.Info().Msg("scheduled task dispatcher stopped") }()

	for {
		if ctx.Err() != nil {
			return
		}
		l.cycle(ctx)

		select {
		case <-ctx.Done():
			l.state.Store(StateStopping)
			return
		case <-time.After(l.interval):
		}
	}
}

// RunOnce runs exactly one dispatch cycle and returns the number of
// tasks dispatched. Used by the -dispatch-once entry point.
func (l *Loop) RunOnce(ctx context.Context) int {
	return l.cycle(ctx)
}

// cycle reads a fresh view of due tasks and dispatches each one. A
// failure on one task never aborts the rest of the cycle.
func (l *Loop) cycle(ctx context.Context) int {
	now := l.now()
	due, err := l.repo.FindDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan for due tasks")
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	log.Info().Int("count", len(due)).Msg("found due tasks")

	dispatched := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		if err := l.dispatchTask(ctx, task); err != nil {
			log.Error().Err(err).Str("task_uuid", task.UUID).Str("task_name", task.Name).
				Msg("failed to dispatch scheduled task")
			continue
		}
		dispatched++
	}
	return dispatched
}

// dispatchTask claims the task and enqueues its execution job. The
// next due time is advanced before the enqueue so a crashed worker or
// an overlapping scan can never re-claim the same fire.
func (l *Loop) dispatchTask(ctx context.Context, task domain.Task) error {
	now := l.now()
	next, err := recurrence.NextDue(recurrence.RuleFor(task), now)
	if err != nil {
		return err
	}
	if task.NextExecution == nil {
		// FindDue filters these out; a row changed underneath us.
		return nil
	}

	claimed, err := l.repo.ClaimDue(ctx, task.ID, *task.NextExecution, next, now)
	if err != nil {
		return err
	}
	if !claimed {
		log.Warn().Str("task_uuid", task.UUID).Msg("task claimed by another dispatcher, skipping")
		return nil
	}

	execution, err := l.repo.CreatePendingExecution(ctx, task.ID, domain.TriggerScheduled, now)
	if err != nil {
		return err
	}
	if _, err := l.queue.Enqueue(ctx, task.ID, execution.ID, domain.TriggerScheduled); err != nil {
		return err
	}

	log.Info().Str("task_uuid", task.UUID).Str("task_name", task.Name).
		Int64("execution_id", execution.ID).Time("next_due", deref(next, now)).
		Msg("scheduled task dispatched")
	return nil
}

func deref(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
