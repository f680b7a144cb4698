// Package executor performs webhook calls for task executions and
// writes their terminal state. Failures of any kind end up recorded on
// the execution row; the worker itself never crashes over one task.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"schedflow/internal/audit"
	"schedflow/internal/domain"
	"schedflow/internal/payload"
	"schedflow/internal/recurrence"
	"schedflow/internal/secret"
	"schedflow/internal/store"
)

const DefaultWebhookTimeout = 120 * time.Second

type Executor struct {
	repo      store.Repository
	client    *http.Client
	decryptor secret.Decryptor
	builders  *payload.Registry
	sink      audit.Sink
	limiter   *rate.Limiter
	timeout   time.Duration
	now       func() time.Time
}

type Option func(*Executor)

// WithTimeout bounds the webhook call.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// WithRateLimit caps outbound webhook calls across all workers.
func WithRateLimit(l *rate.Limiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func New(repo store.Repository, builders *payload.Registry, decryptor secret.Decryptor, sink audit.Sink, opts ...Option) *Executor {
	e := &Executor{
		repo:      repo,
		decryptor: decryptor,
		builders:  builders,
		sink:      sink,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		timeout:   DefaultWebhookTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.client = &http.Client{Timeout: e.timeout}
	return e
}

// CreatePending records a new pending execution for the task.
func (e *Executor) CreatePending(ctx context.Context, task domain.Task, trigger domain.Trigger) (domain.Execution, error) {
	return e.repo.CreatePendingExecution(ctx, task.ID, trigger, e.now())
}

// Execute runs the webhook call for a pending execution and writes the
// terminal state. It returns the completed execution; a failed webhook
// is a result, not an error. Already-terminal executions are returned
// unchanged so redelivered jobs are a no-op.
func (e *Executor) Execute(ctx context.Context, task domain.Task, execution domain.Execution) (domain.Execution, error) {
	if execution.Status.Terminal() {
		log.Info().Int64("execution_id", execution.ID).Str("status", string(execution.Status)).
			Msg("execution already resolved, skipping")
		return execution, nil
	}

	start := e.now()
	status, body, callErr := e.callWebhook(ctx, task)

	if callErr != nil {
		execution.Status = domain.StatusFailed
		msg := callErr.Error()
		execution.ErrorMessage = &msg
		log.Error().Err(callErr).Str("task_uuid", task.UUID).Int64("execution_id", execution.ID).
			Msg("scheduled task execution failed")
	} else if status >= 200 && status < 300 {
		execution.Status = domain.StatusSuccess
	} else {
		execution.Status = domain.StatusFailed
		msg := fmt.Sprintf("HTTP %d response", status)
		execution.ErrorMessage = &msg
	}
	if status != 0 {
		code := status
		execution.HTTPStatusCode = &code
	}
	if body != "" || callErr == nil {
		out := body
		execution.Output = &out
	}

	duration := e.now().Sub(start).Milliseconds()
	execution.DurationMs = &duration

	// The schedule advances even on failure: a failed fire waits for the
	// next due time rather than retrying immediately.
	fired := e.now()
	next, nextErr := recurrence.NextDue(recurrence.RuleFor(task), fired)
	if nextErr != nil {
		log.Error().Err(nextErr).Str("task_uuid", task.UUID).Msg("failed to recompute next due time")
		next = nil
	}
	if err := e.repo.MarkExecuted(ctx, task.ID, fired, next); err != nil {
		return execution, fmt.Errorf("update task after execution: %w", err)
	}
	if err := e.repo.FinishExecution(ctx, execution); err != nil {
		return execution, fmt.Errorf("persist execution state: %w", err)
	}

	e.sink.Log(ctx, "scheduled_task.executed", task.TenantID, task.UserID, map[string]any{
		"task_uuid":   task.UUID,
		"task_name":   task.Name,
		"trigger":     string(execution.Trigger),
		"status":      string(execution.Status),
		"duration_ms": duration,
	})

	return execution, nil
}

// callWebhook resolves tenant config, builds the payload and POSTs it.
// Returns the HTTP status and raw body, or an error describing why the
// call could not be made or did not complete.
func (e *Executor) callWebhook(ctx context.Context, task domain.Task) (int, string, error) {
	tenant, err := e.repo.GetTenant(ctx, task.TenantID)
	if err != nil {
		return 0, "", fmt.Errorf("task has no tenant: %w", err)
	}
	user, err := e.repo.GetUser(ctx, task.UserID)
	if err != nil {
		return 0, "", fmt.Errorf("task has no user: %w", err)
	}
	if tenant.WebhookURL == "" {
		return 0, "", fmt.Errorf("tenant has no webhook URL configured")
	}
	if tenant.TenantType == "" {
		return 0, "", fmt.Errorf("tenant has no tenant type configured")
	}

	authHeader := ""
	if tenant.EncryptedAuthHeader != nil && *tenant.EncryptedAuthHeader != "" {
		authHeader, err = e.decryptor.Decrypt(*tenant.EncryptedAuthHeader)
		if err != nil {
			return 0, "", fmt.Errorf("decrypt webhook auth header: %w", err)
		}
	}

	membership, err := e.repo.GetMembership(ctx, task.UserID, task.TenantID)
	if err != nil {
		return 0, "", fmt.Errorf("user is not a member of the task tenant")
	}

	p, err := e.builders.Build(tenant.TenantType, payload.Input{
		Task:       task,
		Tenant:     tenant,
		User:       user,
		Membership: membership,
		AuthHeader: authHeader,
		Now:        e.now(),
	})
	if err != nil {
		return 0, "", err
	}

	url := tenant.WebhookURL
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	bodyJSON, err := json.Marshal(p.Body)
	if err != nil {
		return 0, "", fmt.Errorf("encode webhook payload: %w", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return 0, "", err
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(bodyJSON))
	if err != nil {
		return 0, "", err
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read webhook response: %w", err)
	}
	return resp.StatusCode, string(respBody), nil
}
