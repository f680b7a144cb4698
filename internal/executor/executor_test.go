package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"schedflow/internal/audit"
	"schedflow/internal/domain"
	"schedflow/internal/payload"
	"schedflow/internal/queue"
	"schedflow/internal/secret"
	"schedflow/internal/store"
)

type env struct {
	repo   store.Repository
	queue  queue.Queue
	tenant domain.Tenant
	user   domain.User
}

func newEnv(t *testing.T, webhookURL string) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/test.db?mode=rwc", t.TempDir())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	repo := store.NewSQLiteRepo(db)
	ctx := context.Background()
	hdr := "Bearer test-token"
	tenant, err := repo.CreateTenant(ctx, domain.Tenant{
		Name: "acme", WebhookURL: webhookURL, EncryptedAuthHeader: &hdr, TenantType: domain.TenantWeb,
	})
	require.NoError(t, err)
	name := "Jo"
	user, err := repo.CreateUser(ctx, domain.User{Email: "jo@example.com", Name: &name})
	require.NoError(t, err)
	wf := "wf-123"
	_, err = repo.CreateMembership(ctx, domain.Membership{UserID: user.ID, TenantID: tenant.ID, WorkflowUserID: &wf})
	require.NoError(t, err)

	return &env{repo: repo, queue: queue.NewSQLiteQueue(db), tenant: tenant, user: user}
}

func (e *env) task(t *testing.T, freq domain.Frequency, next *time.Time) domain.Task {
	t.Helper()
	task, err := e.repo.CreateTask(context.Background(), domain.Task{
		Name: "digest", Prompt: "summarize my inbox", Frequency: freq, Active: true,
		NextExecution: next, UserID: e.user.ID, TenantID: e.tenant.ID,
	})
	require.NoError(t, err)
	return task
}

func newExecutor(t *testing.T, repo store.Repository, opts ...Option) *Executor {
	t.Helper()
	builders, err := payload.NewRegistry()
	require.NoError(t, err)
	return New(repo, builders, secret.Plaintext{}, audit.Nop{}, opts...)
}

func TestExecuteSuccess(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer ts.Close()

	e := newEnv(t, ts.URL)
	exec := newExecutor(t, e.repo)
	ctx := context.Background()

	task := e.task(t, domain.FreqManual, nil)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerTest)
	require.NoError(t, err)

	done, err := exec.Execute(ctx, task, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, done.Status)
	require.NotNil(t, done.HTTPStatusCode)
	assert.Equal(t, 200, *done.HTTPStatusCode)
	require.NotNil(t, done.Output)
	assert.Equal(t, `{"ok":true}`, *done.Output)
	assert.Nil(t, done.ErrorMessage)
	require.NotNil(t, done.DurationMs)

	// The outbound envelope carried the decrypted auth header and the
	// task prompt.
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "summarize my inbox", gotBody["text"])

	// The store agrees, and nothing stays pending.
	persisted, err := e.repo.GetExecution(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, persisted.Status)
}

func TestExecuteNon2xxIsFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	e := newEnv(t, ts.URL)
	exec := newExecutor(t, e.repo)
	ctx := context.Background()

	task := e.task(t, domain.FreqManual, nil)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerManual)
	require.NoError(t, err)

	done, err := exec.Execute(ctx, task, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "HTTP 503 response", *done.ErrorMessage)
	require.NotNil(t, done.HTTPStatusCode)
	assert.Equal(t, 503, *done.HTTPStatusCode)
	// Raw body is still kept for diagnostics.
	require.NotNil(t, done.Output)
	assert.Equal(t, "upstream down", *done.Output)
}

func TestExecuteTimeoutIsFailedWithDuration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer ts.Close()

	e := newEnv(t, ts.URL)
	exec := newExecutor(t, e.repo, WithTimeout(50*time.Millisecond))
	ctx := context.Background()

	task := e.task(t, domain.FreqManual, nil)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerScheduled)
	require.NoError(t, err)

	done, err := exec.Execute(ctx, task, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "exceeded")
	assert.Nil(t, done.HTTPStatusCode)
	require.NotNil(t, done.DurationMs)
	assert.Greater(t, *done.DurationMs, int64(0))
}

func TestExecuteMissingWebhookURLIsFailed(t *testing.T) {
	e := newEnv(t, "")
	exec := newExecutor(t, e.repo)
	ctx := context.Background()

	task := e.task(t, domain.FreqManual, nil)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerTest)
	require.NoError(t, err)

	done, err := exec.Execute(ctx, task, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "no webhook URL")
	assert.Nil(t, done.HTTPStatusCode)
	assert.Nil(t, done.Output)
}

func TestExecuteFailureStillAdvancesSchedule(t *testing.T) {
	e := newEnv(t, "")
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	exec := newExecutor(t, e.repo, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	past := now.Add(-time.Hour)
	task := e.task(t, domain.FreqDaily, &past)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerScheduled)
	require.NoError(t, err)

	done, err := exec.Execute(ctx, task, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, done.Status)

	updated, err := e.repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.NextExecution)
	assert.True(t, updated.NextExecution.After(now))
	require.NotNil(t, updated.LastExecution)
}

func TestExecuteAlreadyTerminalIsNoOp(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	e := newEnv(t, ts.URL)
	exec := newExecutor(t, e.repo)
	ctx := context.Background()

	task := e.task(t, domain.FreqManual, nil)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerManual)
	require.NoError(t, err)

	first, err := exec.Execute(ctx, task, pending)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, first.Status)

	// A redelivered job carries the now-terminal execution.
	again, err := exec.Execute(ctx, task, first)
	require.NoError(t, err)
	assert.Equal(t, first.Status, again.Status)
	assert.Equal(t, 1, calls)
}

func TestExecuteMissingMembershipIsFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	e := newEnv(t, ts.URL)
	ctx := context.Background()

	// A second user with no membership in the tenant.
	stranger, err := e.repo.CreateUser(ctx, domain.User{Email: "stranger@example.com"})
	require.NoError(t, err)
	task, err := e.repo.CreateTask(ctx, domain.Task{
		Name: "orphan", Prompt: "hi", Frequency: domain.FreqManual, Active: true,
		UserID: stranger.ID, TenantID: e.tenant.ID,
	})
	require.NoError(t, err)

	exec := newExecutor(t, e.repo)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerTest)
	require.NoError(t, err)

	done, err := exec.Execute(ctx, task, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "not a member")
}

func TestPoolHandleDropsMissingTargets(t *testing.T) {
	e := newEnv(t, "")
	exec := newExecutor(t, e.repo)
	pool := NewPool(e.repo, e.queue, exec, 2, 10*time.Millisecond)
	ctx := context.Background()

	// Job referencing a task and execution that no longer exist.
	jobID, err := e.queue.Enqueue(ctx, 9999, 9999, domain.TriggerScheduled)
	require.NoError(t, err)

	leased, err := e.queue.LeaseNext(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, leased.ID)
	pool.handle(ctx, leased.ID, leased.TaskID, leased.ExecutionID)

	// The job is done, not retried.
	_, err = e.queue.LeaseNext(ctx)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestPoolRunExecutesQueuedJob(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("done"))
	}))
	defer ts.Close()

	e := newEnv(t, ts.URL)
	exec := newExecutor(t, e.repo)
	pool := NewPool(e.repo, e.queue, exec, 2, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := e.task(t, domain.FreqManual, nil)
	pending, err := exec.CreatePending(ctx, task, domain.TriggerManual)
	require.NoError(t, err)
	_, err = e.queue.Enqueue(ctx, task.ID, pending.ID, domain.TriggerManual)
	require.NoError(t, err)

	go pool.Run(ctx)

	require.Eventually(t, func() bool {
		got, err := e.repo.GetExecution(ctx, pending.ID)
		return err == nil && got.Status == domain.StatusSuccess
	}, 2*time.Second, 20*time.Millisecond)
}
