// Package api exposes task CRUD, manual/test triggers and the
// execution polling contract over HTTP. Clients poll execution status
// on a short fixed interval; pending rows stay queryable until the
// worker resolves them.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"schedflow/internal/audit"
	"schedflow/internal/domain"
	"schedflow/internal/executor"
	"schedflow/internal/queue"
	"schedflow/internal/recurrence"
	"schedflow/internal/render"
	"schedflow/internal/secret"
	"schedflow/internal/store"
)

type Server struct {
	r         *chi.Mux
	repo      store.Repository
	queue     queue.Queue
	exec      *executor.Executor
	renderers *render.Registry
	codec     secret.Codec
	sink      audit.Sink
	now       func() time.Time
}

func NewServer(repo store.Repository, q queue.Queue, exec *executor.Executor, renderers *render.Registry, codec secret.Codec, sink audit.Sink) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, queue: q, exec: exec, renderers: renderers, codec: codec, sink: sink, now: time.Now}

	r.Get("/health", s.health)

	r.Post("/api/tenants", s.createTenant)
	r.Get("/api/tenants/{uuid}", s.getTenant)
	r.Post("/api/users", s.createUser)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{uuid}", s.getTask)
	r.Put("/api/tasks/{uuid}", s.updateTask)
	r.Delete("/api/tasks/{uuid}", s.deleteTask)
	r.Post("/api/tasks/{uuid}/run", s.runTask(domain.TriggerManual))
	r.Post("/api/tasks/{uuid}/test", s.runTask(domain.TriggerTest))

	r.Get("/api/executions", s.listExecutions)
	r.Get("/api/executions/{id}/status", s.executionStatus)
	r.Get("/api/executions/{id}/output", s.executionOutput)
	r.Delete("/api/executions/{id}", s.deleteExecution)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createTenantReq struct {
	Name       string `json:"name"`
	WebhookURL string `json:"webhook_url"`
	AuthHeader string `json:"auth_header"`
	TenantType string `json:"tenant_type"`
}

func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	t := domain.Tenant{Name: req.Name, WebhookURL: req.WebhookURL, TenantType: domain.TenantType(req.TenantType)}
	if req.AuthHeader != "" {
		sealed, err := s.codec.Encrypt(req.AuthHeader)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		t.EncryptedAuthHeader = &sealed
	}
	t, err := s.repo.CreateTenant(r.Context(), t)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"uuid": t.UUID})
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.repo.GetTenantByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, map[string]any{
		"uuid":        t.UUID,
		"name":        t.Name,
		"webhook_url": t.WebhookURL,
		"tenant_type": string(t.TenantType),
	})
}

type createUserReq struct {
	Email          string  `json:"email"`
	Name           *string `json:"name"`
	TenantUUID     string  `json:"tenant_uuid"`
	WorkflowUserID *string `json:"workflow_user_id"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Email == "" || req.TenantUUID == "" {
		http.Error(w, "email and tenant_uuid are required", 400)
		return
	}
	tenant, err := s.repo.GetTenantByUUID(r.Context(), req.TenantUUID)
	if err != nil {
		http.Error(w, "tenant not found", 404)
		return
	}
	u, err := s.repo.CreateUser(r.Context(), domain.User{Email: req.Email, Name: req.Name})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if _, err := s.repo.CreateMembership(r.Context(), domain.Membership{
		UserID: u.ID, TenantID: tenant.ID, WorkflowUserID: req.WorkflowUserID,
	}); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"uuid": u.UUID})
}

type taskReq struct {
	Name          string  `json:"name"`
	Description   *string `json:"description"`
	Prompt        string  `json:"prompt"`
	Frequency     string  `json:"frequency"`
	ExecutionTime *string `json:"execution_time"`
	Weekday       *int    `json:"weekday"`
	CronExpr      *string `json:"cron_expr"`
	Active        *bool   `json:"active"`
	TenantUUID    string  `json:"tenant_uuid"`
	UserEmail     string  `json:"user_email"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" || req.Prompt == "" {
		http.Error(w, "name and prompt are required", 400)
		return
	}
	if req.Frequency == "" {
		req.Frequency = string(domain.FreqManual)
	}

	task := domain.Task{
		Name:          req.Name,
		Description:   req.Description,
		Prompt:        req.Prompt,
		Frequency:     domain.Frequency(req.Frequency),
		ExecutionTime: req.ExecutionTime,
		Weekday:       req.Weekday,
		CronExpr:      req.CronExpr,
		Active:        true,
	}
	if req.Active != nil {
		task.Active = *req.Active
	}

	rule := recurrence.RuleFor(task)
	if err := recurrence.Validate(rule); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	tenant, err := s.repo.GetTenantByUUID(r.Context(), req.TenantUUID)
	if err != nil {
		http.Error(w, "tenant not found", 404)
		return
	}
	user, err := s.repo.GetUserByEmail(r.Context(), req.UserEmail)
	if err != nil {
		http.Error(w, "user not found", 404)
		return
	}
	task.TenantID = tenant.ID
	task.UserID = user.ID

	next, err := recurrence.NextDue(rule, s.now())
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	task.NextExecution = next

	task, err = s.repo.CreateTask(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}

	s.sink.Log(r.Context(), "scheduled_task.created", tenant.ID, user.ID, map[string]any{
		"task_uuid": task.UUID,
		"task_name": task.Name,
		"frequency": string(task.Frequency),
	})
	writeJSON(w, http.StatusCreated, taskJSON(task))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tenantUUID := r.URL.Query().Get("tenant")
	if tenantUUID == "" {
		http.Error(w, "tenant query parameter is required", 400)
		return
	}
	tenant, err := s.repo.GetTenantByUUID(r.Context(), tenantUUID)
	if err != nil {
		http.Error(w, "tenant not found", 404)
		return
	}
	tasks, err := s.repo.ListTasks(r.Context(), tenant.ID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskJSON(t))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.repo.GetTaskByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, taskJSON(task))
}

// updateTask edits the task and recomputes its next due time, which
// also covers toggling the active flag.
func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.repo.GetTaskByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name != "" {
		task.Name = req.Name
	}
	if req.Prompt != "" {
		task.Prompt = req.Prompt
	}
	if req.Description != nil {
		task.Description = req.Description
	}
	if req.Frequency != "" {
		task.Frequency = domain.Frequency(req.Frequency)
	}
	if req.ExecutionTime != nil {
		task.ExecutionTime = req.ExecutionTime
	}
	if req.Weekday != nil {
		task.Weekday = req.Weekday
	}
	if req.CronExpr != nil {
		task.CronExpr = req.CronExpr
	}
	if req.Active != nil {
		task.Active = *req.Active
	}

	rule := recurrence.RuleFor(task)
	if err := recurrence.Validate(rule); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	next, err := recurrence.NextDue(rule, s.now())
	if err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	task.NextExecution = next

	if err := s.repo.UpdateTask(r.Context(), task); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.sink.Log(r.Context(), "scheduled_task.updated", task.TenantID, task.UserID, map[string]any{
		"task_uuid": task.UUID,
		"task_name": task.Name,
		"frequency": string(task.Frequency),
	})
	writeJSON(w, 200, taskJSON(task))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.repo.GetTaskByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	if err := s.repo.DeleteTask(r.Context(), task.ID); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	s.sink.Log(r.Context(), "scheduled_task.deleted", task.TenantID, task.UserID, map[string]any{
		"task_uuid": task.UUID,
		"task_name": task.Name,
	})
	w.WriteHeader(http.StatusNoContent)
}

// runTask creates a pending execution and enqueues it, bypassing the
// due-task scan. Clients poll the returned execution id for the result.
func (s *Server) runTask(trigger domain.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := s.repo.GetTaskByUUID(r.Context(), chi.URLParam(r, "uuid"))
		if err != nil {
			writeJSON(w, 404, map[string]any{"success": false, "message": "Task not found"})
			return
		}
		execution, err := s.exec.CreatePending(r.Context(), task, trigger)
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		if _, err := s.queue.Enqueue(r.Context(), task.ID, execution.ID, trigger); err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"success":     true,
			"status":      string(domain.StatusPending),
			"executionId": execution.ID,
		})
	}
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	tenantUUID := r.URL.Query().Get("tenant")
	if tenantUUID == "" {
		http.Error(w, "tenant query parameter is required", 400)
		return
	}
	tenant, err := s.repo.GetTenantByUUID(r.Context(), tenantUUID)
	if err != nil {
		http.Error(w, "tenant not found", 404)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	execs, err := s.repo.ListRecentExecutions(r.Context(), tenant.ID, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(execs))
	for _, e := range execs {
		out = append(out, executionJSON(e))
	}
	writeJSON(w, 200, out)
}

func (s *Server) executionStatus(w http.ResponseWriter, r *http.Request) {
	execution, ok := s.findExecution(w, r)
	if !ok {
		return
	}
	writeJSON(w, 200, map[string]any{
		"status":         string(execution.Status),
		"output":         execution.Output,
		"errorMessage":   execution.ErrorMessage,
		"httpStatusCode": execution.HTTPStatusCode,
		"duration":       execution.DurationMs,
	})
}

func (s *Server) executionOutput(w http.ResponseWriter, r *http.Request) {
	execution, ok := s.findExecution(w, r)
	if !ok {
		return
	}
	task, err := s.repo.GetTask(r.Context(), execution.TaskID)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	tenant, err := s.repo.GetTenant(r.Context(), task.TenantID)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}

	raw := ""
	if execution.Output != nil && *execution.Output != "" {
		raw = *execution.Output
	} else if execution.ErrorMessage != nil {
		raw = *execution.ErrorMessage
	}
	html := s.renderers.Render(tenant.TenantType, raw)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(html))
}

func (s *Server) deleteExecution(w http.ResponseWriter, r *http.Request) {
	execution, ok := s.findExecution(w, r)
	if !ok {
		return
	}
	if err := s.repo.SoftDeleteExecution(r.Context(), execution.ID, s.now()); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) findExecution(w http.ResponseWriter, r *http.Request) (domain.Execution, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid execution id", 400)
		return domain.Execution{}, false
	}
	execution, err := s.repo.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
		} else {
			http.Error(w, err.Error(), 500)
		}
		return domain.Execution{}, false
	}
	return execution, true
}

func taskJSON(t domain.Task) map[string]any {
	m := map[string]any{
		"uuid":           t.UUID,
		"name":           t.Name,
		"description":    t.Description,
		"prompt":         t.Prompt,
		"frequency":      string(t.Frequency),
		"execution_time": t.ExecutionTime,
		"weekday":        t.Weekday,
		"cron_expr":      t.CronExpr,
		"active":         t.Active,
	}
	if t.NextExecution != nil {
		m["next_execution_at"] = t.NextExecution.Format(time.RFC3339)
	}
	if t.LastExecution != nil {
		m["last_execution_at"] = t.LastExecution.Format(time.RFC3339)
	}
	return m
}

func executionJSON(e domain.Execution) map[string]any {
	return map[string]any{
		"id":             e.ID,
		"task_id":        e.TaskID,
		"trigger":        string(e.Trigger),
		"status":         string(e.Status),
		"httpStatusCode": e.HTTPStatusCode,
		"duration":       e.DurationMs,
		"executed_at":    e.ExecutedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
