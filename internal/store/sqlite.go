// Package store persists tasks, executions, tenants and audit records
// in SQLite. All mutations are single-row updates scoped by primary
// key; the dispatch claim is a conditional update on next_execution_at.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"schedflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tenant (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uuid TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  webhook_url TEXT NOT NULL DEFAULT '',
  encrypted_auth_header TEXT,
  tenant_type TEXT NOT NULL DEFAULT 'web',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS user (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uuid TEXT NOT NULL UNIQUE,
  email TEXT NOT NULL UNIQUE,
  name TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS tenant_membership (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER NOT NULL REFERENCES user(id) ON DELETE CASCADE,
  tenant_id INTEGER NOT NULL REFERENCES tenant(id) ON DELETE CASCADE,
  workflow_user_id TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(user_id, tenant_id)
);
CREATE TABLE IF NOT EXISTS scheduled_task (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  uuid TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  description TEXT,
  prompt TEXT NOT NULL,
  frequency TEXT NOT NULL CHECK(frequency IN ('manual','hourly','daily','weekdays','weekly','cron')) DEFAULT 'manual',
  execution_time TEXT,
  weekday INTEGER,
  cron_expr TEXT,
  active INTEGER NOT NULL DEFAULT 1,
  next_execution_at DATETIME,
  last_execution_at DATETIME,
  user_id INTEGER NOT NULL REFERENCES user(id),
  tenant_id INTEGER NOT NULL REFERENCES tenant(id),
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_scheduled_task_active_next ON scheduled_task(active, next_execution_at);
CREATE TABLE IF NOT EXISTS scheduled_task_execution (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL REFERENCES scheduled_task(id) ON DELETE CASCADE,
  trigger_kind TEXT NOT NULL CHECK(trigger_kind IN ('scheduled','manual','test')) DEFAULT 'manual',
  status TEXT NOT NULL CHECK(status IN ('pending','success','failed')) DEFAULT 'pending',
  http_status_code INTEGER,
  output TEXT,
  error_message TEXT,
  executed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  duration_ms INTEGER,
  deleted_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_execution_task_date ON scheduled_task_execution(task_id, executed_at);
CREATE TABLE IF NOT EXISTS audit_log (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  event TEXT NOT NULL,
  tenant_id INTEGER,
  user_id INTEGER,
  data TEXT NOT NULL DEFAULT '{}',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Tenants and users.
	CreateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error)
	GetTenant(ctx context.Context, id int64) (domain.Tenant, error)
	GetTenantByUUID(ctx context.Context, uuid string) (domain.Tenant, error)
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, error)
	CreateMembership(ctx context.Context, m domain.Membership) (domain.Membership, error)
	GetMembership(ctx context.Context, userID, tenantID int64) (domain.Membership, error)

	// Tasks.
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, id int64) (domain.Task, error)
	GetTaskByUUID(ctx context.Context, uuid string) (domain.Task, error)
	ListTasks(ctx context.Context, tenantID int64) ([]domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id int64) error
	FindDue(ctx context.Context, now time.Time) ([]domain.Task, error)
	ClaimDue(ctx context.Context, taskID int64, oldNext time.Time, newNext *time.Time, lastExec time.Time) (bool, error)
	MarkExecuted(ctx context.Context, taskID int64, lastExec time.Time, nextExec *time.Time) error

	// Executions.
	CreatePendingExecution(ctx context.Context, taskID int64, trigger domain.Trigger, executedAt time.Time) (domain.Execution, error)
	GetExecution(ctx context.Context, id int64) (domain.Execution, error)
	FinishExecution(ctx context.Context, e domain.Execution) error
	ListRecentExecutions(ctx context.Context, tenantID int64, limit int) ([]domain.Execution, error)
	SoftDeleteExecution(ctx context.Context, id int64, at time.Time) error

	// Audit.
	AppendAudit(ctx context.Context, event string, tenantID, userID int64, data string) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) CreateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	if t.TenantType == "" {
		t.TenantType = domain.TenantWeb
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO tenant (uuid,name,webhook_url,encrypted_auth_header,tenant_type)
VALUES (?,?,?,?,?)`, t.UUID, t.Name, t.WebhookURL, t.EncryptedAuthHeader, string(t.TenantType))
	if err != nil {
		return domain.Tenant{}, err
	}
	t.ID, _ = res.LastInsertId()
	return t, nil
}

const tenantCols = `id,uuid,name,webhook_url,encrypted_auth_header,tenant_type,created_at,updated_at`

func (r *sqliteRepo) scanTenant(row *sql.Row) (domain.Tenant, error) {
	var t domain.Tenant
	var hdr sql.NullString
	var tt string
	err := row.Scan(&t.ID, &t.UUID, &t.Name, &t.WebhookURL, &hdr, &tt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Tenant{}, ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, err
	}
	if hdr.Valid {
		t.EncryptedAuthHeader = &hdr.String
	}
	t.TenantType = domain.TenantType(tt)
	return t, nil
}

func (r *sqliteRepo) GetTenant(ctx context.Context, id int64) (domain.Tenant, error) {
	return r.scanTenant(r.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenant WHERE id=?`, id))
}

func (r *sqliteRepo) GetTenantByUUID(ctx context.Context, u string) (domain.Tenant, error) {
	return r.scanTenant(r.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenant WHERE uuid=?`, u))
}

func (r *sqliteRepo) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.UUID == "" {
		u.UUID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `INSERT INTO user (uuid,email,name) VALUES (?,?,?)`, u.UUID, u.Email, u.Name)
	if err != nil {
		return domain.User{}, err
	}
	u.ID, _ = res.LastInsertId()
	return u, nil
}

func (r *sqliteRepo) scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var name sql.NullString
	err := row.Scan(&u.ID, &u.UUID, &u.Email, &name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	if name.Valid {
		u.Name = &name.String
	}
	return u, nil
}

func (r *sqliteRepo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `SELECT id,uuid,email,name,created_at FROM user WHERE id=?`, id))
}

func (r *sqliteRepo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `SELECT id,uuid,email,name,created_at FROM user WHERE email=?`, email))
}

func (r *sqliteRepo) CreateMembership(ctx context.Context, m domain.Membership) (domain.Membership, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO tenant_membership (user_id,tenant_id,workflow_user_id) VALUES (?,?,?)`,
		m.UserID, m.TenantID, m.WorkflowUserID)
	if err != nil {
		return domain.Membership{}, err
	}
	m.ID, _ = res.LastInsertId()
	return m, nil
}

func (r *sqliteRepo) GetMembership(ctx context.Context, userID, tenantID int64) (domain.Membership, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,user_id,tenant_id,workflow_user_id,created_at
FROM tenant_membership WHERE user_id=? AND tenant_id=?`, userID, tenantID)
	var m domain.Membership
	var wf sql.NullString
	err := row.Scan(&m.ID, &m.UserID, &m.TenantID, &wf, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Membership{}, ErrNotFound
	}
	if err != nil {
		return domain.Membership{}, err
	}
	if wf.Valid {
		m.WorkflowUserID = &wf.String
	}
	return m, nil
}

const taskCols = `id,uuid,name,description,prompt,frequency,execution_time,weekday,cron_expr,active,next_execution_at,last_execution_at,user_id,tenant_id,created_at,updated_at`

func (r *sqliteRepo) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_task (uuid,name,description,prompt,frequency,execution_time,weekday,cron_expr,active,next_execution_at,user_id,tenant_id)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.UUID, t.Name, t.Description, t.Prompt, string(t.Frequency), t.ExecutionTime,
		t.Weekday, t.CronExpr, t.Active, t.NextExecution, t.UserID, t.TenantID)
	if err != nil {
		return domain.Task{}, err
	}
	t.ID, _ = res.LastInsertId()
	return t, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var desc, execTime, cronExpr sql.NullString
	var weekday sql.NullInt64
	var next, last sql.NullTime
	var freq string
	err := row.Scan(&t.ID, &t.UUID, &t.Name, &desc, &t.Prompt, &freq, &execTime, &weekday, &cronExpr,
		&t.Active, &next, &last, &t.UserID, &t.TenantID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.Frequency = domain.Frequency(freq)
	if desc.Valid {
		t.Description = &desc.String
	}
	if execTime.Valid {
		t.ExecutionTime = &execTime.String
	}
	if weekday.Valid {
		w := int(weekday.Int64)
		t.Weekday = &w
	}
	if cronExpr.Valid {
		t.CronExpr = &cronExpr.String
	}
	if next.Valid {
		t.NextExecution = &next.Time
	}
	if last.Valid {
		t.LastExecution = &last.Time
	}
	return t, nil
}

func (r *sqliteRepo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM scheduled_task WHERE id=?`, id))
}

func (r *sqliteRepo) GetTaskByUUID(ctx context.Context, u string) (domain.Task, error) {
	return scanTask(r.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM scheduled_task WHERE uuid=?`, u))
}

func (r *sqliteRepo) ListTasks(ctx context.Context, tenantID int64) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskCols+` FROM scheduled_task WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) UpdateTask(ctx context.Context, t domain.Task) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_task
SET name=?,description=?,prompt=?,frequency=?,execution_time=?,weekday=?,cron_expr=?,active=?,next_execution_at=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`,
		t.Name, t.Description, t.Prompt, string(t.Frequency), t.ExecutionTime,
		t.Weekday, t.CronExpr, t.Active, t.NextExecution, t.ID)
	return err
}

func (r *sqliteRepo) DeleteTask(ctx context.Context, id int64) error {
	// Executions cascade via FK; delete them explicitly too since SQLite
	// only honors the FK with foreign_keys pragma on.
	_, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_task_execution WHERE task_id=?`, id)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `DELETE FROM scheduled_task WHERE id=?`, id)
	return err
}

// FindDue returns active non-manual tasks whose next due time has
// passed, ordered by next due time. Empty results are the common case.
func (r *sqliteRepo) FindDue(ctx context.Context, now time.Time) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskCols+` FROM scheduled_task
WHERE active=1 AND frequency != 'manual' AND next_execution_at IS NOT NULL AND next_execution_at <= ?
ORDER BY next_execution_at, id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimDue advances a task's next due time with a conditional update.
// It returns false when the stored next_execution_at no longer matches
// oldNext, meaning another dispatcher claimed the task first.
func (r *sqliteRepo) ClaimDue(ctx context.Context, taskID int64, oldNext time.Time, newNext *time.Time, lastExec time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE scheduled_task
SET next_execution_at=?, last_execution_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND next_execution_at=?`, newNext, lastExec, taskID, oldNext)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkExecuted records a fire unconditionally. Used by the execution
// worker after the webhook call so a failed fire still advances the
// schedule.
func (r *sqliteRepo) MarkExecuted(ctx context.Context, taskID int64, lastExec time.Time, nextExec *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_task SET last_execution_at=?, next_execution_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		lastExec, nextExec, taskID)
	return err
}

const execCols = `id,task_id,trigger_kind,status,http_status_code,output,error_message,executed_at,duration_ms,deleted_at`

func (r *sqliteRepo) CreatePendingExecution(ctx context.Context, taskID int64, trigger domain.Trigger, executedAt time.Time) (domain.Execution, error) {
	res, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_task_execution (task_id,trigger_kind,status,executed_at)
VALUES (?,?, 'pending', ?)`, taskID, string(trigger), executedAt)
	if err != nil {
		return domain.Execution{}, err
	}
	id, _ := res.LastInsertId()
	return domain.Execution{ID: id, TaskID: taskID, Trigger: trigger, Status: domain.StatusPending, ExecutedAt: executedAt}, nil
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var trigger, status string
	var code sql.NullInt64
	var output, errMsg sql.NullString
	var duration sql.NullInt64
	var deleted sql.NullTime
	err := row.Scan(&e.ID, &e.TaskID, &trigger, &status, &code, &output, &errMsg, &e.ExecutedAt, &duration, &deleted)
	if err == sql.ErrNoRows {
		return domain.Execution{}, ErrNotFound
	}
	if err != nil {
		return domain.Execution{}, err
	}
	e.Trigger = domain.Trigger(trigger)
	e.Status = domain.ExecutionStatus(status)
	if code.Valid {
		c := int(code.Int64)
		e.HTTPStatusCode = &c
	}
	if output.Valid {
		e.Output = &output.String
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}
	if duration.Valid {
		e.DurationMs = &duration.Int64
	}
	if deleted.Valid {
		e.DeletedAt = &deleted.Time
	}
	return e, nil
}

func (r *sqliteRepo) GetExecution(ctx context.Context, id int64) (domain.Execution, error) {
	return scanExecution(r.db.QueryRowContext(ctx, `SELECT `+execCols+` FROM scheduled_task_execution WHERE id=?`, id))
}

// FinishExecution writes the terminal state. The status guard keeps an
// already-resolved execution from being overwritten by a redelivered job.
func (r *sqliteRepo) FinishExecution(ctx context.Context, e domain.Execution) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_task_execution
SET status=?, http_status_code=?, output=?, error_message=?, duration_ms=?
WHERE id=? AND status='pending'`,
		string(e.Status), e.HTTPStatusCode, e.Output, e.ErrorMessage, e.DurationMs, e.ID)
	return err
}

func (r *sqliteRepo) ListRecentExecutions(ctx context.Context, tenantID int64, limit int) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT e.id,e.task_id,e.trigger_kind,e.status,e.http_status_code,e.output,e.error_message,e.executed_at,e.duration_ms,e.deleted_at
FROM scheduled_task_execution e
JOIN scheduled_task st ON st.id = e.task_id
WHERE st.tenant_id=? AND e.deleted_at IS NULL
ORDER BY e.executed_at DESC, e.id DESC
LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func (r *sqliteRepo) SoftDeleteExecution(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE scheduled_task_execution SET deleted_at=? WHERE id=?`, at, id)
	return err
}

func (r *sqliteRepo) AppendAudit(ctx context.Context, event string, tenantID, userID int64, data string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_log (event,tenant_id,user_id,data) VALUES (?,?,?,?)`, event, tenantID, userID, data)
	return err
}
