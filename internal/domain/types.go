package domain

import "time"

// Frequency controls how a task's next due time is computed.
type Frequency string

const (
	FreqManual   Frequency = "manual"
	FreqHourly   Frequency = "hourly"
	FreqDaily    Frequency = "daily"
	FreqWeekdays Frequency = "weekdays"
	FreqWeekly   Frequency = "weekly"
	FreqCron     Frequency = "cron"
)

// Frequencies lists every accepted frequency value.
var Frequencies = []Frequency{FreqManual, FreqHourly, FreqDaily, FreqWeekdays, FreqWeekly, FreqCron}

func (f Frequency) Valid() bool {
	for _, v := range Frequencies {
		if f == v {
			return true
		}
	}
	return false
}

// Trigger records why an execution was created.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerTest      Trigger = "test"
)

// ExecutionStatus is the execution lifecycle state. pending transitions
// exactly once to success or failed and never changes again.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

func (s ExecutionStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// TenantType identifies the outbound webhook payload shape for a tenant.
type TenantType string

const (
	TenantMsTeams TenantType = "ms_teams"
	TenantWeb     TenantType = "web"
)

type Task struct {
	ID            int64
	UUID          string
	Name          string
	Description   *string
	Prompt        string
	Frequency     Frequency
	ExecutionTime *string // "HH:MM", nil means frequency default
	Weekday       *int    // 0=Sunday..6=Saturday, weekly only
	CronExpr      *string // cron frequency only
	Active        bool
	NextExecution *time.Time // nil iff frequency is manual
	LastExecution *time.Time
	UserID        int64
	TenantID      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Execution struct {
	ID             int64
	TaskID         int64
	Trigger        Trigger
	Status         ExecutionStatus
	HTTPStatusCode *int
	Output         *string
	ErrorMessage   *string
	ExecutedAt     time.Time
	DurationMs     *int64
	DeletedAt      *time.Time
}

type Tenant struct {
	ID                  int64
	UUID                string
	Name                string
	WebhookURL          string
	EncryptedAuthHeader *string
	TenantType          TenantType
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type User struct {
	ID        int64
	UUID      string
	Email     string
	Name      *string
	CreatedAt time.Time
}

// DisplayName returns the user's name, falling back to the email.
func (u User) DisplayName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	return u.Email
}

// Membership ties a user to a tenant and carries the identity used in
// outbound payload sender blocks.
type Membership struct {
	ID             int64
	UserID         int64
	TenantID       int64
	WorkflowUserID *string
	CreatedAt      time.Time
}

// Job is one unit of asynchronous execution handoff. Delivery is
// at-least-once; the consumer treats missing or already-resolved
// executions as a no-op.
type Job struct {
	ID                int64
	TaskID            int64
	ExecutionID       int64
	Trigger           Trigger
	State             string
	Attempts          int
	VisibilityTimeout int // seconds
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
