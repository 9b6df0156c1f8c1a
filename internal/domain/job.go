// Package domain holds the data model shared by every engine component:
// queued/completed jobs, flow definitions, flow status documents, resume
// messages and scopes. Nothing in this package talks to a database or makes
// a network call — it is pure data plus the small amount of pure logic
// (state transitions, serialization) that has to be identical everywhere it
// is used.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobKind enumerates the insertion-time job kinds the queue accepts. Flow
// and RawFlow jobs carry a FlowStatus and drive the dispatcher/completion
// state machine; every other kind is a leaf executed by an external runner
// and reported back through completion.Handler.Complete once it terminates.
type JobKind string

const (
	JobKindScript           JobKind = "script"
	JobKindRawScript        JobKind = "raw_script"
	JobKindFlow             JobKind = "flow"
	JobKindRawFlow          JobKind = "raw_flow"
	JobKindFlowDependencies JobKind = "flow_dependencies"
	JobKindPreview          JobKind = "preview"
	JobKindAIAgent          JobKind = "ai_agent"
)

// Job is a single row of the job_queue table: the unit the engine pulls,
// runs, and either re-enqueues (as a child) or completes.
type Job struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Workspace   string     `gorm:"column:workspace;not null;index" json:"workspace"`
	ParentJob   *uuid.UUID `gorm:"column:parent_job;index" json:"parent_job,omitempty"`
	RootJob     *uuid.UUID `gorm:"column:root_job;index" json:"root_job,omitempty"`
	Kind        JobKind    `gorm:"column:kind;not null" json:"kind"`
	RunnableRef string     `gorm:"column:runnable_ref" json:"runnable_ref,omitempty"`

	Args       datatypes.JSON `gorm:"column:args;type:jsonb" json:"args"`
	FlowStatus datatypes.JSON `gorm:"column:flow_status;type:jsonb" json:"flow_status,omitempty"`
	RawFlow    datatypes.JSON `gorm:"column:raw_flow;type:jsonb" json:"raw_flow,omitempty"`

	IsFlowStep bool `gorm:"column:is_flow_step;not null;default:false" json:"is_flow_step"`
	Running    bool `gorm:"column:running;not null;default:false" json:"running"`
	Canceled   bool `gorm:"column:canceled;not null;default:false" json:"canceled"`

	CanceledReason string `gorm:"column:canceled_reason" json:"canceled_reason,omitempty"`

	ScheduledFor time.Time  `gorm:"column:scheduled_for;not null;default:now()" json:"scheduled_for"`
	Suspend      int        `gorm:"column:suspend;not null;default:0" json:"suspend"`
	SuspendUntil *time.Time `gorm:"column:suspend_until" json:"suspend_until,omitempty"`

	Tag              string  `gorm:"column:tag;not null;default:'default'" json:"tag"`
	Priority         *int    `gorm:"column:priority" json:"priority,omitempty"`
	TimeoutSeconds   *int    `gorm:"column:timeout_seconds" json:"timeout_seconds,omitempty"`
	MemPeak          *int64  `gorm:"column:mem_peak" json:"mem_peak,omitempty"`
	ConcurrencyKey   *string `gorm:"column:concurrency_key" json:"concurrency_key,omitempty"`
	ConcurrencyLimit *int    `gorm:"column:concurrency_limit" json:"concurrency_limit,omitempty"`

	Labels            datatypes.JSON `gorm:"column:labels;type:jsonb" json:"labels,omitempty"`
	CallerPermissions datatypes.JSON `gorm:"column:caller_permissions;type:jsonb" json:"caller_permissions,omitempty"`

	LockedBy string     `gorm:"column:locked_by" json:"locked_by,omitempty"`
	LockedAt *time.Time `gorm:"column:locked_at" json:"locked_at,omitempty"`
	LastPing *time.Time `gorm:"column:last_ping" json:"last_ping,omitempty"`

	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "job_queue" }

// IsRootFlow reports whether this job owns a flow status document (i.e. it
// is a Flow or RawFlow job, as opposed to a leaf script/tool job).
func (j *Job) IsRootFlow() bool {
	return j.Kind == JobKindFlow || j.Kind == JobKindRawFlow
}

// CompletedJob is a single row of the job_completed table: the permanent,
// immutable record written exactly once when a job reaches a terminal
// state. Rows move from job_queue to job_completed rather than having a
// status column transition in place, so that the live-work index never
// has to scan historical rows.
type CompletedJob struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Workspace      string         `gorm:"column:workspace;not null;index" json:"workspace"`
	ParentJob      *uuid.UUID     `gorm:"column:parent_job;index" json:"parent_job,omitempty"`
	RootJob        *uuid.UUID     `gorm:"column:root_job;index" json:"root_job,omitempty"`
	Kind           JobKind        `gorm:"column:kind;not null" json:"kind"`
	RunnableRef    string         `gorm:"column:runnable_ref" json:"runnable_ref,omitempty"`
	Args           datatypes.JSON `gorm:"column:args;type:jsonb" json:"args"`
	Result         datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	FlowStatus     datatypes.JSON `gorm:"column:flow_status;type:jsonb" json:"flow_status,omitempty"`
	Success        bool           `gorm:"column:success;not null" json:"success"`
	Canceled       bool           `gorm:"column:canceled;not null;default:false" json:"canceled"`
	CanceledReason string         `gorm:"column:canceled_reason" json:"canceled_reason,omitempty"`
	Logs           string         `gorm:"column:logs" json:"logs,omitempty"`
	DurationMS     int64          `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	MemPeak        *int64         `gorm:"column:mem_peak" json:"mem_peak,omitempty"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null" json:"created_at"`
	CompletedAt    time.Time      `gorm:"column:completed_at;not null;default:now()" json:"completed_at"`
}

func (CompletedJob) TableName() string { return "job_completed" }

// ResumeMessage is one row of the resume_job table: a single signal
// delivered to a suspended step, either an approval value or a cancel.
type ResumeMessage struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"column:job_id;not null;index" json:"job_id"`
	Value     datatypes.JSON `gorm:"column:value;type:jsonb" json:"value"`
	IsCancel  bool           `gorm:"column:is_cancel;not null;default:false" json:"is_cancel"`
	Approver  string         `gorm:"column:approver" json:"approver,omitempty"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (ResumeMessage) TableName() string { return "resume_job" }

// FlowVersion pairs an immutable FlowValue blob with the path it was
// published under, per §6's persisted state layout.
type FlowVersion struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Workspace string         `gorm:"column:workspace;not null" json:"workspace"`
	Path      string         `gorm:"column:path;not null" json:"path"`
	Version   int            `gorm:"column:version;not null" json:"version"`
	Value     datatypes.JSON `gorm:"column:value;type:jsonb;not null" json:"value"`
	CreatedAt time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (FlowVersion) TableName() string { return "flow_version" }

// Variable and Resource back the $var:PATH / $res:PATH placeholders that
// flow args and transforms may reference. Their resolution is an external
// collaborator per the spec's Non-goals (secret storage); these structs
// only model the row shape the engine reads.
type Variable struct {
	Workspace string    `gorm:"column:workspace;primaryKey" json:"workspace"`
	Path      string    `gorm:"column:path;primaryKey" json:"path"`
	Value     string    `gorm:"column:value" json:"value,omitempty"`
	IsSecret  bool      `gorm:"column:is_secret;not null;default:false" json:"is_secret"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Variable) TableName() string { return "variable" }

type Resource struct {
	Workspace    string         `gorm:"column:workspace;primaryKey" json:"workspace"`
	Path         string         `gorm:"column:path;primaryKey" json:"path"`
	ResourceType string         `gorm:"column:resource_type;not null" json:"resource_type"`
	Value        datatypes.JSON `gorm:"column:value;type:jsonb" json:"value"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Resource) TableName() string { return "resource" }
