// Package queue implements the Job Queue (component A): push, pull,
// cancel and resume against the job_queue table, adapted from the
// orchestrator's JobRunRepo claim-query pattern to the flow engine's richer
// row shape (priority, tags, suspend counters, parent/root linkage).
package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/logging"
	"github.com/flowforge/engine/internal/platform/dbctx"
)

// PushInput is the insertion-time contract described in §4.1/§6.
type PushInput struct {
	Workspace         string
	ParentJob         *uuid.UUID
	RootJob           *uuid.UUID
	Kind              domain.JobKind
	RunnableRef       string
	Args              datatypes.JSON
	FlowStatus        datatypes.JSON
	RawFlow           datatypes.JSON
	IsFlowStep        bool
	ScheduledFor      *time.Time
	Tag               string
	Priority          *int
	TimeoutSeconds    *int
	Suspend           int
	CallerPermissions datatypes.JSON
}

type Repo interface {
	// Push inserts a queue row within the caller's transaction. Ordering
	// across tags is not guaranteed; ordering within a tag follows Pull's
	// selection criteria.
	Push(dbc dbctx.Context, in PushInput) (*domain.Job, error)

	// Pull atomically selects and marks running the highest-priority
	// non-suspended, non-canceled row with scheduled_for <= now() whose tag
	// is in workerTags, using SKIP LOCKED so concurrent workers never
	// return the same row. A reaper window reclaims rows whose lock holder
	// has gone stale (last_ping older than staleAfter).
	Pull(dbc dbctx.Context, workerID string, workerTags []string, staleAfter time.Duration) (*domain.Job, error)

	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)

	// GetCompleted loads a job_completed row, used by callers (the AI agent
	// loop waiting on a tool-call child) that need the terminal result of a
	// job that has already moved out of job_queue.
	GetCompleted(dbc dbctx.Context, id uuid.UUID) (*domain.CompletedJob, error)

	// UpdatePatch applies a partial field update, used by the worker pool and
	// completion handler to write flow_status/step transitions atomically
	// alongside a child insert.
	UpdatePatch(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error

	Heartbeat(dbc dbctx.Context, id uuid.UUID) error

	// Cancel sets the canceled flag; in-progress work observes it
	// cooperatively (workers/agent loop poll it between suspension points).
	Cancel(dbc dbctx.Context, id uuid.UUID, reason string) error

	// Resume inserts a resume row and, when isCancel is set, also sets the
	// job's canceled flag. It does not change any suspend counter or
	// suspend_until; a parked step continues once the dispatcher counts
	// enough resume rows addressed to the job it waits on.
	Resume(dbc dbctx.Context, jobID uuid.UUID, value datatypes.JSON, isCancel bool, approver string) (*domain.ResumeMessage, error)

	// ResumeMessagesFor returns resume rows addressed to jobID in created_at
	// ASC order, per the ordering guarantee in §5.
	ResumeMessagesFor(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.ResumeMessage, error)

	// Complete moves a row from job_queue to job_completed in one
	// transaction, enforcing exactly-once completion.
	Complete(dbc dbctx.Context, jobID uuid.UUID, result datatypes.JSON, flowStatus datatypes.JSON, success bool, canceled bool, canceledReason, logs string) (*domain.CompletedJob, error)

	// Delete removes a live queue row outright. Nothing in the engine calls
	// it for cleanup_module children; finalizing a flow deletes no jobs.
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type repo struct {
	db  *gorm.DB
	log *logging.Logger
}

func NewRepo(db *gorm.DB, log *logging.Logger) Repo {
	return &repo{db: db, log: log.With("repo", "queue")}
}

func (r *repo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *repo) Push(dbc dbctx.Context, in PushInput) (*domain.Job, error) {
	now := time.Now().UTC()
	scheduledFor := now
	if in.ScheduledFor != nil {
		scheduledFor = *in.ScheduledFor
	}
	tag := in.Tag
	if tag == "" {
		tag = "default"
	}
	job := &domain.Job{
		ID:                uuid.New(),
		Workspace:         in.Workspace,
		ParentJob:         in.ParentJob,
		RootJob:           in.RootJob,
		Kind:              in.Kind,
		RunnableRef:       in.RunnableRef,
		Args:              in.Args,
		FlowStatus:        in.FlowStatus,
		RawFlow:           in.RawFlow,
		IsFlowStep:        in.IsFlowStep,
		Running:           false,
		Canceled:          false,
		ScheduledFor:      scheduledFor,
		Suspend:           in.Suspend,
		Tag:               tag,
		Priority:          in.Priority,
		TimeoutSeconds:    in.TimeoutSeconds,
		CallerPermissions: in.CallerPermissions,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *repo) Pull(dbc dbctx.Context, workerID string, workerTags []string, staleAfter time.Duration) (*domain.Job, error) {
	now := time.Now().UTC()
	staleCutoff := now.Add(-staleAfter)

	var claimed *domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txn *gorm.DB) error {
		var job domain.Job
		q := txn.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("canceled = false AND scheduled_for <= ? AND suspend = 0", now).
			Where("(running = false OR (running = true AND last_ping IS NOT NULL AND last_ping < ?))", staleCutoff)
		if len(workerTags) > 0 {
			q = q.Where("tag IN ?", workerTags)
		}
		err := q.Order("priority DESC NULLS LAST, scheduled_for ASC, tag").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		upd := txn.Model(&domain.Job{}).
			Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"running":    true,
				"locked_by":  workerID,
				"locked_at":  now,
				"last_ping":  now,
				"updated_at": now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		claimed = &job
		claimed.Running = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetByIDForUpdate loads a row FOR UPDATE so the caller can mutate and
// re-save its flow_status within the same transaction without a concurrent
// completion handler crossing it, per §4.2/§4.4 step 1.
func (r *repo) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *repo) GetCompleted(dbc dbctx.Context, id uuid.UUID) (*domain.CompletedJob, error) {
	var cj domain.CompletedJob
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&cj).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cj, nil
}

func (r *repo) UpdatePatch(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Job{}).
		Where("id = ? AND running = true", id).
		Updates(map[string]interface{}{"last_ping": now, "updated_at": now}).Error
}

func (r *repo) Cancel(dbc dbctx.Context, id uuid.UUID, reason string) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"canceled":        true,
			"canceled_reason": reason,
			"updated_at":      time.Now().UTC(),
		}).Error
}

func (r *repo) Resume(dbc dbctx.Context, jobID uuid.UUID, value datatypes.JSON, isCancel bool, approver string) (*domain.ResumeMessage, error) {
	msg := &domain.ResumeMessage{
		ID:        uuid.New(),
		JobID:     jobID,
		Value:     value,
		IsCancel:  isCancel,
		Approver:  approver,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	if isCancel {
		if err := r.Cancel(dbc, jobID, "canceled via resume"); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (r *repo) ResumeMessagesFor(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.ResumeMessage, error) {
	var out []*domain.ResumeMessage
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *repo) Complete(dbc dbctx.Context, jobID uuid.UUID, result datatypes.JSON, flowStatus datatypes.JSON, success, canceled bool, canceledReason, logs string) (*domain.CompletedJob, error) {
	var completed *domain.CompletedJob
	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txn *gorm.DB) error {
		var job domain.Job
		if err := txn.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobID).First(&job).Error; err != nil {
			return err
		}
		now := time.Now().UTC()
		cj := &domain.CompletedJob{
			ID:             job.ID,
			Workspace:      job.Workspace,
			ParentJob:      job.ParentJob,
			RootJob:        job.RootJob,
			Kind:           job.Kind,
			RunnableRef:    job.RunnableRef,
			Args:           job.Args,
			Result:         result,
			FlowStatus:     flowStatus,
			Success:        success,
			Canceled:       canceled,
			CanceledReason: canceledReason,
			Logs:           logs,
			DurationMS:     now.Sub(job.CreatedAt).Milliseconds(),
			MemPeak:        job.MemPeak,
			CreatedAt:      job.CreatedAt,
			CompletedAt:    now,
		}
		if err := txn.Create(cj).Error; err != nil {
			return err
		}
		if err := txn.Where("id = ?", jobID).Delete(&domain.Job{}).Error; err != nil {
			return err
		}
		completed = cj
		return nil
	})
	return completed, err
}

func (r *repo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).Delete(&domain.Job{}).Error
}
