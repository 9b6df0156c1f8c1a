// Package status implements the Flow Status Store (component B): the
// mutation helpers that turn the dispatcher's and completion handler's
// decisions into the canonical patches described in §4.2 — set a module's
// status, bump step, merge or clear the retry block. Every mutation here is
// applied to an in-memory *domain.FlowStatus that the caller has already
// loaded FOR UPDATE inside the enclosing transaction; Store itself does not
// touch the database.
package status

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/engine/internal/domain"
)

// SetWaitingForExecutor transitions a module to WaitingForExecutor once its
// child job has been inserted.
func SetWaitingForExecutor(ms *domain.ModuleStatus, job uuid.UUID) {
	now := time.Now().UTC()
	ms.Kind = domain.StatusWaitingForExecutor
	ms.Job = job
	if ms.StartedAt == nil {
		ms.StartedAt = &now
	}
}

// SetInProgress transitions a module into InProgress, used for loop/branch
// modules that track multiple children, or once a single child has been
// picked up by a worker.
func SetInProgress(ms *domain.ModuleStatus, job uuid.UUID) {
	now := time.Now().UTC()
	ms.Kind = domain.StatusInProgress
	ms.Job = job
	if ms.StartedAt == nil {
		ms.StartedAt = &now
	}
}

// SetWaitingForEvents parks a module awaiting resume messages per §4.3 step 2.
func SetWaitingForEvents(ms *domain.ModuleStatus, waitingOnJob uuid.UUID, count int, timeout time.Duration) {
	now := time.Now().UTC()
	ms.Kind = domain.StatusWaitingForEvents
	ms.WaitingOnJob = waitingOnJob
	ms.EventsCount = count
	if timeout > 0 {
		until := now.Add(timeout)
		ms.SuspendUntil = &until
	}
}

// SetSuccess marks a module terminally successful with the given result.
func SetSuccess(ms *domain.ModuleStatus, result json.RawMessage) {
	now := time.Now().UTC()
	ms.Kind = domain.StatusSuccess
	ms.Result = result
	ms.Error = ""
	ms.FinishedAt = &now
}

// SetFailure marks a module terminally failed with the given error message.
func SetFailure(ms *domain.ModuleStatus, errMsg string) {
	now := time.Now().UTC()
	ms.Kind = domain.StatusFailure
	ms.Error = errMsg
	ms.FinishedAt = &now
}

// ResetForRetry resets a module back to WaitingForPriorSteps so the
// dispatcher re-enters it on the next pass, per §4.3 step 3b.
func ResetForRetry(ms *domain.ModuleStatus) {
	ms.Kind = domain.StatusWaitingForPriorSteps
	ms.Error = ""
	ms.FinishedAt = nil
}

// BumpRetryFailCount increments the flow-level retry counter by exactly one
// and records the failed child's job id. Per the spec, fail_count counts
// only consecutive failures of the currently executing step.
func BumpRetryFailCount(fs *domain.FlowStatus, failedJob uuid.UUID) {
	fs.Retry.FailCount++
	fs.Retry.FailedJobs = append(fs.Retry.FailedJobs, failedJob)
}

// ClearRetry removes the flow-level retry block, invoked on step success or
// on entering the failure module.
func ClearRetry(fs *domain.FlowStatus) {
	fs.Retry = domain.RetryStatus{}
}

// SnapshotRetryInput persists the upstream value a step saw on its first
// attempt, so that later retries replay against the same input rather than
// one re-derived from loop state that may have advanced. Only written once;
// subsequent calls are no-ops to avoid clobbering the original snapshot with
// a retry's own (possibly different) upstream value.
func SnapshotRetryInput(fs *domain.FlowStatus, previousResult json.RawMessage) {
	if fs.Retry.PreviousResult != nil {
		return
	}
	fs.Retry.PreviousResult = previousResult
}

// AdvanceStep moves the flow's cursor to the next step. next may be
// len(modules) to enter the failure module, or len(modules)+1 to signal the
// flow itself is terminal.
func AdvanceStep(fs *domain.FlowStatus, next int) {
	fs.Step = next
}

// EnterFailureModule sets up the failure-module slot the first time it is
// entered: step becomes len(modules), the parent module id is recorded, and
// the retry block is cleared so the failure module gets its own fresh
// retry budget.
func EnterFailureModule(fs *domain.FlowStatus, def *domain.FlowDef, parentModuleID string) {
	fs.Step = len(def.Modules)
	ClearRetry(fs)
	if fs.FailureModule == nil && def.FailureModule != nil {
		fs.FailureModule = &domain.FailureModuleStatus{
			ParentModule: parentModuleID,
			ModuleStatus: &domain.ModuleStatus{ModuleID: def.FailureModule.ID, Kind: domain.StatusWaitingForPriorSteps},
		}
	} else if fs.FailureModule != nil {
		fs.FailureModule.ParentModule = parentModuleID
	}
}

// AppendAgentAction records an AI-agent tool-call action onto a module's
// status for UI/observability purposes; it never drives dispatcher logic.
func AppendAgentAction(ms *domain.ModuleStatus, action domain.AgentAction) {
	ms.AgentActions = append(ms.AgentActions, action)
}

// Marshal/Unmarshal round-trip the FlowStatus to/from the jsonb column.
// encoding/json already deserializes tolerantly (ignores unknown fields),
// satisfying the additive-evolution requirement in §9 without extra code.
func Marshal(fs *domain.FlowStatus) (json.RawMessage, error) {
	return json.Marshal(fs)
}

func Unmarshal(raw json.RawMessage) (*domain.FlowStatus, error) {
	var fs domain.FlowStatus
	if len(raw) == 0 {
		return &domain.FlowStatus{}, nil
	}
	if err := json.Unmarshal(raw, &fs); err != nil {
		return nil, err
	}
	return &fs, nil
}
