package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

/*
FlowStatus is the root snapshot of a running flow job: the durable,
restartable state the dispatcher and completion handler load, mutate, and
persist back on every transition. It is serialized into job_queue.flow_status
and is the sole source of truth for "what has this flow done so far" — there
is no in-memory state that survives a worker crash.

The shape follows the spec's tagged-union-with-tolerant-deserialization
strategy: Step is a common header, Modules carries one ModuleStatus per
module, and unknown fields on any nested object are ignored when decoding
so that additive schema changes never break an in-flight flow. Such fields
are not kept: re-encoding the status drops them.
*/
type FlowStatus struct {
	// Step is the cursor: -1 during preprocessor, 0..len(modules) across the
	// main sequence, len(modules) while executing the failure module.
	Step int `json:"step"`

	Modules            []*ModuleStatus `json:"modules"`
	FailureModule      *FailureModuleStatus `json:"failure_module,omitempty"`
	PreprocessorModule *ModuleStatus        `json:"preprocessor_module,omitempty"`

	Retry        RetryStatus            `json:"retry"`
	UserStates   map[string]any         `json:"user_states,omitempty"`
	CleanupModule []string              `json:"cleanup_module,omitempty"`

	ApprovalConditions json.RawMessage `json:"approval_conditions,omitempty"`
	RestartedFrom      *int            `json:"restarted_from,omitempty"`
	StreamJob          *uuid.UUID      `json:"stream_job,omitempty"`
	ChatInputEnabled   bool            `json:"chat_input_enabled,omitempty"`
	MemoryID           string          `json:"memory_id,omitempty"`
}

// RetryStatus counts attempts already consumed for the currently executing
// step. It is cleared whenever that step succeeds or the flow enters the
// failure module.
type RetryStatus struct {
	FailCount  int         `json:"fail_count"`
	FailedJobs []uuid.UUID `json:"failed_jobs,omitempty"`
	// PreviousResult is snapshotted on first entry of a step with a retry
	// policy so that replays don't have to re-derive their upstream input
	// from loop/branch state that may itself have moved on.
	PreviousResult json.RawMessage `json:"previous_result,omitempty"`
}

// ModuleStatusKind discriminates the ModuleStatus tagged union; see §4.3.
type ModuleStatusKind string

const (
	StatusWaitingForPriorSteps ModuleStatusKind = "WaitingForPriorSteps"
	StatusWaitingForEvents     ModuleStatusKind = "WaitingForEvents"
	StatusWaitingForExecutor   ModuleStatusKind = "WaitingForExecutor"
	StatusInProgress           ModuleStatusKind = "InProgress"
	StatusSuccess              ModuleStatusKind = "Success"
	StatusFailure              ModuleStatusKind = "Failure"
)

// IteratorState tracks a ForLoopFlow module's progress through its items.
// Itered starts as the evaluated iterator array (one entry per item) and is
// overwritten in place with each item's result as its child job completes;
// Done tracks which slots have actually finished so out-of-order parallel
// completions can be told apart from items not yet dispatched.
type IteratorState struct {
	Index  int               `json:"index"`
	Itered []json.RawMessage `json:"itered"`
	Done   []bool            `json:"done,omitempty"`
	// JobIndex maps a dispatched child job id (string form, since JSON object
	// keys can't be a non-string type) back to its slot in Itered/Done, so
	// the completion handler can fold an out-of-order result into the right
	// position.
	JobIndex map[string]int `json:"job_index,omitempty"`
}

// ModuleStatus is the durable execution record for a single module within a
// running flow. Exactly the fields relevant to Kind are meaningful; the rest
// are carried as zero values so a status can move between kinds (e.g.
// WaitingForExecutor -> InProgress -> Success) without reallocating.
type ModuleStatus struct {
	ModuleID string           `json:"module_id"`
	Kind     ModuleStatusKind `json:"type"`

	Job uuid.UUID `json:"job,omitempty"`

	// WaitingForEvents
	EventsCount    int       `json:"count,omitempty"`
	WaitingOnJob   uuid.UUID `json:"waiting_on_job,omitempty"`
	SuspendUntil   *time.Time `json:"suspend_until,omitempty"`

	// InProgress (loops / branches)
	Iterator      *IteratorState `json:"iterator,omitempty"`
	FlowJobs      []uuid.UUID    `json:"flow_jobs,omitempty"`
	BranchChosen  *int           `json:"branch_chosen,omitempty"`
	BranchAll     bool           `json:"branchall,omitempty"`
	Parallel      bool           `json:"parallel,omitempty"`
	WhileLoop     bool           `json:"while_loop,omitempty"`
	AgentActions  []AgentAction  `json:"agent_actions,omitempty"`

	// BranchResults/BranchesDone track a branch_all module's concurrent
	// children: BranchResults is indexed by branch position (BranchJobIndex
	// maps each child job id to its branch; FlowJobs lists only branches
	// that got a child job), filled in as each branch settles, and BranchesDone counts how many
	// slots have been filled so the completion handler knows when to
	// finalize without a second query against job_completed.
	BranchResults  []json.RawMessage `json:"branch_results,omitempty"`
	BranchesDone   int               `json:"branches_done,omitempty"`
	BranchFailed   bool              `json:"branch_failed,omitempty"`
	BranchJobIndex map[string]int    `json:"branch_job_index,omitempty"`

	// StoppedEarly is set when this module's stop_after_if expression
	// evaluated true, short-circuiting the rest of the flow's main sequence
	// and the failure module too.
	StoppedEarly bool `json:"stopped_early,omitempty"`

	// Terminal
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// FailureModuleStatus wraps a ModuleStatus with the id of the module whose
// failure triggered it.
type FailureModuleStatus struct {
	ParentModule string        `json:"parent_module,omitempty"`
	ModuleStatus *ModuleStatus `json:"module_status"`
}

// AgentActionKind discriminates the AI agent's recorded actions, used for
// observability/UI only (not read back by the dispatcher).
type AgentActionKind string

const (
	AgentActionToolCall AgentActionKind = "ToolCall"
)

type AgentAction struct {
	Kind         AgentActionKind `json:"type"`
	FunctionName string          `json:"function_name,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// NewFlowStatus builds the initial status for a freshly created flow job:
// every main module starts WaitingForPriorSteps, step starts at -1 if a
// preprocessor is declared, else 0.
func NewFlowStatus(def *FlowDef) *FlowStatus {
	fs := &FlowStatus{
		Modules:    make([]*ModuleStatus, len(def.Modules)),
		UserStates: map[string]any{},
	}
	for i, m := range def.Modules {
		fs.Modules[i] = &ModuleStatus{ModuleID: m.ID, Kind: StatusWaitingForPriorSteps}
	}
	if def.Preprocessor != nil {
		fs.Step = -1
		fs.PreprocessorModule = &ModuleStatus{ModuleID: def.Preprocessor.ID, Kind: StatusWaitingForPriorSteps}
	}
	return fs
}

// ModuleAt returns the ModuleStatus addressed by the current step, including
// the failure-module and preprocessor slots, or nil if step is out of range.
func (fs *FlowStatus) ModuleAt(step int) *ModuleStatus {
	switch {
	case step == -1:
		return fs.PreprocessorModule
	case step >= 0 && step < len(fs.Modules):
		return fs.Modules[step]
	case step == len(fs.Modules):
		if fs.FailureModule == nil {
			return nil
		}
		return fs.FailureModule.ModuleStatus
	default:
		return nil
	}
}

// IsTerminalStep reports whether step addresses neither a main module, the
// preprocessor, nor the failure module — i.e. the flow itself is done.
func (fs *FlowStatus) IsTerminalStep(step int) bool {
	return step > len(fs.Modules)
}
