package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/platform/dbctx"
	"github.com/flowforge/engine/internal/platform/testutil"
	"github.com/flowforge/engine/internal/queue"
)

// fakeQueue is a minimal in-memory queue.Repo stand-in so dispatcher tests
// exercise real push/resume bookkeeping without a live Postgres.
type fakeQueue struct {
	jobs          map[uuid.UUID]*domain.Job
	resumes       map[uuid.UUID][]*domain.ResumeMessage
	resumeLookups []uuid.UUID // records every jobID ResumeMessagesFor was called with
	pushed        []queue.PushInput
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[uuid.UUID]*domain.Job{}, resumes: map[uuid.UUID][]*domain.ResumeMessage{}}
}

func (f *fakeQueue) Push(dbc dbctx.Context, in queue.PushInput) (*domain.Job, error) {
	job := &domain.Job{ID: uuid.New(), Workspace: in.Workspace, Kind: in.Kind, RunnableRef: in.RunnableRef, Args: in.Args, Tag: in.Tag}
	f.jobs[job.ID] = job
	f.pushed = append(f.pushed, in)
	return job, nil
}
func (f *fakeQueue) Pull(dbc dbctx.Context, workerID string, tags []string, staleAfter time.Duration) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeQueue) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	return f.jobs[id], nil
}
func (f *fakeQueue) GetByIDForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	return f.jobs[id], nil
}
func (f *fakeQueue) GetCompleted(dbc dbctx.Context, id uuid.UUID) (*domain.CompletedJob, error) {
	return nil, nil
}
func (f *fakeQueue) UpdatePatch(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}
func (f *fakeQueue) Heartbeat(dbc dbctx.Context, id uuid.UUID) error { return nil }
func (f *fakeQueue) Cancel(dbc dbctx.Context, id uuid.UUID, reason string) error { return nil }
func (f *fakeQueue) Resume(dbc dbctx.Context, jobID uuid.UUID, value datatypes.JSON, isCancel bool, approver string) (*domain.ResumeMessage, error) {
	m := &domain.ResumeMessage{ID: uuid.New(), JobID: jobID, Value: value, IsCancel: isCancel, Approver: approver}
	f.resumes[jobID] = append(f.resumes[jobID], m)
	return m, nil
}
func (f *fakeQueue) ResumeMessagesFor(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.ResumeMessage, error) {
	f.resumeLookups = append(f.resumeLookups, jobID)
	return f.resumes[jobID], nil
}
func (f *fakeQueue) Complete(dbc dbctx.Context, jobID uuid.UUID, result datatypes.JSON, flowStatus datatypes.JSON, success bool, canceled bool, canceledReason, logs string) (*domain.CompletedJob, error) {
	return &domain.CompletedJob{ID: jobID, Success: success}, nil
}
func (f *fakeQueue) Delete(dbc dbctx.Context, id uuid.UUID) error { return nil }

func staticTransform(t *testing.T, v interface{}) domain.Transform {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal static value: %v", err)
	}
	return domain.Transform{Kind: domain.TransformStatic, StaticVal: raw}
}

// doublingModule builds a leaf module whose single input_transform "v"
// doubles the current loop item (iter.value), mirroring the [1,2,3] ->
// [2,4,6] for-each scenario.
func doublingModule(id string) domain.Module {
	return domain.Module{
		ID: id,
		Value: domain.ModuleValue{
			Kind: domain.ModuleRawScript,
			RawScript: &domain.RawScriptModule{
				Content:  "return v",
				Language: "javascript",
				InputTransforms: map[string]domain.Transform{
					"v": {Kind: domain.TransformJavascript, Expr: "iter.value * 2"},
				},
			},
		},
	}
}

func TestPreviousModuleLooksAtPriorStep(t *testing.T) {
	def := &domain.FlowDef{Modules: []domain.Module{
		{ID: "a", Value: domain.ModuleValue{Kind: domain.ModuleRawScript}, Suspend: &domain.SuspendSpec{Count: 1}},
		{ID: "b", Value: domain.ModuleValue{Kind: domain.ModuleRawScript}},
	}}
	jobA := uuid.New()
	fs := &domain.FlowStatus{Step: 1, Modules: []*domain.ModuleStatus{
		{ModuleID: "a", Kind: domain.StatusSuccess, Job: jobA},
		{ModuleID: "b", Kind: domain.StatusWaitingForPriorSteps},
	}}

	prevDef, prevJob, ok := previousModule(def, fs, fs.Step)
	if !ok {
		t.Fatalf("expected previousModule to resolve step 0")
	}
	if prevDef.ID != "a" {
		t.Fatalf("expected previous module 'a', got %q", prevDef.ID)
	}
	if prevJob != jobA {
		t.Fatalf("expected previous job %v, got %v", jobA, prevJob)
	}
	if prevDef.Suspend == nil || prevDef.Suspend.Count != 1 {
		t.Fatalf("expected previous module's own Suspend spec, got %+v", prevDef.Suspend)
	}
}

// TestDispatchSuspendChecksPreviousModulesSuspend is the regression test for
// the suspend-check bug: module "a" declares suspend.count=1 and module "b"
// (with no Suspend of its own) is the one sitting in WaitingForPriorSteps.
// Dispatch must key the suspend check off "a", not "b", or the check is a
// permanent no-op and "b" dispatches immediately without ever waiting for a
// resume message.
func TestDispatchSuspendChecksPreviousModulesSuspend(t *testing.T) {
	fq := newFakeQueue()
	log := testutil.Logger(t)
	d := New(fq, nil, log)

	def := &domain.FlowDef{Modules: []domain.Module{
		{ID: "a", Value: domain.ModuleValue{Kind: domain.ModuleRawScript}, Suspend: &domain.SuspendSpec{Count: 1}},
		{
			ID: "b",
			Value: domain.ModuleValue{
				Kind: domain.ModuleRawScript,
				RawScript: &domain.RawScriptModule{
					InputTransforms: map[string]domain.Transform{"echo": {Kind: domain.TransformJavascript, Expr: "resume"}},
				},
			},
		},
	}}

	jobA := uuid.New()
	fs := &domain.FlowStatus{Step: 1, Modules: []*domain.ModuleStatus{
		{ModuleID: "a", Kind: domain.StatusSuccess, Job: jobA, Result: json.RawMessage(`null`)},
		{ModuleID: "b", Kind: domain.StatusWaitingForPriorSteps},
	}}

	flowJob := &domain.Job{ID: uuid.New(), Workspace: "w", Args: datatypes.JSON(`{}`)}
	in := Input{FlowJob: flowJob, Def: def, FlowStatus: fs, LastResult: json.RawMessage(`null`)}
	dbc := dbctx.New(context.Background(), nil)

	// First pass: no resume message has arrived yet. "b" must park in
	// WaitingForEvents rather than dispatch, and the resume lookup must be
	// keyed by "a"'s completed job, not "b"'s (still-zero) job id.
	if err := d.Dispatch(context.Background(), dbc, in); err != nil {
		t.Fatalf("Dispatch (parked): %v", err)
	}
	if fs.Modules[1].Kind != domain.StatusWaitingForEvents {
		t.Fatalf("expected module b parked WaitingForEvents, got %v", fs.Modules[1].Kind)
	}
	if len(fq.resumeLookups) == 0 || fq.resumeLookups[len(fq.resumeLookups)-1] != jobA {
		t.Fatalf("expected ResumeMessagesFor looked up against a's job %v, got %v", jobA, fq.resumeLookups)
	}
	if len(fq.pushed) != 0 {
		t.Fatalf("expected no child pushed while suspended, got %d", len(fq.pushed))
	}

	// A resume message arrives addressed to "a"'s job.
	if _, err := fq.Resume(dbc, jobA, datatypes.JSON(`{"ok":true}`), false, "alice"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// Second pass: the required count (1) is now satisfied, so "b" must
	// advance past the suspend check and actually dispatch a child.
	if err := d.Dispatch(context.Background(), dbc, in); err != nil {
		t.Fatalf("Dispatch (resumed): %v", err)
	}
	if fs.Modules[1].Kind != domain.StatusWaitingForExecutor {
		t.Fatalf("expected module b to dispatch after resume, got %v", fs.Modules[1].Kind)
	}
	if len(fq.pushed) != 1 {
		t.Fatalf("expected exactly one child pushed after resume, got %d", len(fq.pushed))
	}
}

func TestDispatchForLoopPushesItemsSequentially(t *testing.T) {
	fq := newFakeQueue()
	log := testutil.Logger(t)
	d := New(fq, nil, log)

	body := doublingModule("double")
	def := &domain.FlowDef{Modules: []domain.Module{
		{
			ID: "loop",
			Value: domain.ModuleValue{
				Kind: domain.ModuleForLoop,
				ForLoop: &domain.ForLoopModule{
					Iterator: staticTransform(t, []int{1, 2, 3}),
					Modules:  []domain.Module{body},
				},
			},
		},
	}}
	fs := domain.NewFlowStatus(def)
	fs.Step = 0

	flowJob := &domain.Job{ID: uuid.New(), Workspace: "w", Args: datatypes.JSON(`{}`)}
	in := Input{FlowJob: flowJob, Def: def, FlowStatus: fs, LastResult: json.RawMessage(`null`)}
	dbc := dbctx.New(context.Background(), nil)

	if err := d.Dispatch(context.Background(), dbc, in); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if fs.Modules[0].Iterator == nil || len(fs.Modules[0].Iterator.Itered) != 3 {
		t.Fatalf("expected iterator snapshot of 3 items, got %+v", fs.Modules[0].Iterator)
	}
	if len(fq.pushed) != 1 {
		t.Fatalf("expected exactly one child pushed for the first item, got %d", len(fq.pushed))
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal(fq.pushed[0].Args, &args); err != nil {
		t.Fatalf("unmarshal pushed args: %v", err)
	}
	if string(args["v"]) != "2" {
		t.Fatalf("expected first item (1) doubled to 2, got %s", args["v"])
	}
}

func TestDispatchBranchAllPushesAllBranches(t *testing.T) {
	fq := newFakeQueue()
	log := testutil.Logger(t)
	d := New(fq, nil, log)

	def := &domain.FlowDef{Modules: []domain.Module{
		{
			ID: "fanout",
			Value: domain.ModuleValue{
				Kind: domain.ModuleBranchAll,
				BranchAll: &domain.BranchAllModule{Branches: []domain.BranchAllBranch{
					{Modules: []domain.Module{{ID: "ok", Value: domain.ModuleValue{Kind: domain.ModuleRawScript, RawScript: &domain.RawScriptModule{}}}}, SkipFailure: true},
					{Modules: []domain.Module{{ID: "also-ok", Value: domain.ModuleValue{Kind: domain.ModuleRawScript, RawScript: &domain.RawScriptModule{}}}}},
				}},
			},
		},
	}}
	fs := domain.NewFlowStatus(def)

	flowJob := &domain.Job{ID: uuid.New(), Workspace: "w", Args: datatypes.JSON(`{}`)}
	in := Input{FlowJob: flowJob, Def: def, FlowStatus: fs, LastResult: json.RawMessage(`1`)}
	dbc := dbctx.New(context.Background(), nil)

	if err := d.Dispatch(context.Background(), dbc, in); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(fq.pushed) != 2 {
		t.Fatalf("expected both branches pushed, got %d", len(fq.pushed))
	}
	if fs.Modules[0].Kind != domain.StatusInProgress {
		t.Fatalf("expected branch_all module InProgress until both branches complete, got %v", fs.Modules[0].Kind)
	}
	if len(fs.Modules[0].BranchJobIndex) != 2 {
		t.Fatalf("expected both branch job slots recorded, got %+v", fs.Modules[0].BranchJobIndex)
	}
}
