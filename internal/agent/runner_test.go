package agent

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

// fakeQueue is a minimal queue.Repo stand-in. Pushing a tool-call job
// resolves it inline instead of waiting for a separate worker: the "add"
// tool's args are decoded and summed immediately, so dispatchTool's first
// GetCompleted poll already finds a result and the test runs without any
// real wall-clock wait.
type fakeQueue struct {
	jobs      map[uuid.UUID]*domain.Job
	completed map[uuid.UUID]*domain.CompletedJob
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[uuid.UUID]*domain.Job{}, completed: map[uuid.UUID]*domain.CompletedJob{}}
}

func (f *fakeQueue) Push(dbc dbctx.Context, in queue.PushInput) (*domain.Job, error) {
	job := &domain.Job{ID: uuid.New(), Workspace: in.Workspace, Kind: in.Kind, RunnableRef: in.RunnableRef, Args: in.Args, Tag: in.Tag, ParentJob: in.ParentJob}
	f.jobs[job.ID] = job

	var args struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	if json.Unmarshal(in.Args, &args) == nil {
		result, _ := json.Marshal(args.A + args.B)
		f.completed[job.ID] = &domain.CompletedJob{ID: job.ID, Success: true, Result: datatypes.JSON(result)}
	}
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
	return f.completed[id], nil
}
func (f *fakeQueue) UpdatePatch(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}
func (f *fakeQueue) Heartbeat(dbc dbctx.Context, id uuid.UUID) error             { return nil }
func (f *fakeQueue) Cancel(dbc dbctx.Context, id uuid.UUID, reason string) error { return nil }
func (f *fakeQueue) Resume(dbc dbctx.Context, jobID uuid.UUID, value datatypes.JSON, isCancel bool, approver string) (*domain.ResumeMessage, error) {
	return nil, nil
}
func (f *fakeQueue) ResumeMessagesFor(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.ResumeMessage, error) {
	return nil, nil
}
func (f *fakeQueue) Complete(dbc dbctx.Context, jobID uuid.UUID, result datatypes.JSON, flowStatus datatypes.JSON, success bool, canceled bool, canceledReason, logs string) (*domain.CompletedJob, error) {
	return &domain.CompletedJob{ID: jobID, Success: success, Result: result}, nil
}
func (f *fakeQueue) Delete(dbc dbctx.Context, id uuid.UUID) error { return nil }

// scriptedProvider returns one canned Response per call, in order, so a
// test can drive a multi-turn conversation (tool call, then final content)
// without a real model.
type scriptedProvider struct {
	responses []Response
	calls     int
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if p.calls >= len(p.responses) {
		return Response{}, context.DeadlineExceeded
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}
func (p *scriptedProvider) Refresh() error { return nil }

func staticTransform(t *testing.T, v interface{}) domain.Transform {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal static value: %v", err)
	}
	return domain.Transform{Kind: domain.TransformStatic, StaticVal: raw}
}

// TestRunDispatchesToolCallThenReturnsFinalContent is the agent tool-call
// scenario: the model calls add(2, 3), the tool runs as a child job, and
// the model's next turn folds the tool's result into a final answer.
func TestRunDispatchesToolCallThenReturnsFinalContent(t *testing.T) {
	fq := newFakeQueue()
	log := testutil.Logger(t)
	provider := &scriptedProvider{responses: []Response{
		{ToolCalls: []ToolCall{{ID: "call1", Name: "add", Args: json.RawMessage(`{"a":2,"b":3}`)}}},
		{Content: "The sum is 5."},
	}}
	r := NewRunner(fq, nil, map[string]Provider{"fake": provider}, log)

	mod := &domain.AIAgentModule{
		Provider:     "fake",
		Model:        "test-model",
		SystemPrompt: "you are a calculator",
		UserMessage:  staticTransform(t, "what is 2 + 3?"),
		Tools: []domain.ToolRef{{
			Module: &domain.Module{
				ID: "add",
				Value: domain.ModuleValue{
					Kind: domain.ModuleRawScript,
					RawScript: &domain.RawScriptModule{
						InputTransforms: map[string]domain.Transform{"a": {}, "b": {}},
					},
				},
			},
		}},
		MaxIterations: 5,
	}
	job := &domain.Job{ID: uuid.New(), Workspace: "w", Tag: "default"}
	dbc := dbctx.New(context.Background(), nil)

	result, err := r.Run(context.Background(), dbc, job, mod, json.RawMessage(`null`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected agent run to succeed, got error %q", result.Error)
	}
	var content string
	if err := json.Unmarshal(result.Content, &content); err != nil {
		t.Fatalf("unmarshal final content: %v", err)
	}
	if content != "The sum is 5." {
		t.Fatalf("expected final content %q, got %q", "The sum is 5.", content)
	}
	if len(result.Actions) != 1 {
		t.Fatalf("expected exactly one recorded tool-call action, got %d", len(result.Actions))
	}
	action := result.Actions[0]
	if action.FunctionName != "add" {
		t.Fatalf("expected the recorded action to be the add tool call, got %q", action.FunctionName)
	}
	if string(action.Result) != "5" {
		t.Fatalf("expected the tool call's result to be 5, got %s", action.Result)
	}
	if provider.calls != 2 {
		t.Fatalf("expected exactly two model turns, got %d", provider.calls)
	}
}

// TestLoadToolsFailsLoudlyOnMCPOnlyRef is the regression test for the
// MCP-skip fix: an MCP-only tool ref must fail the step rather than
// silently running the agent with that tool missing from its toolset.
func TestLoadToolsFailsLoudlyOnMCPOnlyRef(t *testing.T) {
	mod := &domain.AIAgentModule{
		Tools: []domain.ToolRef{{MCPServer: "billing-mcp"}},
	}
	if _, _, err := loadTools(mod); err == nil {
		t.Fatalf("expected loadTools to fail loudly on an MCP-only tool ref")
	}
}

// TestRunFailsWhenAnyToolIsMCPOnly exercises the same fix through the full
// Run path: a mix of one ordinary module tool and one MCP-only tool must
// still fail the whole step before ever calling the provider.
func TestRunFailsWhenAnyToolIsMCPOnly(t *testing.T) {
	fq := newFakeQueue()
	log := testutil.Logger(t)
	provider := &scriptedProvider{responses: []Response{{Content: "should never be reached"}}}
	r := NewRunner(fq, nil, map[string]Provider{"fake": provider}, log)

	mod := &domain.AIAgentModule{
		Provider:    "fake",
		Model:       "test-model",
		UserMessage: staticTransform(t, "hi"),
		Tools: []domain.ToolRef{
			{Module: &domain.Module{ID: "add", Value: domain.ModuleValue{Kind: domain.ModuleRawScript, RawScript: &domain.RawScriptModule{}}}},
			{MCPServer: "billing-mcp"},
		},
	}
	job := &domain.Job{ID: uuid.New(), Workspace: "w", Tag: "default"}
	dbc := dbctx.New(context.Background(), nil)

	result, err := r.Run(context.Background(), dbc, job, mod, json.RawMessage(`null`), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Success {
		t.Fatalf("expected the run to fail because one declared tool is MCP-only")
	}
	if provider.calls != 0 {
		t.Fatalf("expected the provider never to be called, got %d calls", provider.calls)
	}
}
