// Package dispatcher implements push_next_flow_job (component C): from the
// current flow status and flow definition, compute the next step to
// schedule and enqueue a child job, handling loop expansion, branching,
// failure-module entry, retry scheduling and suspension.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/engine/internal/cache"
	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/flow/retry"
	flowscope "github.com/flowforge/engine/internal/flow/scope"
	"github.com/flowforge/engine/internal/flow/status"
	"github.com/flowforge/engine/internal/flow/transform"
	"github.com/flowforge/engine/internal/logging"
	"github.com/flowforge/engine/internal/platform/dbctx"
	"github.com/flowforge/engine/internal/queue"
)

type Dispatcher struct {
	Queue queue.Repo
	Cache *cache.Cache
	Log   *logging.Logger
}

func New(q queue.Repo, c *cache.Cache, log *logging.Logger) *Dispatcher {
	return &Dispatcher{Queue: q, Cache: c, Log: log.With("component", "dispatcher")}
}

// Input bundles everything Dispatch needs beyond the flow job row itself.
type Input struct {
	FlowJob        *domain.Job
	Def            *domain.FlowDef
	FlowStatus     *domain.FlowStatus
	LastResult     json.RawMessage
	CallerScopes   domain.ScopeSet
}

// Dispatch runs §4.3's algorithm once. It mutates in.FlowStatus in place and
// returns only an error; callers must persist in.FlowStatus via the same
// transaction passed in dbc.
func (d *Dispatcher) Dispatch(ctx context.Context, dbc dbctx.Context, in Input) error {
	fs := in.FlowStatus
	def := in.Def
	i := fs.Step

	module, moduleDef, isFailureModule := resolveModule(def, fs, i)
	if module == nil {
		// step addresses neither a main module nor the failure module: the
		// flow is done. Nothing further to dispatch.
		return nil
	}

	// 2. Suspend check: only relevant when re-entering a step that is
	// parked (or about to be parked) awaiting resume messages. Suspend is
	// declared on the module that *produced* this step's input, not on
	// this step itself, so the check looks at the previous module.
	if module.Kind == domain.StatusWaitingForPriorSteps || module.Kind == domain.StatusWaitingForEvents {
		if prevDef, prevJob, ok := previousModule(def, fs, i); ok && prevDef.Suspend != nil && prevDef.Suspend.Count > 0 {
			advanced, err := d.handleSuspend(ctx, dbc, in, module, prevDef, prevJob)
			if err != nil {
				return err
			}
			if !advanced {
				return nil // parked in WaitingForEvents; nothing more to do this pass.
			}
		}
	}

	// 3. Failure / retry.
	if module.Kind == domain.StatusFailure {
		decision := retry.Next(moduleDef.Retry, fs.Retry.FailCount)
		if decision.ShouldRetry {
			status.BumpRetryFailCount(fs, module.Job)
			scheduledFor := time.Now().UTC().Add(decision.Interval)
			status.ResetForRetry(module)
			in.FlowJob.ScheduledFor = scheduledFor
			// fallthrough to step 4+ to re-dispatch with the snapshotted input.
		} else {
			parentID := module.ModuleID
			status.EnterFailureModule(fs, def, parentID)
			if def.FailureModule == nil {
				// No failure module declared: the flow itself is terminal
				// failed. Nothing further to dispatch; completion handler
				// finalizes.
				return nil
			}
			// Re-resolve to the failure module and continue dispatch below.
			module, moduleDef, isFailureModule = resolveModule(def, fs, fs.Step)
		}
	}

	if module == nil {
		return nil
	}

	// 4. First-time retry snapshot.
	if moduleDef != nil && moduleDef.Retry != nil && fs.Retry.PreviousResult == nil {
		status.SnapshotRetryInput(fs, in.LastResult)
	}
	effectiveInput := in.LastResult
	if fs.Retry.PreviousResult != nil {
		effectiveInput = fs.Retry.PreviousResult
	}

	// mock short-circuit
	if moduleDef != nil && moduleDef.Mock != nil && moduleDef.Mock.Enabled {
		status.SetSuccess(module, moduleDef.Mock.ReturnValue)
		return nil
	}

	// 5. Iteration state for ForLoopFlow.
	if moduleDef != nil && moduleDef.Value.Kind == domain.ModuleForLoop {
		return d.dispatchForLoop(ctx, dbc, in, module, moduleDef, effectiveInput)
	}

	// 6. Branching.
	if moduleDef != nil && moduleDef.Value.Kind == domain.ModuleBranchOne {
		return d.dispatchBranchOne(ctx, dbc, in, module, moduleDef, effectiveInput)
	}
	if moduleDef != nil && moduleDef.Value.Kind == domain.ModuleBranchAll {
		return d.dispatchBranchAll(ctx, dbc, in, module, moduleDef, effectiveInput)
	}

	// 7+8+9. Ordinary leaf module (script/raw_script/ai_agent/flow_ref).
	_ = isFailureModule
	return d.dispatchLeaf(ctx, dbc, in, module, moduleDef, effectiveInput)
}

// previousModule returns the Module definition and completed job id for the
// step immediately before i, mirroring needs_resume()'s prev = status.step - 1:
// suspend state lives on the module that ran before the one now being
// checked, never on the current module's own definition.
func previousModule(def *domain.FlowDef, fs *domain.FlowStatus, i int) (*domain.Module, uuid.UUID, bool) {
	prev := i - 1
	if prev < 0 || prev >= len(def.Modules) || prev >= len(fs.Modules) {
		return nil, uuid.Nil, false
	}
	return &def.Modules[prev], fs.Modules[prev].Job, true
}

// resolveModule returns the ModuleStatus + Module definition addressed by
// step i, handling the preprocessor (-1), main sequence and failure-module
// (len(modules)) slots uniformly.
func resolveModule(def *domain.FlowDef, fs *domain.FlowStatus, i int) (*domain.ModuleStatus, *domain.Module, bool) {
	switch {
	case i == -1:
		if def.Preprocessor == nil {
			return nil, nil, false
		}
		return fs.PreprocessorModule, def.Preprocessor, false
	case i >= 0 && i < len(def.Modules):
		return fs.Modules[i], &def.Modules[i], false
	case i == len(def.Modules):
		if fs.FailureModule == nil || def.FailureModule == nil {
			return nil, nil, true
		}
		return fs.FailureModule.ModuleStatus, def.FailureModule, true
	default:
		return nil, nil, false
	}
}

// handleSuspend implements §4.3 step 2. prevDef/prevJob identify the
// previous module, whose Suspend declaration and completed job id gate
// resume messages for the current module. Returns advanced=true when
// enough resume messages have arrived and dispatch should continue past
// this check; false when the module has been parked (or remains parked).
func (d *Dispatcher) handleSuspend(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, prevDef *domain.Module, prevJob uuid.UUID) (bool, error) {
	required := prevDef.Suspend.Count
	waitingJob := module.WaitingOnJob
	if waitingJob == uuid.Nil {
		waitingJob = prevJob
	}

	msgs, err := d.Queue.ResumeMessagesFor(dbc, waitingJob)
	if err != nil {
		return false, err
	}

	for _, m := range msgs {
		if m.IsCancel {
			status.SetFailure(module, "canceled while waiting for resume")
			return true, nil
		}
	}

	if len(msgs) >= required {
		return true, nil
	}

	timeout := time.Duration(prevDef.Suspend.TimeoutSeconds) * time.Second
	status.SetWaitingForEvents(module, waitingJob, required, timeout)
	if module.SuspendUntil != nil && time.Now().UTC().After(*module.SuspendUntil) {
		status.SetFailure(module, "Timed out waiting to be resumed")
		return true, nil
	}
	return false, nil
}

func resultsLoader(def *domain.FlowDef, fs *domain.FlowStatus) func(string) (json.RawMessage, bool) {
	return func(stepID string) (json.RawMessage, bool) {
		for i, m := range def.Modules {
			if m.ID == stepID && i < len(fs.Modules) {
				ms := fs.Modules[i]
				if ms.Kind == domain.StatusSuccess {
					return ms.Result, true
				}
				return nil, false
			}
		}
		return nil, false
	}
}

func resumeContext(fs *domain.FlowStatus, msgs []*domain.ResumeMessage) (json.RawMessage, []json.RawMessage, []string) {
	var resume json.RawMessage
	resumes := make([]json.RawMessage, 0, len(msgs))
	approvers := make([]string, 0, len(msgs))
	for _, m := range msgs {
		resumes = append(resumes, json.RawMessage(m.Value))
		if m.Approver != "" {
			approvers = append(approvers, m.Approver)
		}
		resume = json.RawMessage(m.Value)
	}
	return resume, resumes, approvers
}

// dispatchLeaf builds the child's argument map, runs the cache_ttl check,
// and pushes the child job, transitioning the module status accordingly.
// This is steps 7-9 of §4.3 for non-compound modules.
func (d *Dispatcher) dispatchLeaf(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, moduleDef *domain.Module, effectiveInput json.RawMessage) error {
	fs := in.FlowStatus
	def := in.Def

	evalCtx := transform.Context{
		FlowInput:      json.RawMessage(in.FlowJob.Args),
		PreviousResult: effectiveInput,
		ResultsLoader:  resultsLoader(def, fs),
	}
	if prevDef, prevJob, ok := previousModule(def, fs, fs.Step); ok && prevDef.Suspend != nil && prevDef.Suspend.Count > 0 {
		waitingJob := module.WaitingOnJob
		if waitingJob == uuid.Nil {
			waitingJob = prevJob
		}
		if msgs, merr := d.Queue.ResumeMessagesFor(dbc, waitingJob); merr == nil {
			evalCtx.Resume, evalCtx.Resumes, evalCtx.Approvers = resumeContext(fs, msgs)
		}
	}

	child, cached, hit, err := d.execChild(ctx, dbc, in.FlowJob, moduleDef, evalCtx, effectiveInput, in.CallerScopes)
	if err != nil {
		status.SetFailure(module, err.Error())
		return nil
	}
	if hit {
		status.SetSuccess(module, cached)
		return nil
	}
	status.SetWaitingForExecutor(module, child.ID)
	return nil
}

// execChild resolves a module's args (consulting cache_ttl first), checks
// the caller's scopes authorize invoking the target script/flow, and pushes
// a single child job for it. On a cache hit it returns (nil, result, true,
// nil) and the caller should mark the module Success directly instead of
// pushing anything.
func (d *Dispatcher) execChild(ctx context.Context, dbc dbctx.Context, flowJob *domain.Job, moduleDef *domain.Module, evalCtx transform.Context, effectiveInput json.RawMessage, scopes domain.ScopeSet) (*domain.Job, json.RawMessage, bool, error) {
	kind, resource := dispatchTarget(moduleDef)
	if scopes != nil {
		if err := flowscope.Check(scopes, flowscope.DispatchRequest{Kind: kind, Resource: resource}); err != nil {
			return nil, nil, false, err
		}
	}

	transforms := inputTransformsFor(moduleDef)
	built, err := transform.BuildArgs(ctx, evalCtx, transforms)
	if err != nil {
		return nil, nil, false, err
	}

	if moduleDef.CacheTTLSecs != nil && *moduleDef.CacheTTLSecs > 0 && d.Cache != nil {
		key, kerr := cache.Key(moduleDef.ID, built)
		if kerr == nil {
			if cached, ok, gerr := d.Cache.Get(ctx, key); gerr == nil && ok {
				return nil, cached, true, nil
			}
		}
	}

	argsJSON, err := json.Marshal(built)
	if err != nil {
		return nil, nil, false, fmt.Errorf("marshal child args: %w", err)
	}

	scheduledFor := flowJob.ScheduledFor
	if moduleDef.SleepExpr != nil {
		if sleep, serr := sleepDuration(ctx, moduleDef.SleepExpr, effectiveInput); serr == nil {
			scheduledFor = time.Now().UTC().Add(sleep)
		}
	}

	child, err := d.Queue.Push(dbc, queue.PushInput{
		Workspace:      flowJob.Workspace,
		ParentJob:      &flowJob.ID,
		RootJob:        rootOf(flowJob),
		Kind:           kind,
		RunnableRef:    resource,
		Args:           datatypes.JSON(argsJSON),
		IsFlowStep:     true,
		ScheduledFor:   &scheduledFor,
		Tag:            flowJob.Tag,
		Priority:       moduleDef.Priority,
		TimeoutSeconds: moduleDef.TimeoutSeconds,
		Suspend:        0,
	})
	if err != nil {
		return nil, nil, false, err
	}
	return child, nil, false, nil
}

// dispatchTarget maps a module to the queue job kind it dispatches as and
// the resource path a scope check should be evaluated against.
func dispatchTarget(m *domain.Module) (domain.JobKind, string) {
	switch m.Value.Kind {
	case domain.ModuleScript:
		return domain.JobKindScript, m.Value.Script.Path
	case domain.ModuleRawScript:
		return domain.JobKindRawScript, ""
	case domain.ModuleAIAgent:
		return domain.JobKindAIAgent, ""
	case domain.ModuleFlowRef:
		return domain.JobKindFlow, m.Value.FlowRef.Path
	default:
		return domain.JobKindScript, ""
	}
}

func inputTransformsFor(m *domain.Module) map[string]domain.Transform {
	switch m.Value.Kind {
	case domain.ModuleScript:
		return m.Value.Script.InputTransforms
	case domain.ModuleRawScript:
		return m.Value.RawScript.InputTransforms
	default:
		return nil
	}
}

func sleepDuration(ctx context.Context, expr *domain.Transform, result json.RawMessage) (time.Duration, error) {
	if expr.Kind == domain.TransformStatic {
		var secs float64
		if err := json.Unmarshal(expr.StaticVal, &secs); err != nil {
			return 0, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	out, err := transform.BuildArgs(ctx, transform.Context{PreviousResult: result}, map[string]domain.Transform{"v": *expr})
	if err != nil {
		return 0, err
	}
	var secs float64
	if err := json.Unmarshal(out["v"], &secs); err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func rootOf(j *domain.Job) *uuid.UUID {
	if j.RootJob != nil {
		return j.RootJob
	}
	return &j.ID
}
