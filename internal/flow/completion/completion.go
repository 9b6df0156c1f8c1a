// Package completion implements update_flow_status_after_job_completion
// (component D): when a child job finishes, locate the flow step that
// owns it, fold the result into that step's ModuleStatus, decide whether
// the owning flow should advance, fail, or finalize, and persist the
// patch in the same transaction as the child's move into job_completed.
package completion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/flow/dispatcher"
	"github.com/flowforge/engine/internal/flow/status"
	"github.com/flowforge/engine/internal/flow/transform"
	"github.com/flowforge/engine/internal/flowdef"
	"github.com/flowforge/engine/internal/logging"
	"github.com/flowforge/engine/internal/metrics"
	"github.com/flowforge/engine/internal/platform/dbctx"
	"github.com/flowforge/engine/internal/queue"
)

// MaxTrampolineDepth bounds the synchronous finalize-parent-then-finalize-
// grandparent recursion a deeply nested flow-of-flows can trigger, per the
// bounded trampoline pattern in §9. Once hit, finalize logs a warning and
// returns after completing the current flow job: the enclosing flow is not
// advanced by this call, and no completion job is enqueued for it.
const MaxTrampolineDepth = 25

type Handler struct {
	Queue      queue.Repo
	Dispatcher *dispatcher.Dispatcher
	DefLoader  flowdef.Loader
	Log        *logging.Logger
}

func New(q queue.Repo, disp *dispatcher.Dispatcher, defLoader flowdef.Loader, log *logging.Logger) *Handler {
	return &Handler{Queue: q, Dispatcher: disp, DefLoader: defLoader, Log: log.With("component", "completion")}
}

// Complete is the entry point a worker calls once a leaf job (script,
// raw_script, ai_agent) or a nested flow job finishes executing.
func (h *Handler) Complete(ctx context.Context, dbc dbctx.Context, childJobID uuid.UUID, result json.RawMessage, success bool, errMsg string, canceled bool) error {
	return h.completeDepth(ctx, dbc, childJobID, result, success, errMsg, canceled, 0)
}

func (h *Handler) completeDepth(ctx context.Context, dbc dbctx.Context, childJobID uuid.UUID, result json.RawMessage, success bool, errMsg string, canceled bool, depth int) error {
	child, err := h.Queue.GetByID(dbc, childJobID)
	if err != nil {
		return fmt.Errorf("load completing job: %w", err)
	}
	if child == nil {
		// Already moved to job_completed by a concurrent pass; exactly-once
		// semantics mean there is nothing left to do.
		return nil
	}

	if child.ParentJob == nil {
		_, err := h.Queue.Complete(dbc, child.ID, datatypes.JSON(result), nil, success, canceled, "", "")
		metrics.JobsCompleted.WithLabelValues(string(child.Kind), successLabel(success)).Inc()
		return err
	}

	parent, err := h.Queue.GetByIDForUpdate(dbc, *child.ParentJob)
	if err != nil {
		return fmt.Errorf("lock parent flow job: %w", err)
	}
	if parent == nil {
		// Parent already finalized (e.g. canceled flow cleaning up
		// in-flight children); move the child out and stop.
		_, err := h.Queue.Complete(dbc, child.ID, datatypes.JSON(result), nil, success, canceled, "", "")
		metrics.JobsCompleted.WithLabelValues(string(child.Kind), successLabel(success)).Inc()
		return err
	}

	fs, err := status.Unmarshal(parent.FlowStatus)
	if err != nil {
		return fmt.Errorf("unmarshal parent flow status: %w", err)
	}
	def, err := h.DefLoader.Load(dbc, parent)
	if err != nil {
		return fmt.Errorf("load flow definition: %w", err)
	}

	module, moduleDef := locateModule(def, fs, child.ID)
	if module == nil {
		return fmt.Errorf("completion: no module owns child job %s", child.ID)
	}

	if err := h.foldResult(ctx, module, moduleDef, child, result, success, errMsg, canceled); err != nil {
		return err
	}

	if _, err := h.Queue.Complete(dbc, child.ID, datatypes.JSON(result), nil, success, canceled, "", ""); err != nil {
		return fmt.Errorf("move child to completed: %w", err)
	}
	metrics.JobsCompleted.WithLabelValues(string(child.Kind), successLabel(success)).Inc()

	if moduleSettled(module) {
		h.runStopAfterIf(moduleDef, module)
		h.advance(def, fs, module)
	}

	fsJSON, err := status.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshal flow status: %w", err)
	}
	if err := h.Queue.UpdatePatch(dbc, parent.ID, map[string]interface{}{
		"flow_status": datatypes.JSON(fsJSON),
	}); err != nil {
		return fmt.Errorf("persist flow status patch: %w", err)
	}
	parent.FlowStatus = datatypes.JSON(fsJSON)

	if fs.IsTerminalStep(fs.Step) {
		return h.finalize(ctx, dbc, parent, fs, depth)
	}

	if err := h.Dispatcher.Dispatch(ctx, dbc, dispatcher.Input{
		FlowJob:    parent,
		Def:        def,
		FlowStatus: fs,
		LastResult: result,
	}); err != nil {
		return err
	}

	// Dispatch mutates fs in place (new child job ids, retry counters,
	// failure-module entry), so the status is persisted again after it.
	fsJSON, err = status.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshal flow status: %w", err)
	}
	if err := h.Queue.UpdatePatch(dbc, parent.ID, map[string]interface{}{
		"flow_status": datatypes.JSON(fsJSON),
	}); err != nil {
		return fmt.Errorf("persist flow status patch: %w", err)
	}
	parent.FlowStatus = datatypes.JSON(fsJSON)

	// A failure with no retry left and no failure module leaves the cursor
	// on the failure-module slot with nothing to run: the flow ends here.
	if fs.IsTerminalStep(fs.Step) || (fs.Step == len(def.Modules) && def.FailureModule == nil) {
		return h.finalize(ctx, dbc, parent, fs, depth)
	}
	return nil
}

// moduleSettled reports whether a module has reached a Success/Failure
// terminal kind and the flow cursor should now be reconsidered. Loop and
// branch_all modules stay InProgress across many child completions; this
// is only true once their own bookkeeping (done elsewhere) has flipped
// their Kind to a terminal one.
func moduleSettled(ms *domain.ModuleStatus) bool {
	return ms.Kind == domain.StatusSuccess || ms.Kind == domain.StatusFailure
}

// foldResult applies a single child's outcome onto the module that owns
// it, dispatching to the loop/branch-specific folding logic when the
// module is a compound one with more than one outstanding child.
func (h *Handler) foldResult(ctx context.Context, module *domain.ModuleStatus, moduleDef *domain.Module, child *domain.Job, result json.RawMessage, success bool, errMsg string, canceled bool) error {
	if canceled {
		status.SetFailure(module, "canceled")
		return nil
	}
	if moduleDef == nil {
		if success {
			status.SetSuccess(module, result)
		} else {
			status.SetFailure(module, errMsg)
		}
		return nil
	}

	switch moduleDef.Value.Kind {
	case domain.ModuleForLoop:
		return h.foldForLoop(module, moduleDef, child, result, success, errMsg)
	case domain.ModuleBranchAll:
		return h.foldBranchAll(module, moduleDef, child, result, success, errMsg)
	case domain.ModuleBranchOne:
		if success {
			status.SetSuccess(module, result)
		} else {
			status.SetFailure(module, errMsg)
		}
		return nil
	default:
		if success {
			status.SetSuccess(module, result)
		} else {
			status.SetFailure(module, errMsg)
		}
		return nil
	}
}

// runStopAfterIf evaluates a settled, successful module's stop_after_if
// expression. When it is true the flow is forced terminal from this step
// on and neither later modules nor the failure module run. With
// SkipIfStopped the module stays Success and the flow finalizes
// successfully on its result; without it the module is marked Failure and
// the flow finalizes as failed.
func (h *Handler) runStopAfterIf(moduleDef *domain.Module, module *domain.ModuleStatus) {
	if moduleDef == nil || moduleDef.StopAfterIf == nil || module.Kind != domain.StatusSuccess {
		return
	}
	stop, err := transform.EvaluateBool(context.Background(), module.Result, moduleDef.StopAfterIf.Expr)
	if err != nil || !stop {
		return
	}
	module.Error = "stopped by stop_after_if"
	if !moduleDef.StopAfterIf.SkipIfStopped {
		// Not a skip: the flow ends here as failed rather than succeeded.
		module.Kind = domain.StatusFailure
	}
	// advance() checks StoppedEarly first, so the failure module (if any)
	// is bypassed entirely.
	module.StoppedEarly = true
}

// advance moves fs.Step forward once the current module has settled,
// respecting a stop_after_if short-circuit and retry-driven reentry. Step
// len(def.Modules) addresses the failure-module slot; a flow that declares
// no failure module has nothing left to run once its last main module
// succeeds, so that case skips straight past the slot to the terminal step
// instead of parking on an address resolveModule will never dispatch.
func (h *Handler) advance(def *domain.FlowDef, fs *domain.FlowStatus, module *domain.ModuleStatus) {
	if module.StoppedEarly {
		status.AdvanceStep(fs, len(def.Modules)+1)
		return
	}
	if module.Kind == domain.StatusSuccess {
		status.ClearRetry(fs)
		next := fs.Step + 1
		switch {
		case fs.Step == len(def.Modules):
			// The failure module itself just succeeded: nothing follows it.
			next = len(def.Modules) + 1
		case fs.Step == len(def.Modules)-1 && def.FailureModule == nil:
			// Last main module succeeded and no failure module is declared.
			next = len(def.Modules) + 1
		}
		status.AdvanceStep(fs, next)
		return
	}
	// Failure: leave fs.Step pointing at the failed module. The dispatcher's
	// retry/failure-module logic (step 3) re-evaluates it on the next pass
	// and decides whether to retry in place or transition into the failure
	// module or terminal failure.
}

// finalize runs once fs.Step has moved past every real module (including
// the failure module if one ran): the flow job itself completes, and if
// it was in turn a step of an enclosing flow, that enclosing flow's
// completion is driven recursively (bounded by MaxTrampolineDepth).
func (h *Handler) finalize(ctx context.Context, dbc dbctx.Context, parent *domain.Job, fs *domain.FlowStatus, depth int) error {
	overallSuccess, finalResult, finalErr := outcome(fs)

	fsJSON, err := status.Marshal(fs)
	if err != nil {
		return err
	}

	if _, err := h.Queue.Complete(dbc, parent.ID, datatypes.JSON(finalResult), datatypes.JSON(fsJSON), overallSuccess, false, "", ""); err != nil {
		return fmt.Errorf("finalize flow job: %w", err)
	}

	if parent.ParentJob == nil {
		return nil
	}
	if depth >= MaxTrampolineDepth {
		// Break the recursion: `parent` is already in job_completed, but
		// its own parent flow's status is left as it is; nothing else in
		// the engine picks this completion up later. A backstop for
		// nesting this deep, not the common path.
		h.Log.Warn("flow nesting exceeded trampoline depth, stopping synchronous recursion", "flow_job", parent.ID.String(), "depth", depth)
		return nil
	}
	return h.completeDepth(ctx, dbc, parent.ID, finalResult, overallSuccess, finalErr, false, depth+1)
}

// outcome derives the flow's overall result from its settled module chain:
// the last successful main module's result, or the failure module's
// result/error if the flow ended in failure.
func outcome(fs *domain.FlowStatus) (success bool, result json.RawMessage, errMsg string) {
	if fs.FailureModule != nil && fs.FailureModule.ModuleStatus.Kind != domain.StatusWaitingForPriorSteps {
		fm := fs.FailureModule.ModuleStatus
		if fm.Kind == domain.StatusSuccess {
			return true, fm.Result, ""
		}
		return false, nil, fm.Error
	}
	for i := len(fs.Modules) - 1; i >= 0; i-- {
		ms := fs.Modules[i]
		switch ms.Kind {
		case domain.StatusSuccess:
			return true, ms.Result, ""
		case domain.StatusFailure:
			return false, nil, ms.Error
		}
	}
	return true, nil, ""
}

// locateModule finds the ModuleStatus (and its Module definition, nil only
// for a status slot with no matching entry in def.Modules) that owns childJobID,
// searching direct Job matches first and then loop/branch FlowJobs lists.
func locateModule(def *domain.FlowDef, fs *domain.FlowStatus, childJobID uuid.UUID) (*domain.ModuleStatus, *domain.Module) {
	candidates := make([]*domain.ModuleStatus, 0, len(fs.Modules)+2)
	defs := make([]*domain.Module, 0, len(fs.Modules)+2)
	if fs.PreprocessorModule != nil {
		candidates = append(candidates, fs.PreprocessorModule)
		defs = append(defs, def.Preprocessor)
	}
	for i, ms := range fs.Modules {
		candidates = append(candidates, ms)
		if i < len(def.Modules) {
			defs = append(defs, &def.Modules[i])
		} else {
			defs = append(defs, nil)
		}
	}
	if fs.FailureModule != nil {
		candidates = append(candidates, fs.FailureModule.ModuleStatus)
		defs = append(defs, def.FailureModule)
	}

	for i, ms := range candidates {
		if ms.Job == childJobID {
			return ms, defs[i]
		}
		for _, j := range ms.FlowJobs {
			if j == childJobID {
				return ms, defs[i]
			}
		}
	}
	return nil, nil
}

func successLabel(success bool) string {
	if success {
		return "true"
	}
	return "false"
}
