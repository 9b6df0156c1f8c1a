package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/flow/status"
	"github.com/flowforge/engine/internal/flow/transform"
	"github.com/flowforge/engine/internal/platform/dbctx"
)

// dispatchForLoop implements §4.3 step 5: on first entry it evaluates the
// iterator expression once and snapshots the resulting array onto the
// module's Iterator state. Every subsequent pass pushes one child per
// remaining item (bounded by Parallelism when Parallel is set) for the
// loop body's first module only; any further modules in the body are not
// run. The completion handler marks each finished item Done and
// re-invokes the dispatcher, which advances Iterator.Index past Done items.
func (d *Dispatcher) dispatchForLoop(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, moduleDef *domain.Module, effectiveInput json.RawMessage) error {
	fl := moduleDef.Value.ForLoop
	def := in.Def
	fs := in.FlowStatus

	if module.Iterator == nil {
		evalCtx := transform.Context{
			FlowInput:      json.RawMessage(in.FlowJob.Args),
			PreviousResult: effectiveInput,
			ResultsLoader:  resultsLoader(def, fs),
		}
		var items []json.RawMessage
		var err error
		if fl.Iterator.Kind == domain.TransformStatic {
			err = json.Unmarshal(fl.Iterator.StaticVal, &items)
		} else {
			items, err = transform.EvaluateArray(ctx, evalCtx, fl.Iterator.Expr)
		}
		if err != nil {
			status.SetFailure(module, err.Error())
			return nil
		}
		module.Iterator = &domain.IteratorState{Index: 0, Itered: items, Done: make([]bool, len(items))}
		module.Parallel = fl.Parallel
	}

	if len(fl.Modules) == 0 {
		status.SetSuccess(module, mustMarshal(module.Iterator.Itered))
		return nil
	}
	body := fl.Modules[0]

	if !fl.Parallel {
		// Cache hits resolve synchronously with no child job to wait on, so
		// keep advancing through the sequential item list until either a
		// real child is pushed (dispatch returns and waits on it) or the
		// whole array is exhausted (every item was a cache hit). The
		// completion handler re-invokes Dispatch on every child completion
		// even while this module is still in progress, so an item already
		// marked Done (the one that just completed) must be skipped rather
		// than pushed again.
		for {
			it := module.Iterator
			if it.Index >= len(it.Itered) {
				status.SetSuccess(module, mustMarshal(it.Itered))
				return nil
			}
			if it.Done[it.Index] {
				it.Index++
				continue
			}
			pushed, err := d.pushLoopItem(ctx, dbc, in, module, &body, it.Itered[it.Index], it.Index)
			if err != nil {
				return err
			}
			if module.Kind == domain.StatusFailure {
				return nil
			}
			if !pushed {
				it.Index++
				continue
			}
			return nil
		}
	}

	it := module.Iterator
	if it.Index >= len(it.Itered) {
		// Empty iterator, or every remaining item resolved from cache.
		status.SetSuccess(module, mustMarshal(it.Itered))
		return nil
	}
	limit := len(it.Itered) - it.Index
	if fl.Parallelism != nil && *fl.Parallelism < limit {
		limit = *fl.Parallelism
	}
	// A slot already recorded in JobIndex has a child in flight from an
	// earlier pass; completion re-invokes Dispatch on every sibling's
	// completion while this module is still in progress, so that slot must
	// be skipped too, not just ones already marked Done.
	dispatchedIdx := make(map[int]bool, len(it.JobIndex))
	for _, idx := range it.JobIndex {
		dispatchedIdx[idx] = true
	}
	pushedAny := false
	anyInFlight := false
	for off := 0; off < limit; off++ {
		idx := it.Index + off
		if it.Done[idx] {
			continue
		}
		if dispatchedIdx[idx] {
			anyInFlight = true
			continue
		}
		pushed, err := d.pushLoopItem(ctx, dbc, in, module, &body, it.Itered[idx], idx)
		if err != nil {
			return err
		}
		if module.Kind == domain.StatusFailure {
			return nil
		}
		pushedAny = pushedAny || pushed
	}
	if !pushedAny && !anyInFlight {
		// Every item in this window was already a cache hit (no child to
		// wait on); the completion handler's foldForLoop will never fire
		// for these slots, so advance past them here and recurse to try
		// the next window. A window that instead still has a sibling in
		// flight must not recurse here — there is nothing new to push, and
		// the in-flight child's own completion will trigger the next pass.
		for it.Index < len(it.Itered) && it.Done[it.Index] {
			it.Index++
		}
		return d.dispatchForLoop(ctx, dbc, in, module, moduleDef, effectiveInput)
	}
	return nil
}

// pushLoopItem pushes (or resolves from cache) a single loop-body child.
// It returns pushed=true when a real child job was enqueued and the
// dispatcher should stop and wait for its completion; pushed=false means
// the item resolved from cache synchronously and the caller should keep
// advancing.
func (d *Dispatcher) pushLoopItem(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, body *domain.Module, item json.RawMessage, index int) (bool, error) {
	def := in.Def
	fs := in.FlowStatus
	idx := index
	evalCtx := transform.Context{
		FlowInput:      json.RawMessage(in.FlowJob.Args),
		PreviousResult: item,
		IterValue:      item,
		IterIndex:      &idx,
		ResultsLoader:  resultsLoader(def, fs),
	}
	child, cached, hit, err := d.execChild(ctx, dbc, in.FlowJob, body, evalCtx, item, in.CallerScopes)
	if err != nil {
		status.SetFailure(module, err.Error())
		return false, nil
	}
	if hit {
		module.Iterator.Itered[index] = cached
		module.Iterator.Done[index] = true
		status.SetInProgress(module, module.Job)
		return false, nil
	}
	module.FlowJobs = append(module.FlowJobs, child.ID)
	if module.Iterator.JobIndex == nil {
		module.Iterator.JobIndex = map[string]int{}
	}
	module.Iterator.JobIndex[child.ID.String()] = index
	status.SetInProgress(module, module.Job)
	return true, nil
}

func mustMarshal(v interface{}) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return out
}

// dispatchBranchOne implements §4.3 step 6 for branch_one: evaluate each
// branch predicate in order and take the first that is true, falling back
// to Default if none match. Only the chosen branch's first module is
// pushed, mirroring the single-module-body convention of dispatchForLoop.
func (d *Dispatcher) dispatchBranchOne(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, moduleDef *domain.Module, effectiveInput json.RawMessage) error {
	bo := moduleDef.Value.BranchOne

	if module.BranchChosen == nil {
		chosen := -1
		for i, br := range bo.Branches {
			ok, err := transform.EvaluateBool(ctx, effectiveInput, br.Predicate.Expr)
			if err != nil {
				status.SetFailure(module, err.Error())
				return nil
			}
			if ok {
				chosen = i
				break
			}
		}
		module.BranchChosen = &chosen
	}

	var branchModules []domain.Module
	if *module.BranchChosen >= 0 {
		branchModules = bo.Branches[*module.BranchChosen].Modules
	} else {
		branchModules = bo.Default
	}
	if len(branchModules) == 0 {
		status.SetSuccess(module, effectiveInput)
		return nil
	}
	return d.pushBranchOneBody(ctx, dbc, in, module, &branchModules[0], effectiveInput)
}

func (d *Dispatcher) pushBranchOneBody(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, body *domain.Module, effectiveInput json.RawMessage) error {
	def := in.Def
	fs := in.FlowStatus
	evalCtx := transform.Context{
		FlowInput:      json.RawMessage(in.FlowJob.Args),
		PreviousResult: effectiveInput,
		ResultsLoader:  resultsLoader(def, fs),
	}
	child, cached, hit, err := d.execChild(ctx, dbc, in.FlowJob, body, evalCtx, effectiveInput, in.CallerScopes)
	if err != nil {
		status.SetFailure(module, err.Error())
		return nil
	}
	if hit {
		status.SetSuccess(module, cached)
		return nil
	}
	module.FlowJobs = append(module.FlowJobs, child.ID)
	status.SetInProgress(module, module.Job)
	return nil
}

// dispatchBranchAll implements §4.3 step 6 for branch_all: every branch's
// first module is pushed concurrently; skip_failure on a branch is
// consulted by the completion handler as each failed branch completes, not here.
// Because the completion handler re-invokes Dispatch on every branch's
// completion while the module is still in progress, a branch already
// recorded in BranchJobIndex (pushed on an earlier pass, whether still
// running or already settled) must not be pushed a second time.
func (d *Dispatcher) dispatchBranchAll(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, moduleDef *domain.Module, effectiveInput json.RawMessage) error {
	ba := moduleDef.Value.BranchAll
	if len(ba.Branches) == 0 {
		status.SetSuccess(module, effectiveInput)
		return nil
	}
	module.BranchAll = true
	if module.BranchResults == nil {
		module.BranchResults = make([]json.RawMessage, len(ba.Branches))
	}
	if module.Kind == domain.StatusInProgress {
		// A later pass: every branch was pushed or settled on the first
		// pass, and walking them again would count empty and cache-hit
		// branches a second time.
		return nil
	}
	dispatched := make(map[int]bool, len(module.BranchJobIndex))
	for _, idx := range module.BranchJobIndex {
		dispatched[idx] = true
	}
	for i, br := range ba.Branches {
		if dispatched[i] {
			continue
		}
		if len(br.Modules) == 0 {
			module.BranchResults[i] = json.RawMessage("null")
			module.BranchesDone++
			continue
		}
		if err := d.pushBranchAllBody(ctx, dbc, in, module, &br.Modules[0], effectiveInput, i); err != nil {
			return err
		}
	}
	if module.BranchesDone >= len(ba.Branches) && module.Kind != domain.StatusFailure {
		status.SetSuccess(module, mustMarshal(module.BranchResults))
	}
	return nil
}

func (d *Dispatcher) pushBranchAllBody(ctx context.Context, dbc dbctx.Context, in Input, module *domain.ModuleStatus, body *domain.Module, effectiveInput json.RawMessage, branchIndex int) error {
	def := in.Def
	fs := in.FlowStatus
	evalCtx := transform.Context{
		FlowInput:      json.RawMessage(in.FlowJob.Args),
		PreviousResult: effectiveInput,
		ResultsLoader:  resultsLoader(def, fs),
	}
	child, cached, hit, err := d.execChild(ctx, dbc, in.FlowJob, body, evalCtx, effectiveInput, in.CallerScopes)
	if err != nil {
		status.SetFailure(module, err.Error())
		return nil
	}
	if hit {
		module.BranchResults[branchIndex] = cached
		module.BranchesDone++
		status.SetInProgress(module, module.Job)
		return nil
	}
	module.FlowJobs = append(module.FlowJobs, child.ID)
	if module.BranchJobIndex == nil {
		module.BranchJobIndex = map[string]int{}
	}
	module.BranchJobIndex[child.ID.String()] = branchIndex
	status.SetInProgress(module, module.Job)
	return nil
}
