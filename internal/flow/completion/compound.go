package completion

import (
	"encoding/json"

	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/flow/status"
)

// foldForLoop applies one child's result into a for_loop_flow module's
// Iterator state. The slot is found via JobIndex rather than list position,
// since cache hits resolved synchronously by the dispatcher never appended
// to FlowJobs. Once every slot is Done the module settles: Success with the
// full Itered array, or Failure if any non-skippable item failed.
func (h *Handler) foldForLoop(module *domain.ModuleStatus, moduleDef *domain.Module, child *domain.Job, result json.RawMessage, success bool, errMsg string) error {
	fl := moduleDef.Value.ForLoop
	it := module.Iterator
	idx, ok := it.JobIndex[child.ID.String()]
	if !ok {
		// Slot bookkeeping lost (should not happen outside a bug); treat the
		// whole module as failed rather than silently dropping the result.
		status.SetFailure(module, "completion: child job not found in loop iterator state")
		return nil
	}

	if success {
		it.Itered[idx] = result
		it.Done[idx] = true
	} else if fl.SkipFailures {
		it.Itered[idx] = errorObject(errMsg)
		it.Done[idx] = true
	} else {
		status.SetFailure(module, errMsg)
		return nil
	}

	for i := range it.Done {
		if !it.Done[i] {
			status.SetInProgress(module, module.Job)
			return nil
		}
	}
	status.SetSuccess(module, mustMarshal(it.Itered))
	return nil
}

// foldBranchAll applies one child's result into a branch_all module's
// per-branch bookkeeping. The module settles once every branch has reported,
// succeeding with the full BranchResults array unless a branch that did not
// declare skip_failure failed.
func (h *Handler) foldBranchAll(module *domain.ModuleStatus, moduleDef *domain.Module, child *domain.Job, result json.RawMessage, success bool, errMsg string) error {
	ba := moduleDef.Value.BranchAll
	idx, ok := module.BranchJobIndex[child.ID.String()]
	if !ok {
		status.SetFailure(module, "completion: child job not found in branch_all state")
		return nil
	}

	if success {
		module.BranchResults[idx] = result
	} else if idx < len(ba.Branches) && ba.Branches[idx].SkipFailure {
		module.BranchResults[idx] = errorObject(errMsg)
	} else {
		module.BranchFailed = true
		module.Error = errMsg
	}
	module.BranchesDone++

	if module.BranchesDone < len(ba.Branches) {
		status.SetInProgress(module, module.Job)
		return nil
	}
	if module.BranchFailed {
		status.SetFailure(module, module.Error)
		return nil
	}
	status.SetSuccess(module, mustMarshal(module.BranchResults))
	return nil
}

func mustMarshal(v interface{}) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return out
}

// errorObject builds the `{"error": "..."}` shape a skipped failure's slot
// holds in place of the child's (nil) result, so a skip_failures/skip_failure
// array element is always distinguishable from a genuine successful result.
func errorObject(errMsg string) json.RawMessage {
	return mustMarshal(map[string]string{"error": errMsg})
}
