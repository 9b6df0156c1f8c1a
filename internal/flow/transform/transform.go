// Package transform implements the Input Transformer (component E): it
// resolves a module's input_transforms map against the fixed context of
// flow_input, previous_result, results.<id>, resume/resumes and iterator
// values, running Javascript transforms inside a sandboxed goja VM with a
// hard wall-clock budget and no ambient network or filesystem access.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dop251/goja"

	"github.com/flowforge/engine/internal/domain"
)

// Budget is the hard wall-clock timeout for a single expression, per §4.5/§9.
const Budget = 10 * time.Second

// Context is the fixed evaluation context exposed to sandboxed expressions.
// ResultsLoader is called lazily so building the full results map up front
// isn't required for transforms that never reference results.<id>.
type Context struct {
	FlowInput      json.RawMessage
	PreviousResult json.RawMessage
	// Result is bound as `result` for stop_after_if / branch predicate
	// expressions, which evaluate against the step's own result rather than
	// the upstream previous_result transforms see.
	Result        json.RawMessage
	Resume        json.RawMessage
	Resumes       []json.RawMessage
	Approvers     []string
	IterValue     json.RawMessage
	IterIndex     *int
	ResultsLoader func(stepID string) (json.RawMessage, bool)
}

// BuildArgs resolves every entry of transforms against ctx, in the policy
// order the spec mandates: Static entries first (pure copies), then
// Javascript entries in sorted key order, each seeing the partially-built
// params object so later transforms may reference earlier ones.
func BuildArgs(ctx context.Context, evalCtx Context, transforms map[string]domain.Transform) (map[string]json.RawMessage, error) {
	params := make(map[string]json.RawMessage, len(transforms))

	var jsKeys []string
	for name, t := range transforms {
		if t.Kind == domain.TransformStatic {
			params[name] = t.StaticVal
		} else {
			jsKeys = append(jsKeys, name)
		}
	}
	sort.Strings(jsKeys)

	for _, name := range jsKeys {
		t := transforms[name]
		val, err := evalExpr(ctx, evalCtx, t.Expr, params)
		if err != nil {
			return nil, domain.NewFlowError(domain.ErrBadInput, fmt.Errorf("transform %q: %w", name, err))
		}
		params[name] = val
	}
	return params, nil
}

// evalExpr runs a single Javascript expression in a fresh goja runtime,
// enforcing the wall-clock budget via an interrupt timer. A fresh runtime
// per call keeps evaluation deterministic and side-effect free across
// retries (no state leaks between steps).
func evalExpr(ctx context.Context, evalCtx Context, expr string, params map[string]json.RawMessage) (json.RawMessage, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := bindContext(vm, evalCtx, params); err != nil {
		return nil, err
	}

	deadline := time.NewTimer(Budget)
	defer deadline.Stop()
	done := make(chan struct{})
	go func() {
		select {
		case <-deadline.C:
			vm.Interrupt("transform exceeded wall-clock budget")
		case <-done:
		case <-ctx.Done():
			vm.Interrupt("canceled")
		}
	}()

	val, err := vm.RunString("(function(){ return (" + expr + "); })()")
	close(done)
	if err != nil {
		return nil, err
	}
	exported := val.Export()
	out, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

func bindContext(vm *goja.Runtime, evalCtx Context, params map[string]json.RawMessage) error {
	set := func(name string, raw json.RawMessage) error {
		if len(raw) == 0 {
			return vm.Set(name, goja.Undefined())
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		return vm.Set(name, v)
	}

	if err := set("flow_input", evalCtx.FlowInput); err != nil {
		return err
	}
	if err := set("previous_result", evalCtx.PreviousResult); err != nil {
		return err
	}
	if err := set("result", evalCtx.Result); err != nil {
		return err
	}
	if err := set("resume", evalCtx.Resume); err != nil {
		return err
	}

	resumes := make([]interface{}, 0, len(evalCtx.Resumes))
	for _, r := range evalCtx.Resumes {
		var v interface{}
		if len(r) > 0 {
			if err := json.Unmarshal(r, &v); err != nil {
				return fmt.Errorf("decode resumes entry: %w", err)
			}
		}
		resumes = append(resumes, v)
	}
	if err := vm.Set("resumes", resumes); err != nil {
		return err
	}
	if err := vm.Set("approvers", evalCtx.Approvers); err != nil {
		return err
	}

	paramsObj := make(map[string]interface{}, len(params))
	for k, raw := range params {
		var v interface{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decode params.%s: %w", k, err)
			}
		}
		paramsObj[k] = v
	}
	if err := vm.Set("params", paramsObj); err != nil {
		return err
	}

	iter := map[string]interface{}{}
	if evalCtx.IterValue != nil {
		var v interface{}
		if err := json.Unmarshal(evalCtx.IterValue, &v); err != nil {
			return fmt.Errorf("decode iter.value: %w", err)
		}
		iter["value"] = v
	}
	if evalCtx.IterIndex != nil {
		iter["index"] = *evalCtx.IterIndex
	}
	if err := vm.Set("iter", iter); err != nil {
		return err
	}

	// results.<id> is a lazy loader: most transforms never reference a
	// given prior step, so we don't eagerly materialize the whole map.
	loader := evalCtx.ResultsLoader
	resultsGet := func(call goja.FunctionCall) goja.Value {
		if loader == nil || len(call.Arguments) == 0 {
			return goja.Undefined()
		}
		stepID := call.Arguments[0].String()
		raw, ok := loader(stepID)
		if !ok || len(raw) == 0 {
			return goja.Undefined()
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	}
	if err := vm.Set("__results_get", resultsGet); err != nil {
		return err
	}
	_, err := vm.RunString(`var results = new Proxy({}, { get: function(_, id){ return __results_get(id); } });`)
	return err
}

// EvaluateBool evaluates a boolean-producing expression (stop_after_if,
// loop stop conditions, branch predicates) against a result value.
func EvaluateBool(ctx context.Context, result json.RawMessage, expr string) (bool, error) {
	out, err := evalExpr(ctx, Context{Result: result}, expr, nil)
	if err != nil {
		return false, err
	}
	var b bool
	if err := json.Unmarshal(out, &b); err != nil {
		// JS truthiness: treat any non-empty, non-false/0 export as true.
		var v interface{}
		if uerr := json.Unmarshal(out, &v); uerr == nil {
			return truthy(v), nil
		}
		return false, err
	}
	return b, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

// EvaluateArray evaluates a ForLoopFlow iterator expression, which must
// yield a JSON array.
func EvaluateArray(ctx context.Context, evalCtx Context, expr string) ([]json.RawMessage, error) {
	out, err := evalExpr(ctx, evalCtx, expr, nil)
	if err != nil {
		return nil, err
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(out, &arr); err != nil {
		return nil, domain.NewFlowError(domain.ErrBadInput, fmt.Errorf("iterator expression did not yield an array: %w", err))
	}
	return arr, nil
}
