package transform

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/flowforge/engine/internal/domain"
)

func TestBuildArgsStaticThenJavascript(t *testing.T) {
	transforms := map[string]domain.Transform{
		"a": {Kind: domain.TransformStatic, StaticVal: json.RawMessage(`2`)},
		"b": {Kind: domain.TransformJavascript, Expr: "params.a + 3"},
	}
	out, err := BuildArgs(context.Background(), Context{}, transforms)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	if string(out["a"]) != "2" {
		t.Fatalf("expected a=2, got %s", out["a"])
	}
	if string(out["b"]) != "5" {
		t.Fatalf("expected b=5, got %s", out["b"])
	}
}

func TestBuildArgsReferencesIterator(t *testing.T) {
	idx := 1
	evalCtx := Context{IterValue: json.RawMessage(`3`), IterIndex: &idx}
	transforms := map[string]domain.Transform{
		"doubled": {Kind: domain.TransformJavascript, Expr: "iter.value * 2"},
	}
	out, err := BuildArgs(context.Background(), evalCtx, transforms)
	if err != nil {
		t.Fatalf("BuildArgs: %v", err)
	}
	if string(out["doubled"]) != "6" {
		t.Fatalf("expected doubled=6, got %s", out["doubled"])
	}
}

func TestBuildArgsBadExpressionFailsAsBadInput(t *testing.T) {
	transforms := map[string]domain.Transform{
		"x": {Kind: domain.TransformJavascript, Expr: "this is not valid js (("},
	}
	_, err := BuildArgs(context.Background(), Context{}, transforms)
	if err == nil {
		t.Fatalf("expected error for invalid expression")
	}
	fe, ok := err.(*domain.FlowError)
	if !ok || fe.Kind != domain.ErrBadInput {
		t.Fatalf("expected BadInput FlowError, got %v", err)
	}
}

func TestEvaluateBoolOnResult(t *testing.T) {
	ok, err := EvaluateBool(context.Background(), json.RawMessage(`-5`), "result < 0")
	if err != nil {
		t.Fatalf("EvaluateBool: %v", err)
	}
	if !ok {
		t.Fatalf("expected true for -5 < 0")
	}
}

func TestEvaluateArrayRequiresArray(t *testing.T) {
	arr, err := EvaluateArray(context.Background(), Context{PreviousResult: json.RawMessage(`[1,2,3]`)}, "previous_result")
	if err != nil {
		t.Fatalf("EvaluateArray: %v", err)
	}
	if len(arr) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(arr))
	}

	if _, err := EvaluateArray(context.Background(), Context{PreviousResult: json.RawMessage(`42`)}, "previous_result"); err == nil {
		t.Fatalf("expected error for non-array iterator result")
	}
}
