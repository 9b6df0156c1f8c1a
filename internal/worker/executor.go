package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforge/engine/internal/domain"
)

// Executor runs a leaf job (script, raw_script, flow_dependencies, preview)
// to completion. Per-language script execution is an external collaborator
// this engine only specifies the contract for (see Non-goals); production
// wiring plugs in the real sandboxed runner, CLI/UI packaging, etc.
type Executor interface {
	Execute(ctx context.Context, job *domain.Job) (result json.RawMessage, success bool, errMsg string)
}

// UnimplementedExecutor fails every job it is asked to run, with a message
// identifying the missing seam rather than silently no-oping. Wire a real
// Executor in app.New for an actual deployment.
type UnimplementedExecutor struct{}

func (UnimplementedExecutor) Execute(_ context.Context, job *domain.Job) (json.RawMessage, bool, string) {
	return nil, false, fmt.Sprintf("no executor registered for job kind %q", job.Kind)
}
