package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/engine/internal/agent/memory"
	"github.com/flowforge/engine/internal/domain"
	flowscope "github.com/flowforge/engine/internal/flow/scope"
	"github.com/flowforge/engine/internal/flow/transform"
	"github.com/flowforge/engine/internal/logging"
	"github.com/flowforge/engine/internal/platform/dbctx"
	"github.com/flowforge/engine/internal/queue"
)

// defaultMaxIterations and hardIterationCap implement the bounds in §4.6
// step 3 / §5's agent iteration limit.
const (
	defaultMaxIterations = 10
	hardIterationCap     = 1000
	structuredOutputTool = "structured_output"
	pollInterval         = 500 * time.Millisecond
)

// Runner drives a single ai_agent module's iteration loop. One Runner is
// shared across jobs; Run holds all per-invocation state locally so it is
// safe for concurrent workers.
type Runner struct {
	Queue     queue.Repo
	Memory    memory.Store
	Providers map[string]Provider
	Log       *logging.Logger
}

func NewRunner(q queue.Repo, mem memory.Store, providers map[string]Provider, log *logging.Logger) *Runner {
	return &Runner{Queue: q, Memory: mem, Providers: providers, Log: log.With("component", "agent")}
}

// Result is what Run hands back to the caller (the worker loop), which then
// calls completion.Handler.Complete with it exactly as it would for any
// other leaf job.
type Result struct {
	Success bool
	Content json.RawMessage
	Error   string
	Actions []domain.AgentAction
}

// Run executes §4.6 end to end for one ai_agent job.
func (r *Runner) Run(ctx context.Context, dbc dbctx.Context, job *domain.Job, mod *domain.AIAgentModule, flowInput json.RawMessage, scopes domain.ScopeSet) (Result, error) {
	provider, ok := r.Providers[mod.Provider]
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown agent provider %q", mod.Provider)}, nil
	}

	tools, toolsByName, err := loadTools(mod)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}
	if mod.OutputSchema != nil {
		tools = append(tools, ToolDef{Name: structuredOutputTool, Description: "Call this last with the final structured result.", Schema: mod.OutputSchema})
	}

	messages, err := r.initConversation(dbc, mod, flowInput)
	if err != nil {
		return Result{Success: false, Error: err.Error()}, nil
	}

	maxIter := mod.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	if maxIter > hardIterationCap {
		maxIter = hardIterationCap
	}

	var actions []domain.AgentAction
	var finalContent json.RawMessage

	for iter := 0; iter < maxIter; iter++ {
		if canceled, cerr := r.isCanceled(dbc, job.ID); cerr == nil && canceled {
			return Result{Success: false, Error: "canceled", Actions: actions}, nil
		}

		resp, err := r.complete(ctx, provider, Request{
			Model:    mod.Model,
			System:   mod.SystemPrompt,
			Messages: messages,
			Tools:    tools,
			Stream:   mod.Stream,
		})
		if err != nil {
			return Result{Success: false, Error: err.Error(), Actions: actions}, nil
		}

		if len(resp.ToolCalls) == 0 {
			finalContent, _ = json.Marshal(resp.Content)
			break
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		done := false
		for _, call := range resp.ToolCalls {
			if call.Name == structuredOutputTool {
				finalContent = call.Args
				done = true
				break
			}

			action := domain.AgentAction{Kind: domain.AgentActionToolCall, FunctionName: call.Name, Args: call.Args}
			result, terr := r.dispatchTool(ctx, dbc, job, toolsByName, call, scopes)
			if terr != nil {
				action.Error = terr.Error()
				actions = append(actions, action)
				messages = append(messages, Message{Role: RoleTool, ToolCallID: call.ID, Content: "error: " + terr.Error()})
				continue
			}
			action.Result = result
			actions = append(actions, action)
			messages = append(messages, Message{Role: RoleTool, ToolCallID: call.ID, Content: string(result)})
		}
		if done {
			break
		}
	}

	if finalContent == nil {
		return Result{Success: false, Error: "agent exceeded max_iterations without a final answer", Actions: actions}, nil
	}

	if mod.MemoryID != "" {
		r.persistMemory(dbc, job.Workspace, mod, messages)
	}

	return Result{Success: true, Content: finalContent, Actions: actions}, nil
}

func (r *Runner) complete(ctx context.Context, provider Provider, req Request) (Response, error) {
	resp, err := provider.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}
	var authErr *AuthError
	if !isAuthError(err, &authErr) {
		return Response{}, err
	}
	if rerr := provider.Refresh(); rerr != nil {
		return Response{}, fmt.Errorf("refresh credentials after auth error: %w", err)
	}
	return provider.Complete(ctx, req)
}

func isAuthError(err error, target **AuthError) bool {
	ae, ok := err.(*AuthError)
	if ok {
		*target = ae
	}
	return ok
}

func (r *Runner) initConversation(dbc dbctx.Context, mod *domain.AIAgentModule, flowInput json.RawMessage) ([]Message, error) {
	var messages []Message
	if mod.MemoryID != "" && r.Memory != nil {
		if raw, err := r.Memory.Load(dbc, mod.MemoryID); err == nil && len(raw) > 0 {
			_ = json.Unmarshal(raw, &messages)
		}
	}

	userArgs, err := transform.BuildArgs(dbc.Ctx, transform.Context{FlowInput: flowInput}, map[string]domain.Transform{"user_message": mod.UserMessage})
	if err != nil {
		return nil, fmt.Errorf("resolve user_message: %w", err)
	}
	var userText string
	_ = json.Unmarshal(userArgs["user_message"], &userText)
	messages = append(messages, Message{Role: RoleUser, Content: userText})
	return messages, nil
}

func (r *Runner) isCanceled(dbc dbctx.Context, jobID uuid.UUID) (bool, error) {
	job, err := r.Queue.GetByID(dbc, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		// Already completed/removed from job_queue; treat as not-canceled so
		// the caller's current tool-call wait loop can still observe its
		// own completion row.
		return false, nil
	}
	return job.Canceled, nil
}

func (r *Runner) persistMemory(dbc dbctx.Context, workspace string, mod *domain.AIAgentModule, messages []Message) {
	window := messages
	if mod.MessagesContextLength > 0 && len(messages) > mod.MessagesContextLength {
		window = messages[len(messages)-mod.MessagesContextLength:]
	}
	raw, err := json.Marshal(window)
	if err != nil {
		return
	}
	if err := r.Memory.Save(dbc, workspace, mod.MemoryID, raw); err != nil {
		r.Log.Warn("failed to persist agent memory", "memory_id", mod.MemoryID, "error", err)
	}
}

// dispatchTool pushes a tool call as a child job of the agent job, per
// §4.6 step 3d, and polls until it completes.
func (r *Runner) dispatchTool(ctx context.Context, dbc dbctx.Context, job *domain.Job, toolsByName map[string]*domain.Module, call ToolCall, scopes domain.ScopeSet) (json.RawMessage, error) {
	toolMod, ok := toolsByName[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", call.Name)
	}

	kind, resource := toolDispatchTarget(toolMod)
	if scopes != nil {
		if err := flowscope.Check(scopes, flowscope.DispatchRequest{Kind: kind, Resource: resource}); err != nil {
			return nil, err
		}
	}

	rootJob := job.RootJob
	if rootJob == nil {
		rootJob = &job.ID
	}
	child, err := r.Queue.Push(dbc, queue.PushInput{
		Workspace:   job.Workspace,
		ParentJob:   &job.ID,
		RootJob:     rootJob,
		Kind:        kind,
		RunnableRef: resource,
		Args:        datatypes.JSON(call.Args),
		IsFlowStep:  false,
		Tag:         job.Tag,
	})
	if err != nil {
		return nil, fmt.Errorf("push tool call: %w", err)
	}

	for {
		if canceled, _ := r.isCanceled(dbc, job.ID); canceled {
			_ = r.Queue.Cancel(dbc, child.ID, "agent canceled")
			return nil, fmt.Errorf("canceled")
		}
		cj, err := r.Queue.GetCompleted(dbc, child.ID)
		if err != nil {
			return nil, err
		}
		if cj != nil {
			if !cj.Success {
				reason := cj.Logs
				if reason == "" {
					reason = cj.CanceledReason
				}
				return nil, fmt.Errorf("tool %q failed: %s", call.Name, reason)
			}
			return json.RawMessage(cj.Result), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func toolDispatchTarget(m *domain.Module) (domain.JobKind, string) {
	switch m.Value.Kind {
	case domain.ModuleScript:
		return domain.JobKindScript, m.Value.Script.Path
	case domain.ModuleRawScript:
		return domain.JobKindRawScript, ""
	case domain.ModuleFlowRef:
		return domain.JobKindFlow, m.Value.FlowRef.Path
	default:
		return domain.JobKindScript, ""
	}
}

// loadTools derives a JSON schema per declared tool. Module tools are wired
// to real schemas, built from the tool module's declared input_transforms
// keys, matching the "derive from the script's declared parameters filtered
// by the user's input-transform selections" rule loosely (the engine does
// not have a separate script-parameter registry, so every transform key
// becomes a free-form schema property).
//
// MCP tool refs have no client to enumerate remote tools against, so rather
// than silently running the step with that tool missing, an MCP-only ref
// fails the agent step loudly: a failed dispatch is recoverable (retry,
// failure module) in a way a quietly-incomplete toolset is not.
func loadTools(mod *domain.AIAgentModule) ([]ToolDef, map[string]*domain.Module, error) {
	defs := make([]ToolDef, 0, len(mod.Tools))
	byName := make(map[string]*domain.Module, len(mod.Tools))
	for _, t := range mod.Tools {
		if t.Module == nil {
			if t.MCPServer != "" {
				return nil, nil, fmt.Errorf("tool references mcp server %q: no mcp client is wired to enumerate its tools", t.MCPServer)
			}
			continue
		}
		schema := schemaFromTransforms(inputTransformKeys(t.Module))
		defs = append(defs, ToolDef{Name: t.Module.ID, Description: "", Schema: schema})
		byName[t.Module.ID] = t.Module
	}
	return defs, byName, nil
}

func inputTransformKeys(m *domain.Module) []string {
	var transforms map[string]domain.Transform
	switch m.Value.Kind {
	case domain.ModuleScript:
		transforms = m.Value.Script.InputTransforms
	case domain.ModuleRawScript:
		transforms = m.Value.RawScript.InputTransforms
	}
	keys := make([]string, 0, len(transforms))
	for k := range transforms {
		keys = append(keys, k)
	}
	return keys
}

func schemaFromTransforms(keys []string) json.RawMessage {
	props := map[string]interface{}{}
	for _, k := range keys {
		props[k] = map[string]interface{}{}
	}
	schema := map[string]interface{}{"type": "object", "properties": props}
	raw, _ := json.Marshal(schema)
	return raw
}
