package domain

import "encoding/json"

// FlowDef is the immutable definition of a flow: an ordered sequence of
// modules plus optional preprocessor and failure modules. Once a version is
// written to flow_version it never changes; a new deploy creates a new
// version row instead.
type FlowDef struct {
	Modules      []Module `json:"modules"`
	FailureModule *Module `json:"failure_module,omitempty"`
	Preprocessor  *Module `json:"preprocessor_module,omitempty"`
}

// Module is one node of a flow: a stable id, a tagged-union value, and the
// optional policies that modify how the dispatcher treats it.
type Module struct {
	ID    string      `json:"id"`
	Value ModuleValue `json:"value"`

	StopAfterIf    *StopAfterIf `json:"stop_after_if,omitempty"`
	Retry          *RetryPolicy `json:"retry,omitempty"`
	SleepExpr      *Transform   `json:"sleep,omitempty"`
	Suspend        *SuspendSpec `json:"suspend,omitempty"`
	CacheTTLSecs   *int         `json:"cache_ttl,omitempty"`
	Mock           *MockSpec    `json:"mock,omitempty"`
	TimeoutSeconds *int         `json:"timeout,omitempty"`
	Priority       *int         `json:"priority,omitempty"`
	DeleteAfterUse bool         `json:"delete_after_use,omitempty"`
}

// ModuleKind discriminates the ModuleValue tagged union.
type ModuleKind string

const (
	ModuleScript       ModuleKind = "script"
	ModuleRawScript    ModuleKind = "raw_script"
	ModuleForLoop      ModuleKind = "for_loop_flow"
	ModuleWhileLoop    ModuleKind = "while_loop_flow"
	ModuleBranchOne    ModuleKind = "branch_one"
	ModuleBranchAll    ModuleKind = "branch_all"
	ModuleAIAgent      ModuleKind = "ai_agent"
	ModuleFlowRef      ModuleKind = "flow_ref"
)

// ModuleValue is the sum type of everything a module can be. Exactly one of
// the pointer fields matching Kind is populated; the rest are nil. This
// mirrors the "small common header plus variant payload" approach the spec
// recommends for tolerant, additive JSON evolution.
type ModuleValue struct {
	Kind ModuleKind `json:"type"`

	Script    *ScriptModule    `json:"script,omitempty"`
	RawScript *RawScriptModule `json:"raw_script,omitempty"`
	ForLoop   *ForLoopModule   `json:"for_loop,omitempty"`
	WhileLoop *WhileLoopModule `json:"while_loop,omitempty"`
	BranchOne *BranchOneModule `json:"branch_one,omitempty"`
	BranchAll *BranchAllModule `json:"branch_all,omitempty"`
	AIAgent   *AIAgentModule   `json:"ai_agent,omitempty"`
	FlowRef   *FlowRefModule   `json:"flow_ref,omitempty"`
}

type ScriptModule struct {
	Path            string               `json:"path,omitempty"`
	ContentHash     string               `json:"content_hash,omitempty"`
	TagOverride     string               `json:"tag_override,omitempty"`
	InputTransforms map[string]Transform `json:"input_transforms"`
}

type RawScriptModule struct {
	Content         string               `json:"content"`
	Language        string               `json:"language"`
	InputTransforms map[string]Transform `json:"input_transforms"`
}

type ForLoopModule struct {
	Iterator      Transform `json:"iterator"`
	Modules       []Module  `json:"modules"`
	SkipFailures  bool      `json:"skip_failures"`
	Parallel      bool      `json:"parallel"`
	Parallelism   *int      `json:"parallelism,omitempty"`
}

type WhileLoopModule struct {
	Modules []Module `json:"modules"`
}

type Branch struct {
	Predicate Transform `json:"predicate_expression"`
	Modules   []Module  `json:"modules"`
}

type BranchOneModule struct {
	Branches []Branch `json:"branches"`
	Default  []Module `json:"default"`
}

type BranchAllBranch struct {
	Modules     []Module `json:"modules"`
	SkipFailure bool     `json:"skip_failure"`
}

type BranchAllModule struct {
	Branches []BranchAllBranch `json:"branches"`
}

type ToolRef struct {
	// Exactly one of Module or MCPServer is set.
	Module    *Module `json:"module,omitempty"`
	MCPServer string  `json:"mcp_server,omitempty"`
	Include   []string `json:"include,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`
}

type AIAgentModule struct {
	Provider              string    `json:"provider"`
	Model                 string    `json:"model"`
	SystemPrompt          string    `json:"system_prompt"`
	UserMessage           Transform `json:"user_message"`
	Tools                 []ToolRef `json:"tools"`
	OutputSchema          json.RawMessage `json:"output_schema,omitempty"`
	MaxIterations         int       `json:"max_iterations,omitempty"`
	MemoryID              string    `json:"memory_id,omitempty"`
	MessagesContextLength int       `json:"messages_context_length,omitempty"`
	Stream                bool      `json:"stream,omitempty"`
}

type FlowRefModule struct {
	Path    string `json:"path"`
	Version int    `json:"version,omitempty"`
}

// TransformKind discriminates Static vs Javascript input transforms.
type TransformKind string

const (
	TransformStatic     TransformKind = "static"
	TransformJavascript TransformKind = "javascript"
)

type Transform struct {
	Kind       TransformKind   `json:"type"`
	StaticVal  json.RawMessage `json:"value,omitempty"`
	Expr       string          `json:"expr,omitempty"`
}

type StopAfterIf struct {
	Expr           string `json:"expr"`
	SkipIfStopped  bool   `json:"skip_if_stopped"`
}

// RetryPolicy combines a constant-delay phase with an exponential-backoff
// phase, bounded by MaxAttempts and MaxInterval.
type RetryPolicy struct {
	ConstantAttempts int     `json:"constant_attempts"`
	ConstantSeconds  int     `json:"constant_seconds"`
	ExponentialMultiplierSeconds int `json:"exponential_multiplier_seconds"`
	ExponentialBase  float64 `json:"exponential_base"`
	MaxAttempts      int     `json:"max_attempts"`
	Jitter           bool    `json:"jitter"`
}

type SuspendSpec struct {
	Count          int `json:"count"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

type MockSpec struct {
	Enabled     bool            `json:"enabled"`
	ReturnValue json.RawMessage `json:"return_value,omitempty"`
}
