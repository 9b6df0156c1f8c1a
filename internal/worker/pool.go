// Package worker implements the long-lived process that pulls job_queue
// rows and drives them to completion, adapted from the orchestrator's
// claim/heartbeat/panic-recovery job worker to this engine's richer set of
// job kinds (flow dispatch, AI agent iteration, external leaf execution).
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/flowforge/engine/internal/agent"
	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/flow/completion"
	"github.com/flowforge/engine/internal/flow/dispatcher"
	"github.com/flowforge/engine/internal/flow/status"
	"github.com/flowforge/engine/internal/flowdef"
	"github.com/flowforge/engine/internal/logging"
	"github.com/flowforge/engine/internal/metrics"
	"github.com/flowforge/engine/internal/platform/dbctx"
	"github.com/flowforge/engine/internal/queue"
)

// Config bounds the pool's polling/heartbeat/lease behavior; see
// config.WorkerConfig for where these are sourced from the environment.
type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
	Tags              []string
}

// Pool is the worker pool itself: N goroutines independently polling the
// same queue, safe because queue.Repo.Pull uses SKIP LOCKED.
type Pool struct {
	db         *gorm.DB
	log        *logging.Logger
	cfg        Config
	queue      queue.Repo
	defLoader  flowdef.Loader
	dispatcher *dispatcher.Dispatcher
	completion *completion.Handler
	agent      *agent.Runner
	executor   Executor
	workerID   string
}

func NewPool(db *gorm.DB, log *logging.Logger, cfg Config, q queue.Repo, defLoader flowdef.Loader, disp *dispatcher.Dispatcher, comp *completion.Handler, agentRunner *agent.Runner, exec Executor) *Pool {
	if exec == nil {
		exec = UnimplementedExecutor{}
	}
	return &Pool{
		db:         db,
		log:        log.With("component", "worker"),
		cfg:        cfg,
		queue:      q,
		defLoader:  defLoader,
		dispatcher: disp,
		completion: comp,
		agent:      agentRunner,
		executor:   exec,
		workerID:   uuid.NewString(),
	}
}

// Start launches cfg.Concurrency goroutines, each running an independent
// pull/execute loop until ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	n := p.cfg.Concurrency
	if n < 1 {
		n = 1
	}
	p.log.Info("starting worker pool", "concurrency", n, "tags", p.cfg.Tags)
	for i := 0; i < n; i++ {
		go p.runLoop(ctx, i+1)
	}
}

func (p *Pool) runLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.queue.Pull(dbctx.Context{Ctx: ctx, Tx: p.db}, p.workerID, p.cfg.Tags, p.cfg.LeaseTimeout)
			if err != nil {
				p.log.Warn("pull failed", "slot", slot, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			metrics.JobsPulled.WithLabelValues(string(job.Kind)).Inc()
			p.handle(ctx, slot, job)
		}
	}
}

func (p *Pool) handle(ctx context.Context, slot int, job *domain.Job) {
	stopHB := p.startHeartbeat(ctx, job.ID)
	defer stopHB()

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job handler panic", "slot", slot, "job_id", job.ID.String(), "panic", r)
			p.failLeaf(ctx, job, fmt.Sprintf("panic: %v", r))
		}
	}()

	var err error
	switch job.Kind {
	case domain.JobKindFlow, domain.JobKindRawFlow:
		err = p.handleFlow(ctx, job)
	case domain.JobKindAIAgent:
		err = p.handleAgent(ctx, job)
	default:
		err = p.handleLeaf(ctx, job)
	}
	if err != nil {
		p.log.Error("job handling failed", "slot", slot, "job_id", job.ID.String(), "kind", job.Kind, "error", err)
	}
}

// handleFlow runs one dispatcher pass for a freshly pulled (or rescheduled)
// flow job, inside a single transaction that both mutates flow_status and
// releases the row for a future pull (e.g. the next retry or suspend-
// timeout check).
func (p *Pool) handleFlow(ctx context.Context, job *domain.Job) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		def, err := p.defLoader.Load(dbc, job)
		if err != nil {
			return fmt.Errorf("load flow definition: %w", err)
		}

		fs, err := status.Unmarshal(job.FlowStatus)
		if err != nil {
			return fmt.Errorf("unmarshal flow status: %w", err)
		}
		if len(job.FlowStatus) == 0 {
			fs = domain.NewFlowStatus(def)
		}

		scopes := scopesFrom(job)

		if err := p.dispatcher.Dispatch(ctx, dbc, dispatcher.Input{
			FlowJob:      job,
			Def:          def,
			FlowStatus:   fs,
			LastResult:   json.RawMessage(job.Args),
			CallerScopes: scopes,
		}); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}

		fsJSON, err := status.Marshal(fs)
		if err != nil {
			return err
		}
		return p.queue.UpdatePatch(dbc, job.ID, map[string]interface{}{
			"flow_status":   datatypes.JSON(fsJSON),
			"scheduled_for": job.ScheduledFor,
			"running":       false,
		})
	})
}

func (p *Pool) handleAgent(ctx context.Context, job *domain.Job) error {
	dbc := dbctx.Context{Ctx: ctx, Tx: p.db}

	if job.ParentJob == nil {
		return fmt.Errorf("ai_agent job %s has no parent flow job", job.ID)
	}
	parent, err := p.queue.GetByID(dbc, *job.ParentJob)
	if err != nil {
		return fmt.Errorf("load parent flow job: %w", err)
	}
	if parent == nil {
		return nil
	}
	def, err := p.defLoader.Load(dbc, parent)
	if err != nil {
		return fmt.Errorf("load flow definition: %w", err)
	}
	fs, err := status.Unmarshal(parent.FlowStatus)
	if err != nil {
		return fmt.Errorf("unmarshal parent flow status: %w", err)
	}

	mod := findAgentModule(def, fs, job.ID)
	if mod == nil {
		return fmt.Errorf("ai_agent job %s: no module definition found", job.ID)
	}

	result, err := p.agent.Run(ctx, dbc, job, mod, json.RawMessage(job.Args), scopesFrom(parent))
	if err != nil {
		return err
	}
	resultJSON := result.Content
	if !result.Success && resultJSON == nil {
		resultJSON = json.RawMessage("null")
	}
	return p.completion.Complete(ctx, dbc, job.ID, resultJSON, result.Success, result.Error, false)
}

func (p *Pool) handleLeaf(ctx context.Context, job *domain.Job) error {
	dbc := dbctx.Context{Ctx: ctx, Tx: p.db}
	result, success, errMsg := p.executor.Execute(ctx, job)
	if result == nil {
		result = json.RawMessage("null")
	}
	return p.completion.Complete(ctx, dbc, job.ID, result, success, errMsg, false)
}

func (p *Pool) failLeaf(ctx context.Context, job *domain.Job, errMsg string) {
	dbc := dbctx.Context{Ctx: ctx, Tx: p.db}
	_ = p.completion.Complete(ctx, dbc, job.ID, json.RawMessage("null"), false, errMsg, false)
}

func (p *Pool) startHeartbeat(ctx context.Context, jobID uuid.UUID) func() {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(p.cfg.HeartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = p.queue.Heartbeat(dbctx.Context{Ctx: ctx, Tx: p.db}, jobID)
			}
		}
	}()
	return func() { close(done) }
}

func scopesFrom(job *domain.Job) domain.ScopeSet {
	if len(job.CallerPermissions) == 0 {
		return nil
	}
	var raw []string
	if err := json.Unmarshal(job.CallerPermissions, &raw); err != nil {
		return nil
	}
	return domain.ParseScopeSet(raw)
}

// findAgentModule locates the AIAgentModule definition that owns the given
// dispatched child job id, searching the same candidate slots
// completion.locateModule does (preprocessor, main modules, failure module).
func findAgentModule(def *domain.FlowDef, fs *domain.FlowStatus, jobID uuid.UUID) *domain.AIAgentModule {
	check := func(ms *domain.ModuleStatus, m *domain.Module) *domain.AIAgentModule {
		if ms == nil || m == nil || m.Value.Kind != domain.ModuleAIAgent {
			return nil
		}
		if ms.Job == jobID {
			return m.Value.AIAgent
		}
		return nil
	}
	if v := check(fs.PreprocessorModule, def.Preprocessor); v != nil {
		return v
	}
	for i, ms := range fs.Modules {
		if i >= len(def.Modules) {
			break
		}
		if v := check(ms, &def.Modules[i]); v != nil {
			return v
		}
	}
	if fs.FailureModule != nil {
		if v := check(fs.FailureModule.ModuleStatus, def.FailureModule); v != nil {
			return v
		}
	}
	return nil
}
