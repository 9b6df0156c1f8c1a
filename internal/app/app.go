// Package app wires the engine's components into a runnable process,
// the way the reference backend's internal/app package composes repos,
// services and handlers into one App value. cmd/server and cmd/worker
// each build an App and then choose which of Run/StartWorkers to call.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/engine/internal/agent"
	"github.com/flowforge/engine/internal/agent/memory"
	"github.com/flowforge/engine/internal/agent/providers/anthropic"
	"github.com/flowforge/engine/internal/agent/providers/bedrock"
	"github.com/flowforge/engine/internal/api"
	"github.com/flowforge/engine/internal/cache"
	"github.com/flowforge/engine/internal/config"
	"github.com/flowforge/engine/internal/flow/completion"
	"github.com/flowforge/engine/internal/flow/dispatcher"
	"github.com/flowforge/engine/internal/flowdef"
	"github.com/flowforge/engine/internal/logging"
	"github.com/flowforge/engine/internal/metrics"
	"github.com/flowforge/engine/internal/platform/db"
	"github.com/flowforge/engine/internal/queue"
	"github.com/flowforge/engine/internal/worker"

	"github.com/gin-gonic/gin"
)

type App struct {
	Log    *logging.Logger
	Cfg    config.Config
	PG     *db.Service
	Redis  *redis.Client
	Router *gin.Engine
	Pool   *worker.Pool

	cancel context.CancelFunc
}

func New() (*App, error) {
	cfg := config.Load()

	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	pg, err := db.Open(cfg.Postgres, log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Migrate(context.Background(), pg.SQL(), dbNameFromDSN(cfg.Postgres.DSN), log); err != nil {
		log.Sync()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})

	metrics.Register(nil)

	q := queue.NewRepo(pg.DB(), log)
	c := cache.New(rdb)
	defLoader := flowdef.NewLoader(pg.DB())
	disp := dispatcher.New(q, c, log)
	comp := completion.New(q, disp, defLoader, log)
	mem := memory.NewStore(pg.DB())

	providers := wireProviders(context.Background(), cfg.AI, log)
	agentRunner := agent.NewRunner(q, mem, providers, log)

	exec := worker.UnimplementedExecutor{}
	pool := worker.NewPool(pg.DB(), log, worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		LeaseTimeout:      cfg.Worker.LeaseTimeout,
		Tags:              cfg.Worker.Tags,
	}, q, defLoader, disp, comp, agentRunner, exec)

	jobHandler := api.NewJobHandler(pg.DB(), q, log)
	router := api.NewRouter(api.RouterConfig{JobHandler: jobHandler, Log: log})

	return &App{
		Log:    log,
		Cfg:    cfg,
		PG:     pg,
		Redis:  rdb,
		Router: router,
		Pool:   pool,
	}, nil
}

func wireProviders(ctx context.Context, cfg config.AIConfig, log *logging.Logger) map[string]agent.Provider {
	providers := map[string]agent.Provider{}
	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicModel, anthropic.WithExtraHeaders(cfg.HTTPHeaders))
	}
	if cfg.BedrockRegion != "" {
		if bc, err := bedrock.New(ctx, cfg.BedrockRegion, cfg.AnthropicModel); err != nil {
			log.Warn("bedrock provider unavailable", "error", err)
		} else {
			providers["bedrock"] = bc
		}
	}
	return providers
}

// StartWorkers launches the worker pool's background goroutines. Safe to
// call alongside Run in the same process (a combined server+worker
// deployment) or on its own (a worker-only container).
func (a *App) StartWorkers() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.Pool.Start(ctx)
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.PG != nil {
		_ = a.PG.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

func dbNameFromDSN(dsn string) string {
	for i := len(dsn) - 1; i >= 0; i-- {
		if dsn[i] == '/' {
			name := dsn[i+1:]
			for j, r := range name {
				if r == '?' {
					return name[:j]
				}
			}
			return name
		}
	}
	return "flowengine"
}
