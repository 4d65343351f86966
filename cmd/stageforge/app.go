package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/StageForge/internal/adapter/eino"
	"github.com/Strob0t/StageForge/internal/adapter/memqueue"
	sfnats "github.com/Strob0t/StageForge/internal/adapter/nats"
	"github.com/Strob0t/StageForge/internal/adapter/natskv"
	"github.com/Strob0t/StageForge/internal/adapter/ollama"
	"github.com/Strob0t/StageForge/internal/adapter/postgres"
	"github.com/Strob0t/StageForge/internal/adapter/ristretto"
	"github.com/Strob0t/StageForge/internal/adapter/sqlite"
	"github.com/Strob0t/StageForge/internal/adapter/tiered"
	"github.com/Strob0t/StageForge/internal/agent"
	"github.com/Strob0t/StageForge/internal/config"
	"github.com/Strob0t/StageForge/internal/port/broadcast"
	"github.com/Strob0t/StageForge/internal/port/cache"
	"github.com/Strob0t/StageForge/internal/port/database"
	"github.com/Strob0t/StageForge/internal/port/llm"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
	"github.com/Strob0t/StageForge/internal/process"
	"github.com/Strob0t/StageForge/internal/resilience"
	"github.com/Strob0t/StageForge/internal/service"
	"github.com/Strob0t/StageForge/internal/workspace"
)

// app holds the wired components shared by serve and run.
type app struct {
	cfg   *config.Config
	store database.Store
	queue messagequeue.Queue
	nats  *sfnats.Queue

	llm       llm.Client
	models    llm.ModelLister
	modelPing func(ctx context.Context) error

	tasks        *service.TaskService
	orchestrator *service.OrchestratorService

	closers []func() error
}

// buildApp wires storage, queue, cache and the pipeline. Events narrated by
// the stages are handed to pub.
func buildApp(ctx context.Context, cfg *config.Config, pub broadcast.Publisher) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	switch cfg.Dispatcher.Queue {
	case "nats":
		if a.nats, err = sfnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream); err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		a.queue = a.nats
	default:
		a.queue = memqueue.New(cfg.Dispatcher.QueueSize)
	}
	a.closers = append(a.closers, a.queue.Close)

	taskCache, err := a.buildCache(ctx)
	if err != nil {
		return nil, err
	}

	if err := a.buildLLM(); err != nil {
		return nil, err
	}

	ws, err := workspace.NewManager(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	a.tasks = service.NewTaskService(a.store, taskCache, cfg.Cache.L2TTL, cfg.LLM.DefaultModel)
	sink := service.NewRunSink(a.tasks, pub, cfg.Pipeline.PersistEvents, cfg.Pipeline.LogMessageLen)
	deps := agent.Deps{
		LLM:        a.llm,
		Runner:     process.NewRunner(cfg.Pipeline.MaxProcesses),
		Workspaces: ws,
		Sink:       sink,
		Settings:   agentSettings(cfg),
	}
	a.orchestrator = service.NewOrchestratorService(a.tasks, sink, service.DefaultStages(deps), &cfg.Pipeline, cfg.LLM.DefaultModel)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		slog.Info("postgres connected")
		return postgres.NewStore(pool), nil
	default:
		s, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		slog.Info("sqlite opened", "path", cfg.SQLite.Path)
		return s, nil
	}
}

// buildCache returns the task cache: ristretto in process, backed by a
// JetStream KV bucket when the queue is NATS so instances share evictions.
func (a *app) buildCache(ctx context.Context) (cache.Cache, error) {
	l1, err := ristretto.New(a.cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	a.closers = append(a.closers, func() error { l1.Close(); return nil })

	if a.nats == nil || a.cfg.Cache.L2Bucket == "" {
		return tiered.New(l1, nil, a.cfg.Cache.L2TTL), nil
	}
	kv, err := a.nats.KeyValue(ctx, a.cfg.Cache.L2Bucket, a.cfg.Cache.L2TTL)
	if err != nil {
		return nil, fmt.Errorf("cache kv: %w", err)
	}
	return tiered.New(l1, natskv.New(kv), a.cfg.Cache.L2TTL), nil
}

func (a *app) buildLLM() error {
	cfg := a.cfg.LLM
	breaker := resilience.NewBreaker(a.cfg.Breaker.MaxFailures, a.cfg.Breaker.Timeout)

	switch cfg.Provider {
	case eino.ProviderOllama, eino.ProviderOpenAI:
		factory, err := eino.NewFactory(cfg.Provider, cfg.BaseURL, cfg.APIKey)
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		c := eino.NewClient(factory)
		c.SetBreaker(breaker)
		a.llm = c
		if cfg.Provider == eino.ProviderOllama {
			tags := ollama.NewClient(cfg.BaseURL)
			a.models, a.modelPing = tags, tags.Ping
		}
	default:
		c := ollama.NewClient(cfg.BaseURL)
		c.SetBreaker(breaker)
		a.llm, a.models, a.modelPing = c, c, c.Ping
	}
	return nil
}

func agentSettings(cfg *config.Config) agent.Settings {
	return agent.Settings{
		QueryTimeout:  cfg.LLM.QueryTimeout,
		TestTimeout:   cfg.Pipeline.TestTimeout,
		DeployTimeout: cfg.Pipeline.DeployTimeout,
		PreviewLen:    cfg.Pipeline.PreviewLen,
		PythonBin:     cfg.Pipeline.PythonBin,
		CommitMessage: cfg.Pipeline.CommitMessage,
		AuthorName:    cfg.Pipeline.AuthorName,
		AuthorEmail:   cfg.Pipeline.AuthorEmail,
	}
}

// close releases components in reverse construction order.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
