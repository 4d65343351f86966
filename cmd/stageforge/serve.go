package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	sfhttp "github.com/Strob0t/StageForge/internal/adapter/http"
	sfotel "github.com/Strob0t/StageForge/internal/adapter/otel"
	"github.com/Strob0t/StageForge/internal/adapter/ws"
	"github.com/Strob0t/StageForge/internal/config"
	"github.com/Strob0t/StageForge/internal/fanout"
	"github.com/Strob0t/StageForge/internal/logger"
	"github.com/Strob0t/StageForge/internal/middleware"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
	"github.com/Strob0t/StageForge/internal/service"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API and the /ws observer socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	log, closer := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closer.Close()

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store", cfg.Store.Driver,
		"queue", cfg.Dispatcher.Queue,
		"llm_provider", cfg.LLM.Provider,
		"workers", cfg.Dispatcher.Workers,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := sfotel.Init(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	mux := fanout.New(fanout.DefaultBuffer)
	a, err := buildApp(ctx, cfg, mux)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			slog.Error("close components", "error", err)
		}
	}()

	if cfg.OTEL.Enabled {
		metrics, err := sfotel.NewMetrics()
		if err != nil {
			return fmt.Errorf("otel metrics: %w", err)
		}
		a.orchestrator.SetMetrics(metrics)
	}

	dispatcher := service.NewDispatcherService(a.queue, a.orchestrator, cfg.Dispatcher.Workers, cfg.Dispatcher.QueueSize)
	a.tasks.SetSubmitter(dispatcher)
	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	// Every instance evicts its own L1 entry, so run.finished is broadcast.
	subscribeFinished := a.queue.Subscribe
	if a.nats != nil {
		subscribeFinished = a.nats.SubscribeAll
	}
	cancelFinished, err := subscribeFinished(ctx, messagequeue.SubjectRunFinished, a.tasks.HandleRunFinished)
	if err != nil {
		_ = dispatcher.Stop()
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectRunFinished, err)
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst, middleware.ByOwner)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(cfg, a, mux, limiter),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		limiter.Run(gctx, cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
		return nil
	})
	g.Go(func() error {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	serveErr := g.Wait()

	// In-flight runs finish before the queue and store go away.
	if err := dispatcher.Stop(); err != nil {
		slog.Error("dispatcher stop", "error", err)
	}
	cancelFinished()
	if err := a.queue.Drain(); err != nil {
		slog.Error("queue drain", "error", err)
	}
	slog.Info("server stopped")
	return serveErr
}

func newRouter(cfg *config.Config, a *app, mux *fanout.Multiplexer, limiter *middleware.RateLimiter) http.Handler {
	r := chi.NewRouter()
	r.Use(sfotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(middleware.OwnerID)
	r.Use(sfhttp.AccessLog)
	r.Use(chimw.Recoverer)
	r.Use(sfhttp.SecurityHeaders)
	r.Use(sfhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(limiter.Handler)

	health := []sfhttp.HealthCheck{
		{Name: "store", Critical: true, Check: a.store.Ping},
		{Name: "queue", Critical: true, Check: func(context.Context) error {
			if !a.queue.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}},
	}
	if a.modelPing != nil {
		health = append(health, sfhttp.HealthCheck{Name: "model", Check: a.modelPing})
	}

	sfhttp.MountRoutes(r, &sfhttp.Handlers{
		Tasks:  a.tasks,
		Models: a.models,
		Health: health,
		WS:     ws.NewHandler(mux),
	})
	return r
}
