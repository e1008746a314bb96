package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"aimigrate/pkg/bus"
	"aimigrate/pkg/render"
	"aimigrate/pkg/telemetry"
	"aimigrate/services/migration/api"
	"aimigrate/services/migration/internal/app"
	"aimigrate/services/migration/internal/config"
	"aimigrate/services/migration/platform"
	"aimigrate/services/migration/worker"
)

func main() {
	if err := run("migrationd"); err != nil {
		fmt.Fprintf(os.Stderr, "migrationd: %v\n", err)
		os.Exit(1)
	}
}

func run(serviceName string) error {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATSURL == "" {
		return errors.New("NATS_URL is required")
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	eventBus, err := bus.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer eventBus.Close()
	if err := eventBus.EnsureStream(worker.StreamName, append(worker.Subjects(), platform.SubjectAssetOwned)...); err != nil {
		return fmt.Errorf("ensure stream: %w", err)
	}

	a, err := app.New(ctx, cfg, app.Options{Publisher: eventBus, Logger: logger, RequireDB: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Error().Err(err).Msg("wait for model copies")
		}
	}()

	index, err := platform.NewProjectIndex(a.DB)
	if err != nil {
		return err
	}
	indexer, err := platform.NewIndexer(index, eventBus, logger)
	if err != nil {
		return err
	}
	if err := indexer.Start(ctx); err != nil {
		return fmt.Errorf("start indexer: %w", err)
	}
	defer indexer.Close()

	runs, err := worker.NewGormRunStore(a.ORM)
	if err != nil {
		return err
	}
	w, err := worker.New(a.Orchestrator, runs, eventBus, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	defer w.Close()

	engine, err := render.New()
	if err != nil {
		return err
	}
	handlers, err := api.New(runs, eventBus, a.Orchestrator, engine)
	if err != nil {
		return err
	}
	apiRoutes, err := handlers.Routes()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		a.Metrics,
	)

	r := chi.NewRouter()
	r.Get("/healthz", healthHandler)
	r.Get("/readyz", readyHandler(a, eventBus, logger))
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Mount("/", apiRoutes)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", server.Addr).Str("base_dir", cfg.BaseDir).Msg("listening")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server failed")
		return err
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type readiness interface {
	Connected() bool
}

func readyHandler(a *app.App, b readiness, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Ready(ctx); err != nil {
			logger.Warn().Err(err).Msg("database not ready")
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if !b.Connected() {
			http.Error(w, "nats unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
