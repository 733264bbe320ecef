// Package main provides the adherence API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/api/handlers"
	"github.com/medimeet/adherence/internal/api/middleware"
	"github.com/medimeet/adherence/internal/app"
	"github.com/medimeet/adherence/internal/config"
	"github.com/medimeet/adherence/internal/engine"
	"github.com/medimeet/adherence/internal/jobs"
	"github.com/medimeet/adherence/internal/observability/logging"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/observability/tracing"
)

const serviceName = "adherence-api"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg.Tracing.ServiceName = serviceName
	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	clock := clockwork.NewRealClock()

	storage, err := app.OpenStorage(ctx, cfg.Database, clock, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer storage.Close()

	bus := engine.NewBus(logger.Named("bus"))
	manager := engine.NewManager(storage.Store, bus, clock, m, logger)

	sender, breakers, err := app.NewSender(cfg.Messaging, m, logger)
	if err != nil {
		logger.Fatal("messaging init failed", zap.Error(err))
	}
	aggregator, err := engine.NewAggregator(cfg.Escalation, storage.Store, sender, clock, m, logger.Named("escalation"))
	if err != nil {
		logger.Fatal("escalation init failed", zap.Error(err))
	}
	aggregator.Start()
	detach := aggregator.Attach(bus)

	var evaluator *engine.Evaluator
	if cfg.Server.RunEvaluator {
		evaluator = engine.NewEvaluator(cfg.Engine, engine.AllPatients(), storage.Store, manager, nil, clock, m, logger.Named("evaluator"))
		if err := evaluator.Start(ctx); err != nil {
			logger.Fatal("evaluator start failed", zap.Error(err))
		}
	}

	scheduler, err := jobs.New(clock, logger.Named("jobs"))
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	if err := scheduler.Add(jobs.EscalationSweep(aggregator, cfg.Escalation.SweepInterval)); err != nil {
		logger.Fatal("schedule sweep failed", zap.Error(err))
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":           "healthy",
			"service":          serviceName,
			"circuit_breakers": breakers.Health(),
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := storage.Ping(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Auth.Clients()))
		r.Mount("/", handlers.NewHandler(storage.Store, manager, clock, logger).Routes())
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting adherence API", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if evaluator != nil {
		evaluator.Stop()
	}
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}
	detach()
	if err := aggregator.Stop(); err != nil {
		logger.Error("escalation drain error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("server stopped")
}
