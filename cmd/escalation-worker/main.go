// Package main provides the escalation worker entry point. It consumes dose
// events from the broker and alerts caregivers once a patient misses enough
// doses in a day.
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
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/app"
	"github.com/medimeet/adherence/internal/config"
	"github.com/medimeet/adherence/internal/engine"
	"github.com/medimeet/adherence/internal/infrastructure/redpanda"
	"github.com/medimeet/adherence/internal/jobs"
	"github.com/medimeet/adherence/internal/observability/logging"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/observability/tracing"
	"github.com/medimeet/adherence/pkg/idempotency"
)

const serviceName = "escalation-worker"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	httpAddr := flag.String("http-addr", ":9092", "address serving /health and /metrics")
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

	storage, err := app.RequirePool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer storage.Close()

	sender, breakers, err := app.NewSender(cfg.Messaging, m, logger)
	if err != nil {
		logger.Fatal("messaging init failed", zap.Error(err))
	}
	aggregator, err := engine.NewAggregator(cfg.Escalation, storage.Store, sender, clock, m, logger.Named("escalation"))
	if err != nil {
		logger.Fatal("escalation init failed", zap.Error(err))
	}
	aggregator.Start()

	inbox := idempotency.NewInbox(storage.Pool, cfg.Inbox, logger)
	handler := &eventHandler{inbox: inbox, evaluator: aggregator, logger: logger}

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup),
		handler.handle, m.EventsConsumed, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start(ctx)
	logger.Info("consuming dose events",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.ConsumerGroup))

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client failed", zap.Error(err))
	}
	defer admin.Close()

	scheduler, err := jobs.New(clock, logger.Named("jobs"))
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	for _, task := range []jobs.Task{
		jobs.EscalationSweep(aggregator, cfg.Escalation.SweepInterval),
		jobs.InboxRecovery(inbox, cfg.Jobs.InboxRecovery, logger),
		jobs.ConsumerLag(admin, cfg.Kafka.ConsumerGroup, 1000, cfg.Jobs.MetricsRefresh, logger),
	} {
		if err := scheduler.Add(task); err != nil {
			logger.Fatal("schedule job failed", zap.String("job", task.Name), zap.Error(err))
		}
	}
	scheduler.Start()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := consumer.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]any{
			"status":           status,
			"service":          serviceName,
			"circuit_breakers": breakers.Health(),
		})
	})
	r.Handle("/metrics", m.Handler())

	server := &http.Server{Addr: *httpAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	server.Shutdown(shutdownCtx)
	consumer.Stop()
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}
	if err := aggregator.Stop(); err != nil {
		logger.Error("escalation drain error", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("escalation worker stopped")
}
