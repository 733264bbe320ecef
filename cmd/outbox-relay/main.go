// Package main provides the outbox relay service entry point.
// It publishes dose events committed to the outbox table to the broker.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/app"
	"github.com/medimeet/adherence/internal/config"
	"github.com/medimeet/adherence/internal/infrastructure/postgres"
	"github.com/medimeet/adherence/internal/infrastructure/redpanda"
	"github.com/medimeet/adherence/internal/jobs"
	"github.com/medimeet/adherence/internal/observability/logging"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9091", "address serving /metrics")
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

	storage, err := app.RequirePool(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer storage.Close()

	if cfg.Kafka.EnsureTopics {
		admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.Fatal("admin client failed", zap.Error(err))
		}
		if err := admin.EnsureTopics(ctx); err != nil {
			logger.Fatal("topic setup failed", zap.Error(err))
		}
		admin.Close()
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Kafka.Brokers), m.EventsProduced, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	outbox := postgres.NewOutbox(storage.Pool, producer, cfg.Outbox, logger)
	outbox.Start(ctx)

	scheduler, err := jobs.New(clockwork.NewRealClock(), logger.Named("jobs"))
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	for _, task := range []jobs.Task{
		jobs.OutboxCleanup(outbox, cfg.Jobs.OutboxCleanup, logger),
		jobs.DeadLetter(outbox, cfg.Jobs.DeadLetterInterval, logger),
		jobs.OutboxBacklog(outbox, m.OutboxPending, cfg.Jobs.MetricsRefresh),
	} {
		if err := scheduler.Add(task); err != nil {
			logger.Fatal("schedule job failed", zap.String("job", task.Name), zap.Error(err))
		}
	}
	scheduler.Start()

	server := &http.Server{Addr: *metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("outbox relay started")
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server.Shutdown(shutdownCtx)
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}
	outbox.Stop()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}
