// Package app assembles the components shared by the service binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/config"
	"github.com/medimeet/adherence/internal/infrastructure/postgres"
	"github.com/medimeet/adherence/internal/messaging"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/store"
	"github.com/medimeet/adherence/pkg/circuitbreaker"
)

// Storage is the selected store and, for PostgreSQL, its pool
type Storage struct {
	Store store.Store
	Pool  *pgxpool.Pool
}

// Close releases the pool if there is one
func (s *Storage) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// Ping checks the database. The in-memory store is always ready.
func (s *Storage) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return nil
	}
	return s.Pool.Ping(ctx)
}

// OpenStorage connects to PostgreSQL when a URL is configured and falls back
// to the in-memory store otherwise. clock stamps rows the in-memory store
// creates; PostgreSQL uses its own.
func OpenStorage(ctx context.Context, cfg config.DatabaseConfig, clock clockwork.Clock, logger *zap.Logger) (*Storage, error) {
	if cfg.URL == "" {
		logger.Warn("no database configured, using in-memory store")
		return &Storage{Store: store.NewMemory(clock)}, nil
	}

	pool, err := postgres.Connect(ctx, cfg.URL, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	logger.Info("connected to database")
	return &Storage{Store: postgres.NewStore(pool, logger), Pool: pool}, nil
}

// RequirePool connects like OpenStorage but fails without a database.
// The relay and the worker have nothing to do against memory.
func RequirePool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Storage, error) {
	if cfg.URL == "" {
		return nil, errors.New("database.url is required")
	}
	return OpenStorage(ctx, cfg, nil, logger)
}

// NewSender builds the caregiver transport: the configured provider behind a
// circuit breaker and a rate limiter. Breaker state is mirrored to m.
func NewSender(cfg config.MessagingConfig, m *metrics.Metrics, logger *zap.Logger) (messaging.Sender, *circuitbreaker.Registry, error) {
	var base messaging.Sender
	switch cfg.Provider {
	case "vonage":
		base = messaging.NewVonageSender(cfg.Vonage)
	case "log", "":
		base = messaging.NewLogSender(logger.Named("sms"))
	default:
		return nil, nil, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
	}

	registry := circuitbreaker.NewRegistry(func(name string, _, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Gauge())
	}, logger)

	name := cfg.Breaker.Name
	if name == "" {
		name = "sms"
	}
	breaker, err := registry.GetOrCreate(name, cfg.Breaker)
	if err != nil {
		return nil, nil, fmt.Errorf("create breaker: %w", err)
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(breaker.State().Gauge())

	sender := messaging.Sender(messaging.NewGuarded(base, breaker))
	if cfg.RatePerSecond > 0 {
		sender = messaging.NewRateLimited(sender, cfg.RatePerSecond, cfg.Burst)
	}
	logger.Info("caregiver messaging ready",
		zap.String("provider", cfg.Provider),
		zap.Float64("rate_per_second", cfg.RatePerSecond))
	return sender, registry, nil
}
