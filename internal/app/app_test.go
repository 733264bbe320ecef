package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/config"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/store"
	"github.com/medimeet/adherence/pkg/circuitbreaker"
)

func TestOpenStorageFallsBackToMemory(t *testing.T) {
	s, err := OpenStorage(context.Background(), config.DatabaseConfig{}, nil, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	assert.IsType(t, &store.Memory{}, s.Store)
	assert.Nil(t, s.Pool)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestRequirePoolNeedsURL(t *testing.T) {
	_, err := RequirePool(context.Background(), config.DatabaseConfig{}, zap.NewNop())
	assert.ErrorContains(t, err, "database.url")
}

func TestNewSender(t *testing.T) {
	m := metrics.New(nil)
	sender, registry, err := NewSender(config.MessagingConfig{
		Provider:      "log",
		RatePerSecond: 100,
		Burst:         2,
		Breaker:       circuitbreaker.DefaultConfig("sms"),
	}, m, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), "+15550100", "hello"))
	health := registry.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "sms", health[0].Name)
	assert.Equal(t, circuitbreaker.StateClosed, health[0].State)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("sms")))

	_, _, err = NewSender(config.MessagingConfig{Provider: "pigeon"}, m, zap.NewNop())
	assert.Error(t, err)
}
