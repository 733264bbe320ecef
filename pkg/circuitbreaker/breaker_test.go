package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	b, err := New(Config{Name: "sms", ConsecutiveFailures: 2, OpenTimeout: time.Hour},
		func(name string, from, to State) { transitions = append(transitions, to) }, nil)
	require.NoError(t, err)

	boom := errors.New("gateway down")
	fail := func(context.Context) error { return boom }

	assert.ErrorIs(t, b.Call(context.Background(), fail), boom)
	assert.ErrorIs(t, b.Call(context.Background(), fail), boom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err = b.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b, err := New(Config{Name: "sms", ConsecutiveFailures: 1}, nil, nil)
	require.NoError(t, err)

	err = b.Call(context.Background(), func(context.Context) error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistryReusesBreakers(t *testing.T) {
	r := NewRegistry(nil, nil)
	a, err := r.GetOrCreate("vonage", DefaultConfig(""))
	require.NoError(t, err)
	b, err := r.GetOrCreate("vonage", DefaultConfig(""))
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "vonage", a.Name())

	health := r.Health()
	require.Len(t, health, 1)
	assert.Equal(t, StateClosed, health[0].State)
}

func TestStateGauge(t *testing.T) {
	assert.Equal(t, 0.0, StateClosed.Gauge())
	assert.Equal(t, 1.0, StateOpen.Gauge())
	assert.Equal(t, 2.0, StateHalfOpen.Gauge())
}
