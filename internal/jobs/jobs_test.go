package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/infrastructure/postgres"
)

func TestSchedulerRunsTasksAndSurvivesFailures(t *testing.T) {
	s, err := New(nil, nil)
	require.NoError(t, err)

	var ok, failing, panicking atomic.Int32
	require.NoError(t, s.Add(Task{Name: "ok", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		ok.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(Task{Name: "failing", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		failing.Add(1)
		return errors.New("nope")
	}}))
	require.NoError(t, s.Add(Task{Name: "panicking", Every: 10 * time.Millisecond, Run: func(context.Context) error {
		panicking.Add(1)
		panic("boom")
	}}))
	require.NoError(t, s.Add(Task{Name: "disabled", Every: 0, Run: func(context.Context) error {
		t.Error("disabled task ran")
		return nil
	}}))

	s.Start()
	assert.Eventually(t, func() bool {
		return ok.Load() >= 2 && failing.Load() >= 2 && panicking.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

type fakePruner struct{ keepFrom string }

func (f *fakePruner) Prune(keepFrom string) int {
	f.keepFrom = keepFrom
	return 3
}

func TestAlertPruneKeepsYesterday(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 0, 30, 0, 0, time.UTC))
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	p := &fakePruner{}
	task := AlertPrune(p, clock, loc, time.Hour, zap.NewNop())
	require.NoError(t, task.Run(context.Background()))
	// 00:30 UTC is still the 16th in New York.
	assert.Equal(t, "2026-10-15", p.keepFrom)
}

type fakeOutbox struct {
	pending int64
	err     error
}

func (f *fakeOutbox) CleanupProcessed(context.Context) (int64, error) { return 4, f.err }
func (f *fakeOutbox) MoveToDeadLetter(context.Context) (int64, error) { return 1, f.err }
func (f *fakeOutbox) Stats(context.Context) (*postgres.OutboxStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &postgres.OutboxStats{Pending: f.pending}, nil
}

func TestOutboxTasks(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pending"})
	o := &fakeOutbox{pending: 7}
	ctx := context.Background()

	require.NoError(t, OutboxBacklog(o, gauge, time.Second).Run(ctx))
	assert.Equal(t, 7.0, testutil.ToFloat64(gauge))
	require.NoError(t, OutboxCleanup(o, time.Hour, zap.NewNop()).Run(ctx))
	require.NoError(t, DeadLetter(o, time.Hour, zap.NewNop()).Run(ctx))

	o.err = errors.New("db down")
	assert.Error(t, OutboxBacklog(o, gauge, time.Second).Run(ctx))
	assert.Error(t, OutboxCleanup(o, time.Hour, zap.NewNop()).Run(ctx))
}

type fakeInbox struct{ recovered, cleaned int }

func (f *fakeInbox) RecoverStale(context.Context) (int64, error) {
	f.recovered++
	return 2, nil
}

func (f *fakeInbox) Cleanup(context.Context) (int64, error) {
	f.cleaned++
	return 0, nil
}

func TestInboxRecovery(t *testing.T) {
	in := &fakeInbox{}
	require.NoError(t, InboxRecovery(in, time.Minute, zap.NewNop()).Run(context.Background()))
	assert.Equal(t, 1, in.recovered)
	assert.Equal(t, 1, in.cleaned)
}

type sweepFunc func(context.Context) error

func (f sweepFunc) Sweep(ctx context.Context) error { return f(ctx) }

func TestEscalationSweepTask(t *testing.T) {
	called := false
	task := EscalationSweep(sweepFunc(func(context.Context) error {
		called = true
		return nil
	}), time.Minute)
	assert.Equal(t, "escalation-sweep", task.Name)
	require.NoError(t, task.Run(context.Background()))
	assert.True(t, called)
}

type lagFunc func(context.Context, string) (map[string]int64, error)

func (f lagFunc) ConsumerGroupLag(ctx context.Context, group string) (map[string]int64, error) {
	return f(ctx, group)
}

func TestConsumerLag(t *testing.T) {
	var asked string
	ok := lagFunc(func(_ context.Context, group string) (map[string]int64, error) {
		asked = group
		return map[string]int64{"dose.events": 12}, nil
	})
	require.NoError(t, ConsumerLag(ok, "escalation", 10, time.Minute, zap.NewNop()).Run(context.Background()))
	assert.Equal(t, "escalation", asked)

	failing := lagFunc(func(context.Context, string) (map[string]int64, error) {
		return nil, errors.New("broker gone")
	})
	assert.Error(t, ConsumerLag(failing, "escalation", 10, time.Minute, zap.NewNop()).Run(context.Background()))
}
