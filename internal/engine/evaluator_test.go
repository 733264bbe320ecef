package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
)

func TestClassify(t *testing.T) {
	cfg := DefaultEvaluatorConfig()
	at := day(8, 0)

	tests := []struct {
		name string
		now  time.Time
		want Phase
	}{
		{"before", at.Add(-time.Second), PhaseUpcoming},
		{"exact minute", at, PhaseDue},
		{"same minute", at.Add(59 * time.Second), PhaseDue},
		{"next minute", at.Add(time.Minute), PhaseGrace},
		{"just inside grace", at.Add(2*time.Hour - time.Second), PhaseGrace},
		{"grace elapsed", at.Add(2 * time.Hour), PhaseMissed},
		{"horizon", at.Add(24 * time.Hour), PhaseStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Classify(at, tt.now))
		})
	}

	cfg.DueWindow = 5 * time.Minute
	assert.Equal(t, PhaseDue, cfg.Classify(at, at.Add(4*time.Minute)))
	assert.Equal(t, PhaseGrace, cfg.Classify(at, at.Add(5*time.Minute)))
}

func TestTickMarksOverdueMissedAndKeepsLaterPending(t *testing.T) {
	h := newHarness(t, day(10, 5))
	def := h.addReminder("r1", "Aspirin", "+1555", "08:00", "20:00")

	require.NoError(t, h.evaluator.Tick(h.ctx))

	assert.Equal(t, dose.StatusMissed, h.status(h.occurrence(def, 0).ID))
	assert.Equal(t, dose.StatusPending, h.status(h.occurrence(def, 1).ID))

	all, err := h.store.ListByPatientDate(h.ctx, "p1", "2026-10-17")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTickIsIdempotent(t *testing.T) {
	h := newHarness(t, day(9, 0))
	h.addReminder("r1", "Aspirin", "", "08:00", "20:00")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.evaluator.Tick(h.ctx))
	}
	all, err := h.store.ListByPatientDate(h.ctx, "p1", "2026-10-17")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLateCreatedOccurrenceIsMissedImmediately(t *testing.T) {
	h := newHarness(t, day(23, 0))
	def := h.addReminder("r1", "Aspirin", "", "07:00")

	require.NoError(t, h.evaluator.Tick(h.ctx))
	assert.Equal(t, dose.StatusMissed, h.status(h.occurrence(def, 0).ID))
}

func TestTakenDoseIsNeverMissed(t *testing.T) {
	h := newHarness(t, day(8, 0))
	def := h.addReminder("r1", "Aspirin", "", "08:00")
	require.NoError(t, h.evaluator.Tick(h.ctx))

	_, err := h.manager.MarkTaken(h.ctx, h.occurrence(def, 0).ID)
	require.NoError(t, err)

	h.clock.Advance(3 * time.Hour)
	require.NoError(t, h.evaluator.Tick(h.ctx))
	assert.Equal(t, dose.StatusTaken, h.status(h.occurrence(def, 0).ID))
}

func TestTickIsolatesBrokenReminder(t *testing.T) {
	h := newHarness(t, day(10, 5))
	// Saved without validation: no times at all.
	require.NoError(t, h.store.SaveReminder(h.ctx, &reminder.Definition{
		ID: "broken", PatientID: "p1", Recurrence: reminder.RecurrenceDaily,
	}))
	def := h.addReminder("r1", "Aspirin", "", "08:00")

	require.NoError(t, h.evaluator.Tick(h.ctx))
	assert.Equal(t, dose.StatusMissed, h.status(h.occurrence(def, 0).ID))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EvaluationErrors))
}

type panickingDue struct{ calls int }

func (p *panickingDue) Dispatch(context.Context, *dose.Occurrence) bool {
	p.calls++
	panic("renderer crashed")
}

func TestTickIsolatesPanickingOccurrence(t *testing.T) {
	h := newHarness(t, day(8, 0))
	h.addReminder("r1", "Aspirin", "", "08:00")
	h.addReminder("r2", "Metformin", "", "08:00")

	due := &panickingDue{}
	ev := NewEvaluator(DefaultEvaluatorConfig(), SinglePatient("p1"), h.store, h.manager, due, h.clock, h.metrics, nil)

	require.NoError(t, ev.Tick(h.ctx))
	assert.Equal(t, 2, due.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.EvaluationErrors))
}

func TestAllPatientsScope(t *testing.T) {
	h := newHarness(t, day(10, 5))
	h.addReminder("r1", "Aspirin", "", "08:00")
	require.NoError(t, h.store.SavePatient(h.ctx, &reminder.Patient{ID: "p2", Name: "Bo"}))
	require.NoError(t, h.store.SaveReminder(h.ctx, &reminder.Definition{
		ID: "r2", PatientID: "p2", MedicineName: "Insulin", Recurrence: reminder.RecurrenceDaily,
		Times: []reminder.TimeOfDay{{Hour: 7}},
	}))

	sweep := NewEvaluator(DefaultEvaluatorConfig(), AllPatients(), h.store, h.manager, nil, h.clock, h.metrics, nil)
	require.NoError(t, sweep.Tick(h.ctx))

	for _, p := range []string{"p1", "p2"} {
		all, err := h.store.ListByPatientDate(h.ctx, p, "2026-10-17")
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, dose.StatusMissed, all[0].Status)
	}
}

func TestUnknownPatientScopeFails(t *testing.T) {
	h := newHarness(t, day(8, 0))
	ev := NewEvaluator(DefaultEvaluatorConfig(), SinglePatient("ghost"), h.store, h.manager, nil, h.clock, h.metrics, nil)
	assert.ErrorIs(t, ev.Tick(h.ctx), dose.ErrNotFound)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, day(7, 59))
	def := h.addReminder("r1", "Aspirin", "", "08:00")

	require.NoError(t, h.evaluator.Start(h.ctx))
	assert.ErrorIs(t, h.evaluator.Start(h.ctx), ErrAlreadyRunning)

	// First pass runs immediately and materializes the day.
	assert.Eventually(t, func() bool {
		all, _ := h.store.ListByPatientDate(h.ctx, "p1", "2026-10-17")
		return len(all) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.clock.BlockUntilContext(h.ctx, 1))
	h.clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		return h.dispatcher.Alerted(h.occurrence(def, 0).ID)
	}, time.Second, 5*time.Millisecond)

	h.evaluator.Stop()
	h.evaluator.Stop()
}
