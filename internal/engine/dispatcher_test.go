package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimeet/adherence/internal/domain/dose"
)

func TestDueMinuteRaisesOneAlert(t *testing.T) {
	h := newHarness(t, day(8, 0))
	def := h.addReminder("r1", "Aspirin", "+1555", "08:00")

	require.NoError(t, h.evaluator.Tick(h.ctx))
	visuals, plays, _, playing := h.alerter.snapshot()
	require.Len(t, visuals, 1)
	assert.Equal(t, "Time to take Aspirin", visuals[0].title)
	assert.Equal(t, "Dosage: 1 tablet", visuals[0].body)
	assert.Equal(t, 1, plays)
	assert.True(t, playing)

	// Same minute, still pending: already alerted.
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.evaluator.Tick(h.ctx))

	// A minute later the dose is in its grace period.
	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.evaluator.Tick(h.ctx))

	visuals, plays, _, _ = h.alerter.snapshot()
	assert.Len(t, visuals, 1)
	assert.Equal(t, 1, plays)
	assert.Equal(t, dose.StatusPending, h.status(h.occurrence(def, 0).ID))
}

func TestAcknowledgeMarksTakenAndSilences(t *testing.T) {
	h := newHarness(t, day(8, 0))
	taken := h.countEvents(dose.EventDoseTaken)
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	require.True(t, h.dispatcher.Dispatch(h.ctx, o))
	visuals, _, _, _ := h.alerter.snapshot()
	require.Len(t, visuals, 1)

	visuals[0].onAck()
	visuals[0].onAck()

	assert.Equal(t, dose.StatusTaken, h.status(o.ID))
	assert.Equal(t, 1, taken())
	_, plays, stops, playing := h.alerter.snapshot()
	assert.Equal(t, 1, plays)
	assert.Equal(t, 1, stops)
	assert.False(t, playing)
	assert.Equal(t, 0, h.dispatcher.Active())
	assert.False(t, h.dispatcher.Dispatch(h.ctx, o))
}

func TestAttentionWindowStopsSoundButKeepsVisual(t *testing.T) {
	h := newHarness(t, day(8, 0))
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	require.True(t, h.dispatcher.Dispatch(h.ctx, o))
	h.clock.Advance(DefaultDispatcherConfig().AttentionWindow)

	assert.Eventually(t, func() bool {
		_, _, stops, playing := h.alerter.snapshot()
		return stops == 1 && !playing
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.dispatcher.Active())

	// A late acknowledgment still records the dose without touching the device again.
	visuals, _, _, _ := h.alerter.snapshot()
	visuals[0].onAck()
	assert.Equal(t, dose.StatusTaken, h.status(o.ID))
	_, _, stops, _ := h.alerter.snapshot()
	assert.Equal(t, 1, stops)
}

func TestAudibleDeviceIsShared(t *testing.T) {
	h := newHarness(t, day(8, 0))
	a := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)
	b := h.occurrence(h.addReminder("r2", "Metformin", "", "08:00"), 0)

	require.True(t, h.dispatcher.Dispatch(h.ctx, a))
	require.True(t, h.dispatcher.Dispatch(h.ctx, b))
	_, plays, _, _ := h.alerter.snapshot()
	assert.Equal(t, 1, plays)

	visuals, _, _, _ := h.alerter.snapshot()
	visuals[0].onAck()
	_, _, stops, playing := h.alerter.snapshot()
	assert.Equal(t, 0, stops)
	assert.True(t, playing)

	visuals[1].onAck()
	_, _, stops, playing = h.alerter.snapshot()
	assert.Equal(t, 1, stops)
	assert.False(t, playing)
}

func TestTransitionElsewhereReleasesAlert(t *testing.T) {
	h := newHarness(t, day(8, 0))
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	require.True(t, h.dispatcher.Dispatch(h.ctx, o))
	_, err := h.manager.MarkTaken(context.Background(), o.ID)
	require.NoError(t, err)

	_, _, stops, playing := h.alerter.snapshot()
	assert.Equal(t, 1, stops)
	assert.False(t, playing)
	assert.Equal(t, 0, h.dispatcher.Active())

	// The stale acknowledgment is suppressed.
	visuals, _, _, _ := h.alerter.snapshot()
	visuals[0].onAck()
	_, _, stops, _ = h.alerter.snapshot()
	assert.Equal(t, 1, stops)
}

func TestCloseReleasesEverything(t *testing.T) {
	h := newHarness(t, day(8, 0))
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)
	other := h.occurrence(h.addReminder("r2", "Metformin", "", "08:00"), 0)

	require.True(t, h.dispatcher.Dispatch(h.ctx, o))
	h.dispatcher.Close()

	_, _, stops, playing := h.alerter.snapshot()
	assert.Equal(t, 1, stops)
	assert.False(t, playing)
	assert.Equal(t, 0, h.dispatcher.Active())
	assert.False(t, h.dispatcher.Dispatch(h.ctx, other))

	// The window timer was cancelled with the alert.
	h.clock.Advance(time.Hour)
	_, _, stops, _ = h.alerter.snapshot()
	assert.Equal(t, 1, stops)
}

func TestMissedNoticeNamesSlot(t *testing.T) {
	h := newHarness(t, day(10, 5))
	h.addReminder("r1", "Aspirin", "", "08:00", "20:00")

	require.NoError(t, h.evaluator.Tick(h.ctx))

	visuals, plays, _, _ := h.alerter.snapshot()
	require.Len(t, visuals, 1)
	assert.Equal(t, "Missed Medicine: Aspirin", visuals[0].title)
	assert.Equal(t, "You missed your 1 tablet dose scheduled for 08:00", visuals[0].body)
	assert.Nil(t, visuals[0].onAck)
	assert.Equal(t, 0, plays)
}

func TestPruneForgetsOldReleasedAlerts(t *testing.T) {
	h := newHarness(t, day(8, 0))
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	require.True(t, h.dispatcher.Dispatch(h.ctx, o))
	assert.Equal(t, 0, h.dispatcher.Prune("2026-10-18"), "active alerts are kept")

	_, err := h.manager.MarkTaken(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, h.dispatcher.Prune("2026-10-17"))
	assert.Equal(t, 1, h.dispatcher.Prune("2026-10-18"))
	assert.False(t, h.dispatcher.Alerted(o.ID))
}

func TestTransitionInAnotherProcessReleasesAlertOnTick(t *testing.T) {
	h := newHarness(t, day(8, 0))
	def := h.addReminder("r1", "Aspirin", "", "08:00")

	require.NoError(t, h.evaluator.Tick(h.ctx))
	require.Equal(t, 1, h.dispatcher.Active())

	// A second manager on its own bus shares the store, as the API does with
	// a patient agent running against the same database.
	api := NewManager(h.store, NewBus(nil), h.clock, h.metrics, nil)
	o := h.occurrence(def, 0)
	_, err := api.MarkTaken(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.dispatcher.Active(), "the local bus never saw the transition")

	require.NoError(t, h.evaluator.Tick(h.ctx))
	assert.Equal(t, 0, h.dispatcher.Active())
	_, _, stops, playing := h.alerter.snapshot()
	assert.Equal(t, 1, stops)
	assert.False(t, playing)

	// The late acknowledgment leaves the stored dose alone.
	visuals, _, _, _ := h.alerter.snapshot()
	visuals[0].onAck()
	assert.Equal(t, dose.StatusTaken, h.status(o.ID))
}

func TestRefreshReleasesAlertOfDeletedReminder(t *testing.T) {
	h := newHarness(t, day(8, 0))
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	require.True(t, h.dispatcher.Dispatch(h.ctx, o))
	require.NoError(t, h.store.DeleteReminder(h.ctx, "r1"))

	h.dispatcher.Refresh(h.ctx)
	assert.Equal(t, 0, h.dispatcher.Active())
	_, _, _, playing := h.alerter.snapshot()
	assert.False(t, playing)
}

func TestDispatchRereadsStaleSnapshot(t *testing.T) {
	h := newHarness(t, day(8, 0))
	stale := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	other := NewManager(h.store, NewBus(nil), h.clock, h.metrics, nil)
	_, err := other.MarkTaken(h.ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, dose.StatusPending, stale.Status)

	assert.False(t, h.dispatcher.Dispatch(h.ctx, stale))
	assert.False(t, h.dispatcher.Alerted(stale.ID))
	visuals, plays, _, _ := h.alerter.snapshot()
	assert.Empty(t, visuals)
	assert.Equal(t, 0, plays)
}
