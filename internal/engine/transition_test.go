package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimeet/adherence/internal/domain/dose"
)

func TestMarkTakenTwiceKeepsFirstTimestamp(t *testing.T) {
	h := newHarness(t, day(8, 2))
	taken := h.countEvents(dose.EventDoseTaken)
	o := h.occurrence(h.addReminder("r1", "Aspirin", "+1555", "08:00"), 0)

	first, err := h.manager.MarkTaken(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusTaken, first.Status)
	require.NotNil(t, first.StatusChangedAt)

	h.clock.Advance(time.Second)
	second, err := h.manager.MarkTaken(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusTaken, second.Status)
	assert.True(t, first.StatusChangedAt.Equal(*second.StatusChangedAt))
	assert.Equal(t, 1, taken())
}

func TestMarkMissedIsIdempotent(t *testing.T) {
	h := newHarness(t, day(10, 5))
	missed := h.countEvents(dose.EventDoseMissed)
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	_, err := h.manager.MarkMissed(h.ctx, o.ID)
	require.NoError(t, err)
	again, err := h.manager.MarkMissed(h.ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusMissed, again.Status)
	assert.Equal(t, 1, missed())
}

func TestTerminalStatesDoNotCross(t *testing.T) {
	h := newHarness(t, day(10, 5))
	def := h.addReminder("r1", "Aspirin", "", "08:00", "09:00")
	takenFirst := h.occurrence(def, 0)
	missedFirst := h.occurrence(def, 1)

	_, err := h.manager.MarkTaken(h.ctx, takenFirst.ID)
	require.NoError(t, err)
	o, err := h.manager.MarkMissed(h.ctx, takenFirst.ID)
	assert.ErrorIs(t, err, dose.ErrAlreadyTerminal)
	assert.Equal(t, dose.StatusTaken, o.Status)

	_, err = h.manager.MarkMissed(h.ctx, missedFirst.ID)
	require.NoError(t, err)
	_, err = h.manager.MarkTaken(h.ctx, missedFirst.ID)
	assert.ErrorIs(t, err, dose.ErrAlreadyTerminal)
	assert.Equal(t, dose.StatusMissed, h.status(missedFirst.ID))
}

func TestMarkUnknownOccurrence(t *testing.T) {
	h := newHarness(t, day(8, 0))
	_, err := h.manager.MarkTaken(h.ctx, "does-not-exist")
	assert.ErrorIs(t, err, dose.ErrNotFound)
	_, err = h.manager.MarkMissed(h.ctx, "does-not-exist")
	assert.ErrorIs(t, err, dose.ErrNotFound)
}

func TestMarkTakenForChecksOwnership(t *testing.T) {
	h := newHarness(t, day(8, 0))
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	_, err := h.manager.MarkTakenFor(h.ctx, "someone-else", o.ID)
	assert.ErrorIs(t, err, dose.ErrNotFound)
	assert.Equal(t, dose.StatusPending, h.status(o.ID))

	got, err := h.manager.MarkTakenFor(h.ctx, "p1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, dose.StatusTaken, got.Status)
}

func TestConcurrentTakenAndMissedPublishOnce(t *testing.T) {
	h := newHarness(t, day(10, 5))
	taken := h.countEvents(dose.EventDoseTaken)
	missed := h.countEvents(dose.EventDoseMissed)
	o := h.occurrence(h.addReminder("r1", "Aspirin", "", "08:00"), 0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = h.manager.MarkTaken(h.ctx, o.ID)
			} else {
				_, _ = h.manager.MarkMissed(h.ctx, o.ID)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, taken()+missed())
	final := h.status(o.ID)
	if final == dose.StatusTaken {
		assert.Equal(t, 1, taken())
	} else {
		assert.Equal(t, dose.StatusMissed, final)
		assert.Equal(t, 1, missed())
	}
}
