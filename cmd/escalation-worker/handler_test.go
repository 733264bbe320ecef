package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/infrastructure/redpanda"
	"github.com/medimeet/adherence/pkg/idempotency"
)

// memInbox mimics the inbox state machine without a database
type memInbox struct {
	status map[string]idempotency.Status
}

func (m *memInbox) Process(ctx context.Context, key, _ string, fn func(ctx context.Context) error) error {
	switch m.status[key] {
	case idempotency.StatusFinished:
		return idempotency.ErrDuplicateMessage
	case idempotency.StatusFailed:
		return idempotency.ErrPreviouslyFailed
	}
	if err := fn(ctx); err != nil {
		if idempotency.IsPermanent(err) {
			m.status[key] = idempotency.StatusFailed
		} else {
			m.status[key] = idempotency.StatusRecoverable
		}
		return err
	}
	m.status[key] = idempotency.StatusFinished
	return nil
}

type call struct{ patientID, date string }

type fakeEvaluator struct {
	calls []call
	err   error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, patientID, date string) error {
	f.calls = append(f.calls, call{patientID, date})
	return f.err
}

func message(t *testing.T, eventType dose.EventType, offset int64) *redpanda.ConsumedMessage {
	t.Helper()
	ev := &dose.Event{
		ID:           "ev-1",
		EventType:    eventType,
		OccurrenceID: "occ-1",
		PatientID:    "p-1",
		MedicineName: "Aspirin",
		Date:         "2026-10-17",
		Timestamp:    time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
	value, err := ev.Marshal()
	require.NoError(t, err)
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicDoseEvents, Offset: offset, Key: []byte("p-1"), Value: value}
}

func newHandler() (*eventHandler, *memInbox, *fakeEvaluator) {
	in := &memInbox{status: make(map[string]idempotency.Status)}
	ev := &fakeEvaluator{}
	return &eventHandler{inbox: in, evaluator: ev, logger: zap.NewNop()}, in, ev
}

func TestMissedEventEvaluatesOnce(t *testing.T) {
	h, _, ev := newHandler()
	ctx := context.Background()

	require.NoError(t, h.handle(ctx, message(t, dose.EventDoseMissed, 1)))
	// Redelivery of the same occurrence event at another offset.
	require.NoError(t, h.handle(ctx, message(t, dose.EventDoseMissed, 2)))

	assert.Equal(t, []call{{"p-1", "2026-10-17"}}, ev.calls)
}

func TestTakenEventIsAcknowledged(t *testing.T) {
	h, _, ev := newHandler()
	require.NoError(t, h.handle(context.Background(), message(t, dose.EventDoseTaken, 1)))
	assert.Empty(t, ev.calls)
}

func TestTransientFailureIsRetried(t *testing.T) {
	h, in, ev := newHandler()
	ev.err = errors.New("db timeout")

	msg := message(t, dose.EventDoseMissed, 1)
	require.Error(t, h.handle(context.Background(), msg))
	key := idempotency.GenerateKey("occ-1", string(dose.EventDoseMissed))
	assert.Equal(t, idempotency.StatusRecoverable, in.status[key])

	ev.err = nil
	require.NoError(t, h.handle(context.Background(), msg))
	assert.Len(t, ev.calls, 2)
	assert.Equal(t, idempotency.StatusFinished, in.status[key])
}

func TestUndecodableEventIsDropped(t *testing.T) {
	h, in, ev := newHandler()
	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicDoseEvents, Partition: 3, Offset: 9, Value: []byte("{not json")}

	require.NoError(t, h.handle(context.Background(), msg))
	require.NoError(t, h.handle(context.Background(), msg))
	assert.Empty(t, ev.calls)

	key := idempotency.GenerateKey(redpanda.TopicDoseEvents, "3", "9")
	assert.Equal(t, idempotency.StatusFailed, in.status[key])
}
