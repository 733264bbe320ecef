package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/schedule"
	"github.com/medimeet/adherence/internal/store"
	"github.com/medimeet/adherence/pkg/workerpool"
)

type visual struct {
	title string
	body  string
	onAck func()
}

type fakeAlerter struct {
	mu      sync.Mutex
	visuals []visual
	plays   int
	stops   int
	playing bool
}

func (f *fakeAlerter) RaiseVisual(title, body string, onAck func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visuals = append(f.visuals, visual{title: title, body: body, onAck: onAck})
}

func (f *fakeAlerter) PlayAudible() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	f.playing = true
}

func (f *fakeAlerter) StopAudible() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.playing = false
}

func (f *fakeAlerter) snapshot() (visuals []visual, plays, stops int, playing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]visual(nil), f.visuals...), f.plays, f.stops, f.playing
}

func (f *fakeAlerter) titles() []string {
	visuals, _, _, _ := f.snapshot()
	out := make([]string, 0, len(visuals))
	for _, v := range visuals {
		out = append(out, v.title)
	}
	return out
}

type sentMessage struct {
	to   string
	text string
}

type fakeSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	failures int
	err      error
}

func (f *fakeSender) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return nil
}

func (f *fakeSender) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	clock      *clockwork.FakeClock
	store      *store.Memory
	metrics    *metrics.Metrics
	bus        *Bus
	manager    *Manager
	alerter    *fakeAlerter
	dispatcher *Dispatcher
	evaluator  *Evaluator
	sender     *fakeSender
	aggregator *Aggregator
}

func day(hour, minute int) time.Time {
	return time.Date(2026, 10, 17, hour, minute, 0, 0, time.UTC)
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(now)
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   store.NewMemory(clock),
		metrics: metrics.New(nil),
		alerter: &fakeAlerter{},
		sender:  &fakeSender{},
	}
	h.bus = NewBus(nil)
	h.manager = NewManager(h.store, h.bus, h.clock, h.metrics, nil)
	h.dispatcher = NewDispatcher(DefaultDispatcherConfig(), h.alerter, h.manager, h.clock, h.metrics, nil)
	h.evaluator = NewEvaluator(DefaultEvaluatorConfig(), SinglePatient("p1"), h.store, h.manager, h.dispatcher, h.clock, h.metrics, nil)

	cfg := DefaultEscalationConfig()
	cfg.Send = workerpool.Config{Workers: 1, QueueSize: 16, MaxRetries: 0}
	agg, err := NewAggregator(cfg, h.store, h.sender, h.clock, h.metrics, nil)
	require.NoError(t, err)
	h.aggregator = agg
	h.aggregator.Attach(h.bus)
	h.aggregator.Start()
	t.Cleanup(func() {
		h.dispatcher.Close()
		_ = h.aggregator.Stop()
	})

	require.NoError(t, h.store.SavePatient(h.ctx, &reminder.Patient{ID: "p1", Name: "Ada"}))
	return h
}

func (h *harness) addReminder(id, medicine, contact string, times ...string) *reminder.Definition {
	h.t.Helper()
	def := &reminder.Definition{
		ID:               id,
		PatientID:        "p1",
		MedicineName:     medicine,
		Dosage:           "1 tablet",
		Recurrence:       reminder.RecurrenceDaily,
		CaregiverContact: contact,
	}
	for _, s := range times {
		tod, err := reminder.ParseTimeOfDay(s)
		require.NoError(h.t, err)
		def.Times = append(def.Times, tod)
	}
	require.NoError(h.t, h.store.SaveReminder(h.ctx, def))
	return def
}

// occurrence materializes and returns the occurrence of def at slot on the harness day.
func (h *harness) occurrence(def *reminder.Definition, slot int) *dose.Occurrence {
	h.t.Helper()
	seeds, err := schedule.Seeds(def, h.clock.Now(), time.UTC)
	require.NoError(h.t, err)
	for _, s := range seeds {
		if s.SlotIndex == slot {
			o, err := h.store.GetOrCreate(h.ctx, s)
			require.NoError(h.t, err)
			return o
		}
	}
	h.t.Fatalf("slot %d of %s not scheduled today", slot, def.ID)
	return nil
}

func (h *harness) status(id string) dose.Status {
	h.t.Helper()
	o, err := h.store.Get(h.ctx, id)
	require.NoError(h.t, err)
	return o.Status
}

func (h *harness) countEvents(kind dose.EventType) func() int {
	var mu sync.Mutex
	n := 0
	h.bus.Subscribe(func(_ context.Context, ev *dose.Event) {
		if ev.EventType == kind {
			mu.Lock()
			n++
			mu.Unlock()
		}
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return n
	}
}
