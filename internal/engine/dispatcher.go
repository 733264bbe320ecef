package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/alert"
	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/observability/metrics"
)

// DispatcherConfig holds patient alert settings
type DispatcherConfig struct {
	// AttentionWindow bounds how long the audible alert plays without acknowledgment
	AttentionWindow time.Duration `mapstructure:"attention_window"`
	// NotifyMissed raises a visual notice when one of the patient's doses is missed
	NotifyMissed bool `mapstructure:"notify_missed"`
	// Location renders scheduled times in missed notices
	Location *time.Location `mapstructure:"-"`
}

// DefaultDispatcherConfig returns the default alert settings
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		AttentionWindow: 60 * time.Second,
		NotifyMissed:    true,
		Location:        time.UTC,
	}
}

type activeAlert struct {
	date    string
	active  bool
	ringing bool
	timer   clockwork.Timer
}

// Dispatcher raises one alert per due occurrence. It owns the attention
// timers and the shared audible device: the device plays while at least one
// alert is ringing and every exit path (acknowledgment, window expiry, a
// transition from anywhere, Close) releases what the alert held.
type Dispatcher struct {
	cfg         DispatcherConfig
	alerter     alert.Alerter
	transitions *Manager
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	logger      *zap.Logger

	mu          sync.Mutex
	alerts      map[string]*activeAlert
	ringing     int
	closed      bool
	unsubscribe func()
}

// NewDispatcher creates a dispatcher and subscribes it to the manager's bus
func NewDispatcher(cfg DispatcherConfig, a alert.Alerter, tm *Manager, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.AttentionWindow <= 0 {
		cfg.AttentionWindow = DefaultDispatcherConfig().AttentionWindow
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	d := &Dispatcher{
		cfg:         cfg,
		alerter:     a,
		transitions: tm,
		clock:       clock,
		metrics:     m,
		logger:      logger,
		alerts:      make(map[string]*activeAlert),
	}
	d.unsubscribe = tm.Bus().Subscribe(d.handleEvent)
	return d
}

// Dispatch alerts the patient about a due occurrence. It reports whether an
// alert was raised; an occurrence is alerted at most once. The stored status
// is re-read first since o may predate a transition made by another process.
func (d *Dispatcher) Dispatch(ctx context.Context, o *dose.Occurrence) bool {
	if o.Status != dose.StatusPending {
		return false
	}
	current, err := d.transitions.Current(ctx, o.ID)
	if err != nil {
		d.logger.Warn("due dose not re-read, alert skipped",
			zap.String("occurrence_id", o.ID),
			zap.Error(err))
		return false
	}
	if current.Status != dose.StatusPending {
		return false
	}
	o = current

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if _, seen := d.alerts[o.ID]; seen {
		d.mu.Unlock()
		return false
	}

	id := o.ID
	a := &activeAlert{date: o.Date, active: true, ringing: true}
	d.alerts[id] = a
	d.ringing++
	if d.ringing == 1 {
		d.alerter.PlayAudible()
	}
	a.timer = d.clock.AfterFunc(d.cfg.AttentionWindow, func() { d.silence(id) })
	d.mu.Unlock()

	d.metrics.AlertsRaised.Inc()
	d.metrics.AlertsActive.Inc()
	d.logger.Info("dose alert raised",
		zap.String("occurrence_id", id),
		zap.String("medicine", o.MedicineName))

	d.alerter.RaiseVisual(
		fmt.Sprintf("Time to take %s", o.MedicineName),
		fmt.Sprintf("Dosage: %s", o.Dosage),
		func() { d.acknowledge(id) },
	)
	return true
}

// Alerted reports whether occurrence id was ever alerted by this dispatcher
func (d *Dispatcher) Alerted(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.alerts[id]
	return ok
}

// Active returns the number of alerts awaiting acknowledgment
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.alerts {
		if a.active {
			n++
		}
	}
	return n
}

// Prune forgets released alerts for days before keepFrom (YYYY-MM-DD).
func (d *Dispatcher) Prune(keepFrom string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for id, a := range d.alerts {
		if !a.active && a.date < keepFrom {
			delete(d.alerts, id)
			n++
		}
	}
	return n
}

// Refresh releases active alerts whose occurrence is no longer pending in the
// store. Transitions made by other processes sharing the store never reach
// this dispatcher's bus; the evaluator calls Refresh on every tick to catch them.
func (d *Dispatcher) Refresh(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.alerts))
	for id, a := range d.alerts {
		if a.active {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	for _, id := range ids {
		o, err := d.transitions.Current(ctx, id)
		switch {
		case errors.Is(err, dose.ErrNotFound):
		case err != nil:
			d.logger.Warn("alert status not refreshed",
				zap.String("occurrence_id", id),
				zap.Error(err))
			continue
		case o.Status == dose.StatusPending:
			continue
		}

		d.mu.Lock()
		if a, ok := d.alerts[id]; ok && a.active {
			d.releaseLocked(a)
			d.logger.Info("dose alert released after external transition",
				zap.String("occurrence_id", id))
		}
		d.mu.Unlock()
	}
}

// Close releases every active alert and stops listening for transitions.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, a := range d.alerts {
		d.releaseLocked(a)
	}
	d.mu.Unlock()

	d.unsubscribe()
}

// acknowledge is the visual alert's callback. Only an active alert marks the
// dose taken; late or repeated acknowledgments are dropped.
func (d *Dispatcher) acknowledge(id string) {
	d.mu.Lock()
	a, ok := d.alerts[id]
	if !ok || !a.active {
		d.mu.Unlock()
		return
	}
	d.releaseLocked(a)
	d.mu.Unlock()

	if _, err := d.transitions.MarkTaken(context.Background(), id); err != nil {
		d.logger.Warn("acknowledged dose not marked taken",
			zap.String("occurrence_id", id),
			zap.Error(err))
	}
}

// silence stops the audible part of an alert once its attention window ends.
// The visual alert stays up for acknowledgment.
func (d *Dispatcher) silence(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if a, ok := d.alerts[id]; ok && a.ringing {
		a.ringing = false
		d.stopRingingLocked()
	}
}

func (d *Dispatcher) handleEvent(_ context.Context, ev *dose.Event) {
	d.mu.Lock()
	if a, ok := d.alerts[ev.OccurrenceID]; ok {
		d.releaseLocked(a)
	}
	closed := d.closed
	d.mu.Unlock()

	if ev.EventType == dose.EventDoseMissed && d.cfg.NotifyMissed && !closed {
		d.alerter.RaiseVisual(
			fmt.Sprintf("Missed Medicine: %s", ev.MedicineName),
			fmt.Sprintf("You missed your %s dose scheduled for %s",
				ev.Dosage, ev.ScheduledAt.In(d.cfg.Location).Format("15:04")),
			nil,
		)
	}
}

func (d *Dispatcher) releaseLocked(a *activeAlert) {
	if !a.active {
		return
	}
	a.active = false
	if a.timer != nil {
		a.timer.Stop()
	}
	if a.ringing {
		a.ringing = false
		d.stopRingingLocked()
	}
	d.metrics.AlertsActive.Dec()
}

func (d *Dispatcher) stopRingingLocked() {
	d.ringing--
	if d.ringing == 0 {
		d.alerter.StopAudible()
	}
}
