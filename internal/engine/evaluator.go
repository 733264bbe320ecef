package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/schedule"
	"github.com/medimeet/adherence/internal/store"
)

// ErrAlreadyRunning is returned by Start on a running evaluator
var ErrAlreadyRunning = errors.New("evaluator already running")

// EvaluatorConfig holds the clock evaluation thresholds
type EvaluatorConfig struct {
	// TickInterval is the evaluation period
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// DueWindow widens the due-now test beyond the scheduled minute
	DueWindow time.Duration `mapstructure:"due_window"`
	// GracePeriod is how long a dose may stay pending before it is missed
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// MissedHorizon bounds how far back pending doses are still classified
	MissedHorizon time.Duration `mapstructure:"missed_horizon"`
}

// DefaultEvaluatorConfig returns the default thresholds
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		TickInterval:  time.Minute,
		DueWindow:     0,
		GracePeriod:   2 * time.Hour,
		MissedHorizon: 24 * time.Hour,
	}
}

// Phase is where a pending occurrence sits relative to the clock
type Phase int

const (
	PhaseUpcoming Phase = iota
	PhaseDue
	PhaseGrace
	PhaseMissed
	PhaseStale
)

func (p Phase) String() string {
	switch p {
	case PhaseUpcoming:
		return "upcoming"
	case PhaseDue:
		return "due"
	case PhaseGrace:
		return "grace"
	case PhaseMissed:
		return "missed"
	default:
		return "stale"
	}
}

// Classify places a pending occurrence scheduled at scheduledAt on the
// timeline at now. A dose is due from its scheduled minute until the end of
// that minute or of DueWindow, whichever is later.
func (c EvaluatorConfig) Classify(scheduledAt, now time.Time) Phase {
	elapsed := now.Sub(scheduledAt)
	switch {
	case elapsed < 0:
		return PhaseUpcoming
	case elapsed >= c.MissedHorizon:
		return PhaseStale
	case elapsed >= c.GracePeriod:
		return PhaseMissed
	case elapsed < c.DueWindow || now.Truncate(time.Minute).Equal(scheduledAt.Truncate(time.Minute)):
		return PhaseDue
	default:
		return PhaseGrace
	}
}

// Scope selects the patients an evaluator looks after
type Scope struct {
	PatientID string
}

// SinglePatient scopes an evaluator to one patient session
func SinglePatient(id string) Scope { return Scope{PatientID: id} }

// AllPatients scopes an evaluator to every known patient
func AllPatients() Scope { return Scope{} }

func (s Scope) String() string {
	if s.PatientID == "" {
		return "all"
	}
	return "patient:" + s.PatientID
}

// DueHandler receives pending occurrences that are due now
type DueHandler interface {
	Dispatch(ctx context.Context, o *dose.Occurrence) bool
}

// Refresher is implemented by due handlers that hold state about occurrences
// and need to resync it with the store once per pass.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Evaluator periodically materializes today's occurrences and classifies the
// pending ones. Failures are isolated per patient, reminder and occurrence.
type Evaluator struct {
	cfg         EvaluatorConfig
	scope       Scope
	store       store.Store
	transitions *Manager
	due         DueHandler
	clock       clockwork.Clock
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEvaluator creates an evaluator. due may be nil when nobody is there to
// be alerted, as in the server-side sweep.
func NewEvaluator(cfg EvaluatorConfig, scope Scope, st store.Store, tm *Manager, due DueHandler, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	def := DefaultEvaluatorConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.MissedHorizon <= cfg.GracePeriod {
		cfg.MissedHorizon = def.MissedHorizon
	}
	return &Evaluator{
		cfg:         cfg,
		scope:       scope,
		store:       st,
		transitions: tm,
		due:         due,
		clock:       clock,
		metrics:     m,
		tracer:      otel.Tracer("adherence-engine"),
		logger:      logger.With(zap.String("scope", scope.String())),
	}
}

// Start runs a first pass immediately and then one every TickInterval until
// Stop is called or ctx is done.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, e.done)

	e.logger.Info("evaluator started", zap.Duration("tick_interval", e.cfg.TickInterval))
	return nil
}

// Stop ends the loop and waits for an in-flight pass to finish
func (e *Evaluator) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("evaluator stopped")
}

func (e *Evaluator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := e.clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.runTick(ctx)
		}
	}
}

func (e *Evaluator) runTick(ctx context.Context) {
	if err := e.Tick(ctx); err != nil {
		e.logger.Error("evaluation pass failed", zap.Error(err))
	}
}

// Tick runs one evaluation pass at the current clock time
func (e *Evaluator) Tick(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "engine.tick",
		trace.WithAttributes(attribute.String("scope", e.scope.String())))
	defer span.End()

	started := time.Now()
	defer func() { e.metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	patients, err := e.patients(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	now := e.clock.Now()
	for _, p := range patients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.guard("patient", p.ID, func() { e.evaluatePatient(ctx, p, now) })
	}
	if r, ok := e.due.(Refresher); ok {
		e.guard("alerts", e.scope.String(), func() { r.Refresh(ctx) })
	}
	return nil
}

func (e *Evaluator) patients(ctx context.Context) ([]*reminder.Patient, error) {
	if e.scope.PatientID == "" {
		patients, err := e.store.ListPatients(ctx)
		if err != nil {
			return nil, fmt.Errorf("list patients: %w", err)
		}
		return patients, nil
	}
	p, err := e.store.GetPatient(ctx, e.scope.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient %s: %w", e.scope.PatientID, err)
	}
	return []*reminder.Patient{p}, nil
}

func (e *Evaluator) evaluatePatient(ctx context.Context, p *reminder.Patient, now time.Time) {
	loc := p.Location()

	defs, err := e.store.ListReminders(ctx, p.ID)
	if err != nil {
		e.fail("list reminders", zap.String("patient_id", p.ID), zap.Error(err))
		return
	}
	for _, def := range defs {
		e.guard("reminder", def.ID, func() { e.materialize(ctx, def, now, loc) })
	}

	open, err := e.store.ListOpen(ctx, p.ID, now.Add(-e.cfg.MissedHorizon))
	if err != nil {
		e.fail("list open occurrences", zap.String("patient_id", p.ID), zap.Error(err))
		return
	}
	for _, o := range open {
		e.guard("occurrence", o.ID, func() { e.evaluateOccurrence(ctx, o, now) })
	}
}

func (e *Evaluator) materialize(ctx context.Context, def *reminder.Definition, now time.Time, loc *time.Location) {
	seeds, err := schedule.Seeds(def, now, loc)
	if err != nil {
		e.fail("expand reminder", zap.String("reminder_id", def.ID), zap.Error(err))
		return
	}
	for _, seed := range seeds {
		if _, err := e.store.GetOrCreate(ctx, seed); err != nil {
			e.fail("materialize occurrence",
				zap.String("reminder_id", def.ID),
				zap.Int("slot", seed.SlotIndex),
				zap.Error(err))
			continue
		}
		e.metrics.OccurrencesMaterialized.Inc()
	}
}

func (e *Evaluator) evaluateOccurrence(ctx context.Context, o *dose.Occurrence, now time.Time) {
	switch e.cfg.Classify(o.ScheduledAt, now) {
	case PhaseDue:
		if e.due != nil {
			e.due.Dispatch(ctx, o)
		}
	case PhaseMissed:
		if _, err := e.transitions.MarkMissed(ctx, o.ID); err != nil && !errors.Is(err, dose.ErrAlreadyTerminal) {
			e.fail("mark missed", zap.String("occurrence_id", o.ID), zap.Error(err))
		}
	}
}

// guard isolates a panic in fn to the unit it was evaluating.
func (e *Evaluator) guard(kind, id string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.fail("evaluation panicked",
				zap.String("unit", kind),
				zap.String("id", id),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}

func (e *Evaluator) fail(msg string, fields ...zap.Field) {
	e.metrics.EvaluationErrors.Inc()
	e.logger.Error(msg, fields...)
}
