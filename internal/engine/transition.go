package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/store"
)

// Manager applies status transitions to occurrences. The store's
// compare-and-swap is the only thing deciding a race; Manager turns its
// outcome into the caller-facing result and publishes events for the
// transitions that actually happened.
type Manager struct {
	store   store.OccurrenceStore
	bus     *Bus
	clock   clockwork.Clock
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewManager creates a transition manager
func NewManager(st store.OccurrenceStore, bus *Bus, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if bus == nil {
		bus = NewBus(logger)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Manager{
		store:   st,
		bus:     bus,
		clock:   clock,
		metrics: m,
		tracer:  otel.Tracer("adherence-engine"),
		logger:  logger,
	}
}

// Bus returns the bus transitions are published on
func (m *Manager) Bus() *Bus { return m.bus }

// Current reads the stored state of occurrence id
func (m *Manager) Current(ctx context.Context, id string) (*dose.Occurrence, error) {
	return m.store.Get(ctx, id)
}

// MarkTaken moves a PENDING occurrence to TAKEN. Marking an already taken
// occurrence returns it unchanged; a missed one yields dose.ErrAlreadyTerminal.
func (m *Manager) MarkTaken(ctx context.Context, id string) (*dose.Occurrence, error) {
	return m.transition(ctx, id, dose.StatusTaken)
}

// MarkTakenFor is MarkTaken restricted to occurrences owned by patientID.
// Occurrences of other patients are reported as not found.
func (m *Manager) MarkTakenFor(ctx context.Context, patientID, id string) (*dose.Occurrence, error) {
	o, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.PatientID != patientID {
		return nil, fmt.Errorf("occurrence %s of patient %s: %w", id, patientID, dose.ErrNotFound)
	}
	return m.transition(ctx, id, dose.StatusTaken)
}

// MarkMissed moves a PENDING occurrence to MISSED. It is a no-op on an
// already missed occurrence and fails with dose.ErrAlreadyTerminal when the
// dose was taken.
func (m *Manager) MarkMissed(ctx context.Context, id string) (*dose.Occurrence, error) {
	return m.transition(ctx, id, dose.StatusMissed)
}

func (m *Manager) transition(ctx context.Context, id string, target dose.Status) (*dose.Occurrence, error) {
	ctx, span := m.tracer.Start(ctx, "engine.transition",
		trace.WithAttributes(
			attribute.String("occurrence_id", id),
			attribute.String("target", string(target)),
		))
	defer span.End()

	current, err := m.store.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if current.Status.Terminal() {
		return settled(current, target)
	}

	updated, err := m.store.Transition(ctx, id, dose.StatusPending, target, m.clock.Now())
	if errors.Is(err, dose.ErrConflictingTransition) {
		m.metrics.TransitionConflicts.Inc()
		m.logger.Debug("lost transition race",
			zap.String("occurrence_id", id),
			zap.String("target", string(target)))
		if updated == nil {
			return nil, err
		}
		return settled(updated, target)
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("transition %s to %s: %w", id, target, err)
	}

	m.metrics.Transitions.WithLabelValues(string(target)).Inc()
	m.logger.Info("dose transitioned",
		zap.String("occurrence_id", id),
		zap.String("patient_id", updated.PatientID),
		zap.String("medicine", updated.MedicineName),
		zap.String("status", string(target)))

	ev, err := dose.NewEvent(updated)
	if err != nil {
		m.logger.Error("build transition event", zap.String("occurrence_id", id), zap.Error(err))
		return updated, nil
	}
	m.bus.Publish(ctx, ev)
	return updated, nil
}

// settled resolves a request against an occurrence that is already terminal.
func settled(o *dose.Occurrence, target dose.Status) (*dose.Occurrence, error) {
	if o.Status == target {
		return o, nil
	}
	return o, fmt.Errorf("%w: %s is %s", dose.ErrAlreadyTerminal, o.ID, o.Status)
}
