package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/messaging"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/schedule"
	"github.com/medimeet/adherence/internal/store"
	"github.com/medimeet/adherence/pkg/workerpool"
)

// EscalationConfig holds the caregiver escalation policy
type EscalationConfig struct {
	// Threshold is the number of missed doses in a day that alerts the caregiver
	Threshold int `mapstructure:"threshold"`
	// RetryBackoff is how long a failed alert waits before it may be claimed again
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// SweepInterval is the period of the scheduled sweep over all patients
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// Send configures the pool delivering messages
	Send workerpool.Config `mapstructure:"send"`
}

// DefaultEscalationConfig returns the default policy
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Threshold:     2,
		RetryBackoff:  5 * time.Minute,
		SweepInterval: 5 * time.Minute,
		Send:          workerpool.DefaultConfig(),
	}
}

// Notice describes a delivered caregiver alert
type Notice struct {
	PatientID   string
	Contact     string
	Date        string
	MissedCount int
}

type delivery struct {
	key         dose.EscalationKey
	patientName string
	medicines   []string
}

// Aggregator alerts caregivers once a patient misses Threshold doses in a
// day. Each (patient, contact, day) gets one message; the store's Claim
// decides which process sends it, so concurrent triggers never double-send.
type Aggregator struct {
	cfg     EscalationConfig
	store   store.Store
	sender  messaging.Sender
	pool    *workerpool.Pool
	clock   clockwork.Clock
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
	onSent  func(Notice)
}

// NewAggregator creates an aggregator. Call Start before the first trigger.
func NewAggregator(cfg EscalationConfig, st store.Store, sender messaging.Sender, clock clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) (*Aggregator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	def := DefaultEscalationConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	a := &Aggregator{
		cfg:     cfg,
		store:   st,
		sender:  sender,
		clock:   clock,
		metrics: m,
		tracer:  otel.Tracer("adherence-engine"),
		logger:  logger,
	}
	pool, err := workerpool.New(cfg.Send, a.deliver, a.giveUp, logger.Named("escalation-pool"))
	if err != nil {
		return nil, fmt.Errorf("create send pool: %w", err)
	}
	a.pool = pool
	return a, nil
}

// OnSent registers a callback run after each delivered alert
func (a *Aggregator) OnSent(fn func(Notice)) { a.onSent = fn }

// Start launches the send workers
func (a *Aggregator) Start() { a.pool.Start() }

// Stop drains queued sends
func (a *Aggregator) Stop() error { return a.pool.Stop() }

// Attach subscribes the aggregator to DoseMissed events on bus
func (a *Aggregator) Attach(bus *Bus) func() {
	return bus.Subscribe(a.HandleEvent)
}

// HandleEvent evaluates the patient's day after one of their doses is missed
func (a *Aggregator) HandleEvent(ctx context.Context, ev *dose.Event) {
	if ev.EventType != dose.EventDoseMissed {
		return
	}
	if err := a.Evaluate(ctx, ev.PatientID, ev.Date); err != nil {
		a.logger.Error("escalation evaluation failed",
			zap.String("patient_id", ev.PatientID),
			zap.String("date", ev.Date),
			zap.Error(err))
	}
}

// Sweep evaluates today, in each patient's zone, for every patient
func (a *Aggregator) Sweep(ctx context.Context) error {
	patients, err := a.store.ListPatients(ctx)
	if err != nil {
		return fmt.Errorf("list patients: %w", err)
	}
	now := a.clock.Now()
	var errs []error
	for _, p := range patients {
		if err := a.Evaluate(ctx, p.ID, schedule.DateKey(now, p.Location())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Evaluate counts the patient's missed doses on date and queues one alert
// per caregiver contact that has not been alerted yet.
func (a *Aggregator) Evaluate(ctx context.Context, patientID, date string) error {
	ctx, span := a.tracer.Start(ctx, "engine.escalation.evaluate",
		trace.WithAttributes(
			attribute.String("patient_id", patientID),
			attribute.String("date", date),
		))
	defer span.End()

	day, err := a.store.ListByPatientDate(ctx, patientID, date)
	if err != nil {
		return fmt.Errorf("list occurrences of %s on %s: %w", patientID, date, err)
	}

	var medicines []string
	var contacts []string
	seen := make(map[string]bool)
	for _, o := range day {
		if o.Status != dose.StatusMissed {
			continue
		}
		medicines = append(medicines, o.MedicineName)
		if o.CaregiverContact != "" && !seen[o.CaregiverContact] {
			seen[o.CaregiverContact] = true
			contacts = append(contacts, o.CaregiverContact)
		}
	}
	span.SetAttributes(attribute.Int("missed", len(medicines)))
	if len(medicines) < a.cfg.Threshold || len(contacts) == 0 {
		return nil
	}

	name := patientID
	p, err := a.store.GetPatient(ctx, patientID)
	switch {
	case err == nil:
		name = p.Name
	case errors.Is(err, dose.ErrNotFound):
	default:
		return fmt.Errorf("load patient %s: %w", patientID, err)
	}

	now := a.clock.Now()
	for _, contact := range contacts {
		key := dose.EscalationKey{PatientID: patientID, Contact: contact, Date: date}
		claimed, err := a.store.Claim(ctx, key, now, now.Add(-a.cfg.RetryBackoff))
		if err != nil {
			return fmt.Errorf("claim %s: %w", key, err)
		}
		if !claimed {
			continue
		}

		job := workerpool.Job{
			Key:     key.String(),
			Payload: delivery{key: key, patientName: name, medicines: medicines},
		}
		if err := a.pool.Submit(job); err != nil {
			a.logger.Warn("escalation not queued", zap.String("key", key.String()), zap.Error(err))
			if mErr := a.store.MarkFailed(ctx, key, err.Error(), now); mErr != nil {
				a.logger.Error("record unqueued escalation", zap.String("key", key.String()), zap.Error(mErr))
			}
			continue
		}
		a.logger.Info("caregiver escalation queued",
			zap.String("patient_id", patientID),
			zap.String("contact", contact),
			zap.Int("missed", len(medicines)))
	}
	return nil
}

func (a *Aggregator) deliver(ctx context.Context, job workerpool.Job) error {
	d := job.Payload.(delivery)

	ctx, span := a.tracer.Start(ctx, "engine.escalation.send",
		trace.WithAttributes(attribute.String("key", d.key.String())))
	defer span.End()

	text := messaging.FormatEscalation(d.patientName, d.medicines)
	if err := a.sender.Send(ctx, d.key.Contact, text); err != nil {
		span.RecordError(err)
		return err
	}

	a.metrics.EscalationsSent.Inc()
	if err := a.store.MarkSent(ctx, d.key, len(d.medicines), a.clock.Now()); err != nil {
		// The message went out; sending again would duplicate it.
		a.logger.Error("record sent escalation", zap.String("key", d.key.String()), zap.Error(err))
	}
	a.logger.Info("caregiver alerted",
		zap.String("patient_id", d.key.PatientID),
		zap.String("contact", d.key.Contact),
		zap.Int("missed", len(d.medicines)))

	if a.onSent != nil {
		a.onSent(Notice{
			PatientID:   d.key.PatientID,
			Contact:     d.key.Contact,
			Date:        d.key.Date,
			MissedCount: len(d.medicines),
		})
	}
	return nil
}

func (a *Aggregator) giveUp(job workerpool.Job, err error) {
	d := job.Payload.(delivery)
	a.metrics.EscalationsFailed.Inc()
	if mErr := a.store.MarkFailed(context.Background(), d.key, err.Error(), a.clock.Now()); mErr != nil {
		a.logger.Error("record failed escalation", zap.String("key", d.key.String()), zap.Error(mErr))
	}
}
