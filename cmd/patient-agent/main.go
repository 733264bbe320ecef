// Package main provides the patient session agent. It evaluates one
// patient's schedule, alerts on the terminal when a dose is due and marks
// the dose taken when the alert is acknowledged.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/alert"
	"github.com/medimeet/adherence/internal/app"
	"github.com/medimeet/adherence/internal/config"
	"github.com/medimeet/adherence/internal/domain/reminder"
	"github.com/medimeet/adherence/internal/engine"
	"github.com/medimeet/adherence/internal/jobs"
	"github.com/medimeet/adherence/internal/observability/logging"
	"github.com/medimeet/adherence/internal/observability/metrics"
	"github.com/medimeet/adherence/internal/store"
)

const serviceName = "patient-agent"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	patientID := flag.String("patient", "", "patient id (overrides agent.patient_id)")
	demo := flag.Bool("demo", false, "seed a demo patient with a dose due in a minute")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *patientID != "" {
		cfg.Agent.PatientID = *patientID
	}

	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()
	m := metrics.New(nil)

	storage, err := app.OpenStorage(ctx, cfg.Database, clock, logger)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer storage.Close()

	if *demo {
		id, err := seedDemo(ctx, storage.Store, clock.Now())
		if err != nil {
			logger.Fatal("demo seed failed", zap.Error(err))
		}
		cfg.Agent.PatientID = id
	}
	if cfg.Agent.PatientID == "" {
		logger.Fatal("no patient selected; set agent.patient_id or pass -patient")
	}

	patient, err := storage.Store.GetPatient(ctx, cfg.Agent.PatientID)
	if err != nil {
		logger.Fatal("load patient failed", zap.String("patient_id", cfg.Agent.PatientID), zap.Error(err))
	}
	loc := patient.Location()

	terminal := alert.NewTerminal(os.Stdout, clock)
	bus := engine.NewBus(logger.Named("bus"))
	manager := engine.NewManager(storage.Store, bus, clock, m, logger)

	alertsCfg := cfg.Alerts
	alertsCfg.Location = loc
	dispatcher := engine.NewDispatcher(alertsCfg, terminal, manager, clock, m, logger.Named("alerts"))

	sender, _, err := app.NewSender(cfg.Messaging, m, logger)
	if err != nil {
		logger.Fatal("messaging init failed", zap.Error(err))
	}
	aggregator, err := engine.NewAggregator(cfg.Escalation, storage.Store, sender, clock, m, logger.Named("escalation"))
	if err != nil {
		logger.Fatal("escalation init failed", zap.Error(err))
	}
	aggregator.OnSent(func(n engine.Notice) {
		if n.PatientID != patient.ID {
			return
		}
		terminal.RaiseVisual("Caregiver Notified",
			fmt.Sprintf("Caregiver has been notified about %d missed medicines today.", n.MissedCount), nil)
	})
	aggregator.Start()
	detach := aggregator.Attach(bus)

	evaluator := engine.NewEvaluator(cfg.Engine, engine.SinglePatient(patient.ID), storage.Store, manager, dispatcher, clock, m, logger.Named("evaluator"))
	if err := evaluator.Start(ctx); err != nil {
		logger.Fatal("evaluator start failed", zap.Error(err))
	}

	scheduler, err := jobs.New(clock, logger.Named("jobs"))
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	if err := scheduler.Add(jobs.AlertPrune(dispatcher, clock, loc, cfg.Jobs.AlertPruneInterval, logger)); err != nil {
		logger.Fatal("schedule prune failed", zap.Error(err))
	}
	scheduler.Start()

	fmt.Fprintf(os.Stdout, "Watching doses for %s. Press Ctrl+C to end the session.\n", patient.Name)
	go func() {
		if err := terminal.ReadAcknowledgments(ctx, os.Stdin); err != nil {
			logger.Warn("reading acknowledgments stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("ending session")

	evaluator.Stop()
	dispatcher.Close()
	if err := scheduler.Stop(); err != nil {
		logger.Error("scheduler shutdown error", zap.Error(err))
	}
	detach()
	if err := aggregator.Stop(); err != nil {
		logger.Error("escalation drain error", zap.Error(err))
	}
}

// seedDemo stores a patient with one daily reminder due a minute from now
func seedDemo(ctx context.Context, st store.Store, now time.Time) (string, error) {
	p := &reminder.Patient{ID: uuid.New().String(), Name: "Demo Patient", TimeZone: "UTC"}
	if err := st.SavePatient(ctx, p); err != nil {
		return "", err
	}

	due := now.UTC().Add(time.Minute)
	def := &reminder.Definition{
		ID:               uuid.New().String(),
		PatientID:        p.ID,
		MedicineName:     "Vitamin D",
		Dosage:           "1000 IU",
		Recurrence:       reminder.RecurrenceDaily,
		Times:            []reminder.TimeOfDay{{Hour: due.Hour(), Minute: due.Minute()}},
		CaregiverContact: "+15550100",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	def.Normalize()
	if err := def.Validate(); err != nil {
		return "", err
	}
	return p.ID, st.SaveReminder(ctx, def)
}
