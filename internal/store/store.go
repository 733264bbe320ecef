// Package store defines the persistence boundary of the adherence engine.
package store

import (
	"context"
	"time"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
)

// OccurrenceStore is the idempotent upsert/query surface for dose occurrences.
type OccurrenceStore interface {
	// GetOrCreate returns the occurrence for the seed's derived id, creating it
	// on first use. Calling it again for the same key never creates a second row.
	GetOrCreate(ctx context.Context, seed dose.Seed) (*dose.Occurrence, error)
	Get(ctx context.Context, id string) (*dose.Occurrence, error)
	// ListOpen returns PENDING occurrences scheduled at or after since, oldest first.
	ListOpen(ctx context.Context, patientID string, since time.Time) ([]*dose.Occurrence, error)
	ListByPatientDate(ctx context.Context, patientID, date string) ([]*dose.Occurrence, error)
	// Transition is a compare-and-swap on the status. When the current status
	// is not from it returns the current occurrence and dose.ErrConflictingTransition.
	Transition(ctx context.Context, id string, from, to dose.Status, at time.Time) (*dose.Occurrence, error)
}

// ReminderStore persists reminder definitions.
type ReminderStore interface {
	GetReminder(ctx context.Context, id string) (*reminder.Definition, error)
	ListReminders(ctx context.Context, patientID string) ([]*reminder.Definition, error)
	SaveReminder(ctx context.Context, def *reminder.Definition) error
	// DeleteReminder removes the definition and cascades to its occurrences.
	DeleteReminder(ctx context.Context, id string) error
}

// PatientStore persists patients.
type PatientStore interface {
	GetPatient(ctx context.Context, id string) (*reminder.Patient, error)
	ListPatients(ctx context.Context) ([]*reminder.Patient, error)
	SavePatient(ctx context.Context, p *reminder.Patient) error
}

// EscalationStore persists caregiver alert records.
type EscalationStore interface {
	GetEscalation(ctx context.Context, key dose.EscalationKey) (*dose.EscalationRecord, error)
	ListEscalations(ctx context.Context, patientID, date string) ([]*dose.EscalationRecord, error)
	// Claim reserves the right to send for key. It succeeds when no record
	// exists, or the record is unsent and its last attempt is at or before
	// retryAfter. A successful claim stamps the attempt at now.
	Claim(ctx context.Context, key dose.EscalationKey, now, retryAfter time.Time) (bool, error)
	MarkSent(ctx context.Context, key dose.EscalationKey, missedCount int, at time.Time) error
	MarkFailed(ctx context.Context, key dose.EscalationKey, reason string, at time.Time) error
}

// Store is the full persistence surface.
type Store interface {
	OccurrenceStore
	ReminderStore
	PatientStore
	EscalationStore
}
