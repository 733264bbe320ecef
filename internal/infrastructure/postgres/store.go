// Package postgres provides the PostgreSQL store and the transactional outbox.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
	"github.com/medimeet/adherence/internal/infrastructure/redpanda"
	"github.com/medimeet/adherence/internal/store"
)

// AggregateOccurrence is the outbox aggregate type for dose events
const AggregateOccurrence = "dose_occurrence"

// Store persists patients, reminders, occurrences and escalations.
// Every successful status transition writes its event to the outbox
// in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new store
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

type scanner interface {
	Scan(dest ...any) error
}

const occurrenceColumns = `id, reminder_id, patient_id, medicine_name, dosage, caregiver_contact,
	date, slot_index, scheduled_at, status, status_changed_at, created_at`

func scanOccurrence(row scanner) (*dose.Occurrence, error) {
	o := &dose.Occurrence{}
	err := row.Scan(
		&o.ID, &o.ReminderID, &o.PatientID, &o.MedicineName, &o.Dosage, &o.CaregiverContact,
		&o.Date, &o.SlotIndex, &o.ScheduledAt, &o.Status, &o.StatusChangedAt, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func collectOccurrences(rows pgx.Rows) ([]*dose.Occurrence, error) {
	defer rows.Close()
	var out []*dose.Occurrence
	for rows.Next() {
		o, err := scanOccurrence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan occurrence: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// GetOrCreate implements store.OccurrenceStore
func (s *Store) GetOrCreate(ctx context.Context, seed dose.Seed) (*dose.Occurrence, error) {
	id := seed.ID()

	// The insert is a no-op when the row exists; the foreign key rejects
	// seeds for deleted reminders.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO occurrences
		(id, reminder_id, patient_id, medicine_name, dosage, caregiver_contact, date, slot_index, scheduled_at, status)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		WHERE EXISTS (SELECT 1 FROM reminders WHERE id = $2)
		ON CONFLICT (id) DO NOTHING
	`, id, seed.ReminderID, seed.PatientID, seed.MedicineName, seed.Dosage, seed.CaregiverContact,
		seed.Date, seed.SlotIndex, seed.ScheduledAt, dose.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("insert occurrence %s: %w", id, err)
	}

	o, err := s.Get(ctx, id)
	if errors.Is(err, dose.ErrNotFound) {
		return nil, fmt.Errorf("reminder %s: %w", seed.ReminderID, dose.ErrNotFound)
	}
	return o, err
}

// Get implements store.OccurrenceStore
func (s *Store) Get(ctx context.Context, id string) (*dose.Occurrence, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE id = $1`, id)
	o, err := scanOccurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("occurrence %s: %w", id, dose.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get occurrence %s: %w", id, err)
	}
	return o, nil
}

// ListOpen implements store.OccurrenceStore
func (s *Store) ListOpen(ctx context.Context, patientID string, since time.Time) ([]*dose.Occurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+occurrenceColumns+`
		FROM occurrences
		WHERE patient_id = $1 AND status = $2 AND scheduled_at >= $3
		ORDER BY scheduled_at ASC, id ASC
	`, patientID, dose.StatusPending, since)
	if err != nil {
		return nil, fmt.Errorf("list open occurrences: %w", err)
	}
	return collectOccurrences(rows)
}

// ListByPatientDate implements store.OccurrenceStore
func (s *Store) ListByPatientDate(ctx context.Context, patientID, date string) ([]*dose.Occurrence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+occurrenceColumns+`
		FROM occurrences
		WHERE patient_id = $1 AND date = $2
		ORDER BY scheduled_at ASC, id ASC
	`, patientID, date)
	if err != nil {
		return nil, fmt.Errorf("list occurrences: %w", err)
	}
	return collectOccurrences(rows)
}

// Transition implements store.OccurrenceStore
func (s *Store) Transition(ctx context.Context, id string, from, to dose.Status, at time.Time) (*dose.Occurrence, error) {
	if !to.Terminal() {
		return nil, fmt.Errorf("invalid target status %s", to)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE occurrences
		SET status = $1, status_changed_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+occurrenceColumns,
		to, at, id, from)
	o, err := scanOccurrence(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("%w: %s is %s, expected %s", dose.ErrConflictingTransition, id, current.Status, from)
	}
	if err != nil {
		return nil, fmt.Errorf("update occurrence %s: %w", id, err)
	}

	ev, err := dose.NewEvent(o)
	if err != nil {
		return nil, err
	}
	payload, err := ev.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	entry := &OutboxEntry{
		AggregateID:   o.ID,
		AggregateType: AggregateOccurrence,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicDoseEvents,
		KafkaKey:      o.PatientID,
	}
	if err := WriteEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return o, nil
}

const reminderColumns = `id, patient_id, medicine_name, dosage, recurrence, days, times,
	caregiver_contact, created_at, updated_at`

func scanReminder(row scanner) (*reminder.Definition, error) {
	def := &reminder.Definition{}
	var days []int16
	var times []string
	err := row.Scan(
		&def.ID, &def.PatientID, &def.MedicineName, &def.Dosage, &def.Recurrence, &days, &times,
		&def.CaregiverContact, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, d := range days {
		def.Days = append(def.Days, time.Weekday(d))
	}
	for _, t := range times {
		slot, err := reminder.ParseTimeOfDay(t)
		if err != nil {
			return nil, fmt.Errorf("reminder %s: %w", def.ID, err)
		}
		def.Times = append(def.Times, slot)
	}
	return def, nil
}

// GetReminder implements store.ReminderStore
func (s *Store) GetReminder(ctx context.Context, id string) (*reminder.Definition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	def, err := scanReminder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reminder %s: %w", id, dose.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return def, nil
}

// ListReminders implements store.ReminderStore
func (s *Store) ListReminders(ctx context.Context, patientID string) ([]*reminder.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+reminderColumns+`
		FROM reminders
		WHERE patient_id = $1
		ORDER BY created_at DESC
	`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []*reminder.Definition
	for rows.Next() {
		def, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// SaveReminder implements store.ReminderStore
func (s *Store) SaveReminder(ctx context.Context, def *reminder.Definition) error {
	days := make([]int16, 0, len(def.Days))
	for _, d := range def.Days {
		days = append(days, int16(d))
	}
	times := make([]string, 0, len(def.Times))
	for _, t := range def.Times {
		times = append(times, t.String())
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO reminders
		(id, patient_id, medicine_name, dosage, recurrence, days, times, caregiver_contact, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			medicine_name = EXCLUDED.medicine_name,
			dosage = EXCLUDED.dosage,
			recurrence = EXCLUDED.recurrence,
			days = EXCLUDED.days,
			times = EXCLUDED.times,
			caregiver_contact = EXCLUDED.caregiver_contact,
			updated_at = EXCLUDED.updated_at
	`, def.ID, def.PatientID, def.MedicineName, def.Dosage, def.Recurrence, days, times,
		def.CaregiverContact, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save reminder %s: %w", def.ID, err)
	}
	return nil
}

// DeleteReminder implements store.ReminderStore. Occurrences go with it via ON DELETE CASCADE.
func (s *Store) DeleteReminder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reminder %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reminder %s: %w", id, dose.ErrNotFound)
	}
	return nil
}

// GetPatient implements store.PatientStore
func (s *Store) GetPatient(ctx context.Context, id string) (*reminder.Patient, error) {
	p := &reminder.Patient{}
	err := s.pool.QueryRow(ctx, `SELECT id, name, time_zone FROM patients WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.TimeZone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("patient %s: %w", id, dose.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient %s: %w", id, err)
	}
	return p, nil
}

// ListPatients implements store.PatientStore
func (s *Store) ListPatients(ctx context.Context) ([]*reminder.Patient, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, time_zone FROM patients ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*reminder.Patient
	for rows.Next() {
		p := &reminder.Patient{}
		if err := rows.Scan(&p.ID, &p.Name, &p.TimeZone); err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePatient implements store.PatientStore
func (s *Store) SavePatient(ctx context.Context, p *reminder.Patient) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patients (id, name, time_zone) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, time_zone = EXCLUDED.time_zone
	`, p.ID, p.Name, p.TimeZone)
	if err != nil {
		return fmt.Errorf("save patient %s: %w", p.ID, err)
	}
	return nil
}

const escalationColumns = `patient_id, contact, date, missed_count, sent_at, last_attempt_at, attempts, last_error`

func scanEscalation(row scanner) (*dose.EscalationRecord, error) {
	rec := &dose.EscalationRecord{}
	err := row.Scan(
		&rec.PatientID, &rec.Contact, &rec.Date, &rec.MissedCount,
		&rec.SentAt, &rec.LastAttemptAt, &rec.Attempts, &rec.LastError,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetEscalation implements store.EscalationStore
func (s *Store) GetEscalation(ctx context.Context, key dose.EscalationKey) (*dose.EscalationRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE patient_id = $1 AND contact = $2 AND date = $3
	`, key.PatientID, key.Contact, key.Date)
	rec, err := scanEscalation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", key, dose.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation %s: %w", key, err)
	}
	return rec, nil
}

// ListEscalations implements store.EscalationStore
func (s *Store) ListEscalations(ctx context.Context, patientID, date string) ([]*dose.EscalationRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE patient_id = $1 AND date = $2
		ORDER BY contact
	`, patientID, date)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []*dose.EscalationRecord
	for rows.Next() {
		rec, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Claim implements store.EscalationStore as a single conditional upsert,
// so concurrent workers can never both win the same key.
func (s *Store) Claim(ctx context.Context, key dose.EscalationKey, now, retryAfter time.Time) (bool, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO escalations (patient_id, contact, date, last_attempt_at, attempts)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (patient_id, contact, date) DO UPDATE
		SET last_attempt_at = EXCLUDED.last_attempt_at, attempts = escalations.attempts + 1
		WHERE escalations.sent_at IS NULL AND escalations.last_attempt_at <= $5
		RETURNING attempts
	`, key.PatientID, key.Contact, key.Date, now, retryAfter).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim escalation %s: %w", key, err)
	}
	return true, nil
}

// MarkSent implements store.EscalationStore
func (s *Store) MarkSent(ctx context.Context, key dose.EscalationKey, missedCount int, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escalations
		SET sent_at = $1, missed_count = $2, last_error = ''
		WHERE patient_id = $3 AND contact = $4 AND date = $5
	`, at, missedCount, key.PatientID, key.Contact, key.Date)
	if err != nil {
		return fmt.Errorf("mark escalation sent %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation %s: %w", key, dose.ErrNotFound)
	}
	return nil
}

// MarkFailed implements store.EscalationStore
func (s *Store) MarkFailed(ctx context.Context, key dose.EscalationKey, reason string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escalations
		SET last_error = $1, last_attempt_at = $2
		WHERE patient_id = $3 AND contact = $4 AND date = $5
	`, reason, at, key.PatientID, key.Contact, key.Date)
	if err != nil {
		return fmt.Errorf("mark escalation failed %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escalation %s: %w", key, dose.ErrNotFound)
	}
	return nil
}
