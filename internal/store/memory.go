package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
)

// Memory is an in-process Store used by the patient agent and tests.
type Memory struct {
	mu          sync.RWMutex
	clock       clockwork.Clock
	patients    map[string]*reminder.Patient
	reminders   map[string]*reminder.Definition
	occurrences map[string]*dose.Occurrence
	escalations map[dose.EscalationKey]*dose.EscalationRecord
}

// NewMemory creates an empty in-memory store. Creation times come from clock,
// or the wall clock when it is nil.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:       clock,
		patients:    make(map[string]*reminder.Patient),
		reminders:   make(map[string]*reminder.Definition),
		occurrences: make(map[string]*dose.Occurrence),
		escalations: make(map[dose.EscalationKey]*dose.EscalationRecord),
	}
}

var _ Store = (*Memory)(nil)

// GetOrCreate implements OccurrenceStore
func (m *Memory) GetOrCreate(_ context.Context, seed dose.Seed) (*dose.Occurrence, error) {
	id := seed.ID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if o, ok := m.occurrences[id]; ok {
		return o.Clone(), nil
	}
	if _, ok := m.reminders[seed.ReminderID]; !ok {
		return nil, fmt.Errorf("reminder %s: %w", seed.ReminderID, dose.ErrNotFound)
	}
	o := dose.NewOccurrence(seed, m.clock.Now())
	m.occurrences[id] = o
	return o.Clone(), nil
}

// Get implements OccurrenceStore
func (m *Memory) Get(_ context.Context, id string) (*dose.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.occurrences[id]
	if !ok {
		return nil, fmt.Errorf("occurrence %s: %w", id, dose.ErrNotFound)
	}
	return o.Clone(), nil
}

// ListOpen implements OccurrenceStore
func (m *Memory) ListOpen(_ context.Context, patientID string, since time.Time) ([]*dose.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*dose.Occurrence
	for _, o := range m.occurrences {
		if o.PatientID == patientID && o.Status == dose.StatusPending && !o.ScheduledAt.Before(since) {
			out = append(out, o.Clone())
		}
	}
	sortOccurrences(out)
	return out, nil
}

// ListByPatientDate implements OccurrenceStore
func (m *Memory) ListByPatientDate(_ context.Context, patientID, date string) ([]*dose.Occurrence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*dose.Occurrence
	for _, o := range m.occurrences {
		if o.PatientID == patientID && o.Date == date {
			out = append(out, o.Clone())
		}
	}
	sortOccurrences(out)
	return out, nil
}

// Transition implements OccurrenceStore
func (m *Memory) Transition(_ context.Context, id string, from, to dose.Status, at time.Time) (*dose.Occurrence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.occurrences[id]
	if !ok {
		return nil, fmt.Errorf("occurrence %s: %w", id, dose.ErrNotFound)
	}
	if err := o.Apply(from, to, at); err != nil {
		return o.Clone(), err
	}
	return o.Clone(), nil
}

// GetReminder implements ReminderStore
func (m *Memory) GetReminder(_ context.Context, id string) (*reminder.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, ok := m.reminders[id]
	if !ok {
		return nil, fmt.Errorf("reminder %s: %w", id, dose.ErrNotFound)
	}
	return cloneDefinition(def), nil
}

// ListReminders implements ReminderStore
func (m *Memory) ListReminders(_ context.Context, patientID string) ([]*reminder.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*reminder.Definition
	for _, def := range m.reminders {
		if def.PatientID == patientID {
			out = append(out, cloneDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SaveReminder implements ReminderStore
func (m *Memory) SaveReminder(_ context.Context, def *reminder.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reminders[def.ID] = cloneDefinition(def)
	return nil
}

// DeleteReminder implements ReminderStore
func (m *Memory) DeleteReminder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reminders[id]; !ok {
		return fmt.Errorf("reminder %s: %w", id, dose.ErrNotFound)
	}
	delete(m.reminders, id)
	for oid, o := range m.occurrences {
		if o.ReminderID == id {
			delete(m.occurrences, oid)
		}
	}
	return nil
}

// GetPatient implements PatientStore
func (m *Memory) GetPatient(_ context.Context, id string) (*reminder.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.patients[id]
	if !ok {
		return nil, fmt.Errorf("patient %s: %w", id, dose.ErrNotFound)
	}
	c := *p
	return &c, nil
}

// ListPatients implements PatientStore
func (m *Memory) ListPatients(_ context.Context) ([]*reminder.Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*reminder.Patient, 0, len(m.patients))
	for _, p := range m.patients {
		c := *p
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SavePatient implements PatientStore
func (m *Memory) SavePatient(_ context.Context, p *reminder.Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *p
	m.patients[p.ID] = &c
	return nil
}

// GetEscalation implements EscalationStore
func (m *Memory) GetEscalation(_ context.Context, key dose.EscalationKey) (*dose.EscalationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.escalations[key]
	if !ok {
		return nil, fmt.Errorf("escalation %s: %w", key, dose.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// ListEscalations implements EscalationStore
func (m *Memory) ListEscalations(_ context.Context, patientID, date string) ([]*dose.EscalationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*dose.EscalationRecord
	for key, rec := range m.escalations {
		if key.PatientID == patientID && key.Date == date {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contact < out[j].Contact })
	return out, nil
}

// Claim implements EscalationStore
func (m *Memory) Claim(_ context.Context, key dose.EscalationKey, now, retryAfter time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.escalations[key]
	if !ok {
		m.escalations[key] = &dose.EscalationRecord{EscalationKey: key, LastAttemptAt: now, Attempts: 1}
		return true, nil
	}
	if rec.Sent() || rec.LastAttemptAt.After(retryAfter) {
		return false, nil
	}
	rec.LastAttemptAt = now
	rec.Attempts++
	return true, nil
}

// MarkSent implements EscalationStore
func (m *Memory) MarkSent(_ context.Context, key dose.EscalationKey, missedCount int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.escalations[key]
	if !ok {
		return fmt.Errorf("escalation %s: %w", key, dose.ErrNotFound)
	}
	sent := at
	rec.SentAt = &sent
	rec.MissedCount = missedCount
	rec.LastError = ""
	return nil
}

// MarkFailed implements EscalationStore
func (m *Memory) MarkFailed(_ context.Context, key dose.EscalationKey, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.escalations[key]
	if !ok {
		return fmt.Errorf("escalation %s: %w", key, dose.ErrNotFound)
	}
	rec.LastError = reason
	rec.LastAttemptAt = at
	return nil
}

func sortOccurrences(out []*dose.Occurrence) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
}

func cloneDefinition(def *reminder.Definition) *reminder.Definition {
	c := *def
	c.Days = append([]time.Weekday(nil), def.Days...)
	c.Times = append([]reminder.TimeOfDay(nil), def.Times...)
	return &c
}

func cloneRecord(rec *dose.EscalationRecord) *dose.EscalationRecord {
	c := *rec
	if rec.SentAt != nil {
		t := *rec.SentAt
		c.SentAt = &t
	}
	return &c
}
