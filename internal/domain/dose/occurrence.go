// Package dose implements dose occurrences, their lifecycle and escalation records.
package dose

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status represents dose occurrence status
type Status string

const (
	StatusPending Status = "PENDING"
	StatusTaken   Status = "TAKEN"
	StatusMissed  Status = "MISSED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusTaken || s == StatusMissed
}

// DateLayout is the calendar-day format used in occurrence and escalation keys.
const DateLayout = "2006-01-02"

var (
	// ErrNotFound indicates an unknown occurrence or reminder identifier
	ErrNotFound = errors.New("not found")
	// ErrAlreadyTerminal indicates the occurrence already reached a different terminal status
	ErrAlreadyTerminal = errors.New("occurrence already terminal")
	// ErrConflictingTransition indicates a lost compare-and-swap on the status
	ErrConflictingTransition = errors.New("conflicting transition")
)

// occurrenceNamespace scopes the deterministic occurrence ids.
var occurrenceNamespace = uuid.MustParse("5b0c7f0e-2f0a-4c55-9a43-8d1f6a7e0c21")

// OccurrenceID derives the identifier for a (reminder, date, slot) key.
func OccurrenceID(reminderID, date string, slotIndex int) string {
	key := reminderID + "|" + date + "|" + strconv.Itoa(slotIndex)
	return uuid.NewSHA1(occurrenceNamespace, []byte(key)).String()
}

// Seed carries what the store needs to materialize an occurrence.
type Seed struct {
	ReminderID       string
	PatientID        string
	MedicineName     string
	Dosage           string
	CaregiverContact string
	Date             string
	SlotIndex        int
	ScheduledAt      time.Time
}

// ID returns the derived occurrence id for the seed.
func (s Seed) ID() string {
	return OccurrenceID(s.ReminderID, s.Date, s.SlotIndex)
}

// Occurrence is one concrete dose of a reminder on a calendar day and slot
type Occurrence struct {
	ID               string     `json:"id"`
	ReminderID       string     `json:"reminder_id"`
	PatientID        string     `json:"patient_id"`
	MedicineName     string     `json:"medicine_name"`
	Dosage           string     `json:"dosage"`
	CaregiverContact string     `json:"caregiver_contact"`
	Date             string     `json:"date"`
	SlotIndex        int        `json:"slot_index"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	Status           Status     `json:"status"`
	StatusChangedAt  *time.Time `json:"status_changed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// NewOccurrence creates a pending occurrence from a seed
func NewOccurrence(seed Seed, now time.Time) *Occurrence {
	return &Occurrence{
		ID:               seed.ID(),
		ReminderID:       seed.ReminderID,
		PatientID:        seed.PatientID,
		MedicineName:     seed.MedicineName,
		Dosage:           seed.Dosage,
		CaregiverContact: seed.CaregiverContact,
		Date:             seed.Date,
		SlotIndex:        seed.SlotIndex,
		ScheduledAt:      seed.ScheduledAt,
		Status:           StatusPending,
		CreatedAt:        now,
	}
}

// Apply performs the conditional transition in memory.
// It returns ErrConflictingTransition when the current status is not from.
func (o *Occurrence) Apply(from, to Status, at time.Time) error {
	if o.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrConflictingTransition, o.ID, o.Status, from)
	}
	if !to.Terminal() {
		return fmt.Errorf("invalid target status %s", to)
	}
	o.Status = to
	changed := at
	o.StatusChangedAt = &changed
	return nil
}

// Clone returns a copy safe to hand out of a store.
func (o *Occurrence) Clone() *Occurrence {
	c := *o
	if o.StatusChangedAt != nil {
		t := *o.StatusChangedAt
		c.StatusChangedAt = &t
	}
	return &c
}

// EscalationKey identifies one caregiver alert per patient per day.
type EscalationKey struct {
	PatientID string `json:"patient_id"`
	Contact   string `json:"contact"`
	Date      string `json:"date"`
}

func (k EscalationKey) String() string {
	return k.PatientID + "|" + k.Contact + "|" + k.Date
}

// EscalationRecord tracks the caregiver alert for an EscalationKey.
type EscalationRecord struct {
	EscalationKey
	MissedCount   int        `json:"missed_count"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
}

// Sent reports whether the alert was delivered.
func (r *EscalationRecord) Sent() bool { return r.SentAt != nil }
