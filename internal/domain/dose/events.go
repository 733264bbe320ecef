package dose

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventDoseTaken  EventType = "DoseTaken"
	EventDoseMissed EventType = "DoseMissed"
)

// Event represents a domain event emitted by a successful transition
type Event struct {
	ID           string    `json:"id"`
	EventType    EventType `json:"event_type"`
	OccurrenceID string    `json:"occurrence_id"`
	ReminderID   string    `json:"reminder_id"`
	PatientID    string    `json:"patient_id"`
	MedicineName string    `json:"medicine_name"`
	Dosage       string    `json:"dosage"`
	Date         string    `json:"date"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewEvent creates the event matching the occurrence's terminal status
func NewEvent(o *Occurrence) (*Event, error) {
	var eventType EventType
	switch o.Status {
	case StatusTaken:
		eventType = EventDoseTaken
	case StatusMissed:
		eventType = EventDoseMissed
	default:
		return nil, fmt.Errorf("no event for status %s", o.Status)
	}

	ts := o.CreatedAt
	if o.StatusChangedAt != nil {
		ts = *o.StatusChangedAt
	}

	return &Event{
		ID:           uuid.New().String(),
		EventType:    eventType,
		OccurrenceID: o.ID,
		ReminderID:   o.ReminderID,
		PatientID:    o.PatientID,
		MedicineName: o.MedicineName,
		Dosage:       o.Dosage,
		Date:         o.Date,
		ScheduledAt:  o.ScheduledAt,
		Timestamp:    ts.UTC(),
	}, nil
}

// Marshal encodes the event for the outbox and the broker.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes an event payload.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}
