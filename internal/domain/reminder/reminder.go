// Package reminder defines the recurring medication schedule a patient configures.
package reminder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Recurrence represents how often a reminder repeats
type Recurrence string

const (
	RecurrenceDaily        Recurrence = "DAILY"
	RecurrenceSpecificDays Recurrence = "SPECIFIC_DAYS"
)

var (
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	ErrNoDays            = errors.New("specific-days recurrence requires at least one weekday")
	ErrNoTimes           = errors.New("at least one time of day is required")
	ErrDuplicateTime     = errors.New("duplicate time of day")
	ErrInvalidTime       = errors.New("invalid time of day")
)

// TimeOfDay is a wall-clock slot with no date component.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return t, nil
}

// Valid reports whether the slot is a real wall-clock minute.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

// String formats as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// MarshalText implements encoding.TextMarshaler so slots travel as "HH:MM".
func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Definition is a patient's recurring schedule for one medicine.
type Definition struct {
	ID               string         `json:"id"`
	PatientID        string         `json:"patient_id"`
	MedicineName     string         `json:"medicine_name"`
	Dosage           string         `json:"dosage"`
	Recurrence       Recurrence     `json:"recurrence"`
	Days             []time.Weekday `json:"days,omitempty"`
	Times            []TimeOfDay    `json:"times"`
	CaregiverContact string         `json:"caregiver_contact"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Validate checks the definition's structural invariants.
func (d *Definition) Validate() error {
	switch d.Recurrence {
	case RecurrenceDaily:
	case RecurrenceSpecificDays:
		if len(d.Days) == 0 {
			return ErrNoDays
		}
		for _, wd := range d.Days {
			if wd < time.Sunday || wd > time.Saturday {
				return fmt.Errorf("%w: weekday %d", ErrInvalidRecurrence, wd)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRecurrence, d.Recurrence)
	}

	if len(d.Times) == 0 {
		return ErrNoTimes
	}
	seen := make(map[TimeOfDay]bool, len(d.Times))
	for _, t := range d.Times {
		if !t.Valid() {
			return fmt.Errorf("%w: %02d:%02d", ErrInvalidTime, t.Hour, t.Minute)
		}
		if seen[t] {
			return fmt.Errorf("%w: %s", ErrDuplicateTime, t)
		}
		seen[t] = true
	}
	return nil
}

// Normalize clears the weekday set for daily reminders.
func (d *Definition) Normalize() {
	if d.Recurrence != RecurrenceSpecificDays {
		d.Days = nil
	}
}

// OccursOn reports whether the reminder is scheduled on the given weekday.
func (d *Definition) OccursOn(wd time.Weekday) bool {
	if d.Recurrence == RecurrenceDaily {
		return true
	}
	for _, day := range d.Days {
		if day == wd {
			return true
		}
	}
	return false
}

// Patient is the owner of reminder definitions.
type Patient struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"time_zone,omitempty"`
}

// Location resolves the patient's zone, falling back to UTC.
func (p *Patient) Location() *time.Location {
	if p.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
