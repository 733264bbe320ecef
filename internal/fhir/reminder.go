package fhir

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/medimeet/adherence/internal/domain/reminder"
)

var (
	// ErrNotSchedulable marks requests that carry no fixed daily schedule
	ErrNotSchedulable = errors.New("medication request has no fixed schedule")
	// ErrInactive marks requests whose status does not call for doses
	ErrInactive = errors.New("medication request is not active")
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ToDefinition converts the first scheduled dosage instruction of mr into a
// reminder definition. Identity, owner and caregiver fields are left for the
// caller. Only daily and weekly repeats with explicit times of day map onto
// the reminder model; as-needed and interval dosing are rejected.
func ToDefinition(mr *MedicationRequest) (*reminder.Definition, error) {
	if mr.ResourceType != "" && mr.ResourceType != "MedicationRequest" {
		return nil, fmt.Errorf("unexpected resource type %q", mr.ResourceType)
	}
	switch mr.Status {
	case "active", "draft", "":
	default:
		return nil, fmt.Errorf("%w: status %s", ErrInactive, mr.Status)
	}

	name := mr.MedicationDisplay()
	if name == "" {
		return nil, errors.New("medication has no display name")
	}

	dosage, repeat := scheduledDosage(mr.DosageInstruction)
	if repeat == nil {
		return nil, fmt.Errorf("%w: no dosage instruction with timing.repeat.timeOfDay", ErrNotSchedulable)
	}

	def := &reminder.Definition{
		MedicineName: name,
		Dosage:       doseText(dosage, mr.RenderedDosageInstruction),
		Recurrence:   reminder.RecurrenceDaily,
	}

	switch repeat.PeriodUnit {
	case "", "d":
		if repeat.Period > 1 {
			return nil, fmt.Errorf("%w: every %g days", ErrNotSchedulable, repeat.Period)
		}
	case "wk":
		if repeat.Period > 1 {
			return nil, fmt.Errorf("%w: every %g weeks", ErrNotSchedulable, repeat.Period)
		}
	default:
		return nil, fmt.Errorf("%w: period unit %s", ErrNotSchedulable, repeat.PeriodUnit)
	}

	for _, t := range repeat.TimeOfDay {
		slot, err := parseFHIRTime(t)
		if err != nil {
			return nil, err
		}
		def.Times = append(def.Times, slot)
	}
	for _, d := range repeat.DayOfWeek {
		wd, ok := weekdays[strings.ToLower(d)]
		if !ok {
			return nil, fmt.Errorf("invalid dayOfWeek %q", d)
		}
		def.Days = append(def.Days, wd)
	}
	if len(def.Days) > 0 {
		def.Recurrence = reminder.RecurrenceSpecificDays
	}

	def.Normalize()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func scheduledDosage(instructions []Dosage) (*Dosage, *TimingRepeat) {
	for i := range instructions {
		d := &instructions[i]
		if d.AsNeeded || d.Timing == nil || d.Timing.Repeat == nil {
			continue
		}
		if len(d.Timing.Repeat.TimeOfDay) > 0 {
			return d, d.Timing.Repeat
		}
	}
	return nil, nil
}

func doseText(d *Dosage, rendered string) string {
	for _, dr := range d.DoseAndRate {
		if q := dr.DoseQuantity; q != nil && q.Value > 0 {
			return strings.TrimSpace(strconv.FormatFloat(q.Value, 'f', -1, 64) + " " + q.Unit)
		}
	}
	if d.Text != "" {
		return d.Text
	}
	return rendered
}

// parseFHIRTime accepts hh:mm:ss and hh:mm. Seconds are dropped.
func parseFHIRTime(s string) (reminder.TimeOfDay, error) {
	parts := strings.Split(s, ":")
	if len(parts) == 3 {
		s = parts[0] + ":" + parts[1]
	}
	return reminder.ParseTimeOfDay(s)
}
