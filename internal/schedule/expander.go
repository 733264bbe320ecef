// Package schedule expands reminder definitions into the dose slots due on a calendar day.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
)

// Slot is one scheduled dose of a definition on a given day.
type Slot struct {
	// Index is the position of the time in the definition's Times list.
	Index       int
	ScheduledAt time.Time
}

var weekdays = map[time.Weekday]rrule.Weekday{
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
	time.Sunday:    rrule.SU,
}

// Expand returns the time-ordered slots of def on the calendar day containing
// date in loc. It has no side effects; callers materialize occurrences through
// the store using the derived occurrence id.
func Expand(def *reminder.Definition, date time.Time, loc *time.Location) ([]Slot, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("expand reminder %s: %w", def.ID, err)
	}
	if loc == nil {
		loc = time.UTC
	}

	local := date.In(loc)
	y, m, d := local.Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	var byDay []rrule.Weekday
	if def.Recurrence == reminder.RecurrenceSpecificDays {
		for _, wd := range def.Days {
			byDay = append(byDay, weekdays[wd])
		}
	}

	// The rule only decides whether the day is on; noon exists in every zone.
	rule, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.DAILY,
		Dtstart:   time.Date(y, m, d, 12, 0, 0, 0, loc),
		Byweekday: byDay,
	})
	if err != nil {
		return nil, fmt.Errorf("build rule for %s: %w", def.ID, err)
	}
	if len(rule.Between(dayStart, dayEnd, true)) == 0 {
		return nil, nil
	}

	slots := make([]Slot, 0, len(def.Times))
	for i, t := range def.Times {
		slots = append(slots, Slot{Index: i, ScheduledAt: wallClock(y, m, d, t, loc)})
	}

	sort.SliceStable(slots, func(a, b int) bool {
		return slots[a].ScheduledAt.Before(slots[b].ScheduledAt)
	})
	return slots, nil
}

// wallClock resolves t on the given day in loc. A wall time skipped by a
// forward DST shift is moved forward by the size of the gap, so 02:30 on a
// spring-forward day becomes 03:30. On a backward shift the first of the two
// instants is used.
func wallClock(y int, m time.Month, d int, t reminder.TimeOfDay, loc *time.Location) time.Time {
	at := time.Date(y, m, d, t.Hour, t.Minute, 0, 0, loc)
	if at.Hour() == t.Hour && at.Minute() == t.Minute {
		return at
	}
	wall := time.Date(y, m, d, t.Hour, t.Minute, 0, 0, time.UTC)
	_, before := wall.Add(-24 * time.Hour).In(loc).Zone()
	return wall.Add(-time.Duration(before) * time.Second).In(loc)
}

// DateKey formats the calendar day of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dose.DateLayout)
}

// Seeds expands def and builds the store seeds for the day.
func Seeds(def *reminder.Definition, date time.Time, loc *time.Location) ([]dose.Seed, error) {
	slots, err := Expand(def, date, loc)
	if err != nil {
		return nil, err
	}
	day := DateKey(date, loc)
	seeds := make([]dose.Seed, 0, len(slots))
	for _, s := range slots {
		seeds = append(seeds, dose.Seed{
			ReminderID:       def.ID,
			PatientID:        def.PatientID,
			MedicineName:     def.MedicineName,
			Dosage:           def.Dosage,
			CaregiverContact: def.CaregiverContact,
			Date:             day,
			SlotIndex:        s.Index,
			ScheduledAt:      s.ScheduledAt,
		})
	}
	return seeds, nil
}
