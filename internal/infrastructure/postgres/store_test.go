package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/domain/reminder"
)

// testPool connects to ADHERENCE_TEST_DATABASE_URL or skips.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("ADHERENCE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ADHERENCE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := Connect(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool, nil))
	return pool
}

func seedReminder(t *testing.T, s *Store) (*reminder.Patient, *reminder.Definition) {
	t.Helper()
	ctx := context.Background()
	p := &reminder.Patient{ID: "p-" + uuid.NewString(), Name: "Ada", TimeZone: "Europe/Lisbon"}
	require.NoError(t, s.SavePatient(ctx, p))

	now := time.Now().UTC().Truncate(time.Microsecond)
	def := &reminder.Definition{
		ID:               "r-" + uuid.NewString(),
		PatientID:        p.ID,
		MedicineName:     "Aspirin",
		Dosage:           "100mg",
		Recurrence:       reminder.RecurrenceSpecificDays,
		Days:             []time.Weekday{time.Monday, time.Friday},
		Times:            []reminder.TimeOfDay{{Hour: 8}, {Hour: 20, Minute: 30}},
		CaregiverContact: "+15550100",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.SaveReminder(ctx, def))
	return p, def
}

func TestStoreReminderRoundTrip(t *testing.T) {
	s := NewStore(testPool(t), nil)
	ctx := context.Background()
	p, def := seedReminder(t, s)

	got, err := s.GetReminder(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Days, got.Days)
	assert.Equal(t, def.Times, got.Times)
	assert.Equal(t, def.CaregiverContact, got.CaregiverContact)

	list, err := s.ListReminders(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	gotPatient, err := s.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p, gotPatient)
}

func TestStoreOccurrenceLifecycle(t *testing.T) {
	pool := testPool(t)
	s := NewStore(pool, nil)
	ctx := context.Background()
	p, def := seedReminder(t, s)

	at := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	seed := dose.Seed{
		ReminderID: def.ID, PatientID: p.ID, MedicineName: def.MedicineName,
		Date: "2026-10-16", SlotIndex: 0, ScheduledAt: at,
	}
	first, err := s.GetOrCreate(ctx, seed)
	require.NoError(t, err)
	again, err := s.GetOrCreate(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, dose.StatusPending, again.Status)

	open, err := s.ListOpen(ctx, p.ID, at.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)

	missed, err := s.Transition(ctx, first.ID, dose.StatusPending, dose.StatusMissed, at.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, dose.StatusMissed, missed.Status)

	current, err := s.Transition(ctx, first.ID, dose.StatusPending, dose.StatusTaken, at.Add(3*time.Hour))
	assert.ErrorIs(t, err, dose.ErrConflictingTransition)
	assert.Equal(t, dose.StatusMissed, current.Status)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbox WHERE aggregate_id = $1`, first.ID).Scan(&outboxRows))
	assert.Equal(t, 1, outboxRows)

	require.NoError(t, s.DeleteReminder(ctx, def.ID))
	_, err = s.Get(ctx, first.ID)
	assert.ErrorIs(t, err, dose.ErrNotFound)
	_, err = s.GetOrCreate(ctx, seed)
	assert.ErrorIs(t, err, dose.ErrNotFound)
}

func TestStoreClaim(t *testing.T) {
	s := NewStore(testPool(t), nil)
	ctx := context.Background()
	key := dose.EscalationKey{PatientID: "p-" + uuid.NewString(), Contact: "+1555", Date: "2026-10-16"}
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	backoff := 5 * time.Minute

	ok, err := s.Claim(ctx, key, now, now.Add(-backoff))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, key, now.Add(time.Minute), now.Add(time.Minute-backoff))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkFailed(ctx, key, "gateway down", now))
	later := now.Add(backoff)
	ok, err = s.Claim(ctx, key, later, later.Add(-backoff))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.MarkSent(ctx, key, 2, later))
	ok, err = s.Claim(ctx, key, later.Add(time.Hour), later.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err := s.GetEscalation(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.Sent())
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, 2, rec.MissedCount)
	assert.Empty(t, rec.LastError)
}
