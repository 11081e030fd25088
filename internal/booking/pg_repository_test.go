package booking

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medgrid/slotbooker/internal/db"
)

// Row locking cannot be faked, so these tests need a real database. They
// skip unless POSTGRES_DSN points at a disposable Postgres.
func newTestRepo(t *testing.T) (*PgRepository, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.Migrate(ctx, pool))
	return NewPgRepository(pool), pool
}

func seedDoctor(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO doctors (id, name, default_visit_minutes) VALUES ($1, $2, 30)
	`, id, "Dr. Rowe")
	require.NoError(t, err)
	return id
}

func seedPatient(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO patients (id, name) VALUES ($1, $2)
	`, id, "Pat Doe")
	require.NoError(t, err)
	return id
}

func seedGrid(t *testing.T, pool *pgxpool.Pool, doctorID uuid.UUID, first time.Time, n int) []time.Time {
	t.Helper()
	starts := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		start := first.Add(time.Duration(i) * slotWidth)
		_, err := pool.Exec(context.Background(), `
			INSERT INTO availability_slots (id, doctor_id, start_time, end_time, status)
			VALUES ($1, $2, $3, $4, 'free')
		`, uuid.New(), doctorID, start, start.Add(slotWidth))
		require.NoError(t, err)
		starts = append(starts, start)
	}
	return starts
}

// gridMorning picks a fresh far-future day per run so reruns against a
// shared database never see each other's grids.
func gridMorning() time.Time {
	return time.Date(2031, 1, 1, 9, 0, 0, 0, time.UTC).AddDate(0, 0, rand.Intn(100000))
}

func countSlots(t *testing.T, pool *pgxpool.Pool, doctorID uuid.UUID, status SlotStatus) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(), `
		SELECT COUNT(*) FROM availability_slots
		WHERE doctor_id = $1 AND status = $2
	`, doctorID, status).Scan(&n))
	return n
}

func TestReserveRunConcurrentOverlapHasOneWinner(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	doctorID := seedDoctor(t, pool)
	starts := seedGrid(t, pool, doctorID, gridMorning(), 4)
	run := starts[1:3]
	end := run[1].Add(slotWidth)

	const contenders = 8
	patients := make([]uuid.UUID, contenders)
	for i := range patients {
		patients[i] = seedPatient(t, pool)
	}

	// Every contender wants the same two slots. Exactly one transaction
	// may commit; the rest must observe the rows as taken.
	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.ReserveRun(ctx, &doctorID, patients[i], run, end, "")
		}(i)
	}
	wg.Wait()

	var won, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrSlotConflict):
			conflicted++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, contenders-1, conflicted)
	assert.Equal(t, 2, countSlots(t, pool, doctorID, SlotBooked))
}

func TestReserveRunPastEndOfGridConflicts(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	doctorID := seedDoctor(t, pool)
	patientID := seedPatient(t, pool)
	starts := seedGrid(t, pool, doctorID, gridMorning(), 2)

	// The second required start has no grid row: the run crosses the end
	// of the doctor's day and must conflict, booking nothing.
	run := []time.Time{starts[1], starts[1].Add(slotWidth)}
	_, err := repo.ReserveRun(ctx, &doctorID, patientID, run, run[1].Add(slotWidth), "")
	assert.ErrorIs(t, err, ErrSlotConflict)

	assert.Equal(t, 2, countSlots(t, pool, doctorID, SlotFree))
	assert.Equal(t, 0, countSlots(t, pool, doctorID, SlotBooked))
}

func TestReserveRunPicksLowestFreeDoctor(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	lo, hi := seedDoctor(t, pool), seedDoctor(t, pool)
	if hi.String() < lo.String() {
		lo, hi = hi, lo
	}

	first := gridMorning()
	seedGrid(t, pool, lo, first, 2)
	seedGrid(t, pool, hi, first, 2)
	run := []time.Time{first, first.Add(slotWidth)}
	end := first.Add(time.Hour)

	res, err := repo.ReserveRun(ctx, nil, seedPatient(t, pool), run, end, "")
	require.NoError(t, err)
	assert.Equal(t, lo, res.Appointment.DoctorID)

	// With the lower doctor's run taken, allocation moves to the next id.
	res, err = repo.ReserveRun(ctx, nil, seedPatient(t, pool), run, end, "")
	require.NoError(t, err)
	assert.Equal(t, hi, res.Appointment.DoctorID)

	_, err = repo.ReserveRun(ctx, nil, seedPatient(t, pool), run, end, "")
	assert.ErrorIs(t, err, ErrSlotConflict)
}

func TestReserveRunLogsEventOnceAcrossReplay(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	doctorID := seedDoctor(t, pool)
	patientID := seedPatient(t, pool)
	starts := seedGrid(t, pool, doctorID, gridMorning(), 2)
	end := starts[1].Add(slotWidth)

	key := "resubmit-" + uuid.NewString()
	res, err := repo.ReserveRun(ctx, &doctorID, patientID, starts, end, key)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	require.Len(t, res.SlotIDs, 2)

	replay, err := repo.ReserveRun(ctx, &doctorID, patientID, starts, end, key)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Appointment.ID, replay.Appointment.ID)

	// The booked row committed with the reservation itself; the replay
	// changed nothing and added nothing.
	var logged int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment_events
		WHERE appointment_id = $1 AND event_type = $2
	`, res.Appointment.ID, EventAppointmentBooked).Scan(&logged))
	assert.Equal(t, 1, logged)
	assert.Equal(t, 2, countSlots(t, pool, doctorID, SlotBooked))
}

func TestCancelAppointmentFreesRunAndLogs(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()

	doctorID := seedDoctor(t, pool)
	patientID := seedPatient(t, pool)
	starts := seedGrid(t, pool, doctorID, gridMorning(), 2)
	end := starts[1].Add(slotWidth)

	res, err := repo.ReserveRun(ctx, &doctorID, patientID, starts, end, "")
	require.NoError(t, err)

	appt, freed, err := repo.CancelAppointment(ctx, res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Len(t, freed, 2)
	assert.Equal(t, 2, countSlots(t, pool, doctorID, SlotFree))

	var logged int
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointment_events
		WHERE appointment_id = $1 AND event_type = $2
	`, appt.ID, EventAppointmentCancelled).Scan(&logged))
	assert.Equal(t, 1, logged)

	// Double cancel surfaces, it does not pass silently.
	_, _, err = repo.CancelAppointment(ctx, res.Appointment.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}
