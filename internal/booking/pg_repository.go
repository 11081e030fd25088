package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.DefaultVisitMinutes,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email, phone *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	p.Phone = phone
	return &p, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	var apptID *uuid.UUID

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&apptID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotConflict
		}
		return nil, err
	}

	s.AppointmentID = apptID
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var idemKey *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.Status,
		&a.StartTime,
		&a.EndTime,
		&idemKey,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.IdempotencyKey = idemKey
	return &a, nil
}

const appointmentColumns = `id, patient_id, doctor_id, status, start_time, end_time, idempotency_key, created_at, updated_at`
const slotColumns = `id, doctor_id, start_time, end_time, status, appointment_id, created_at, updated_at`

// Interface methods

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, default_visit_minutes, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

// querier is satisfied by both pgx.Tx and *pgxpool.Pool.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PgRepository) findByIdempotencyKey(ctx context.Context, q querier, key string) (*ReserveResult, error) {
	appt, err := scanAppointment(q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE idempotency_key = $1
	`, key))
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `
		SELECT id FROM availability_slots
		WHERE appointment_id = $1
		ORDER BY start_time
	`, appt.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slotIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		slotIDs = append(slotIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ReserveResult{Appointment: appt, SlotIDs: slotIDs, Replayed: true}, nil
}

// ReserveRun is the allocation transaction. Row locks on the candidate
// slots serialize overlapping reservations for one doctor; unrelated
// doctors and times never contend. First to commit wins, the loser sees
// non-free rows and gets ErrSlotConflict.
func (r *PgRepository) ReserveRun(ctx context.Context, doctorID *uuid.UUID, patientID uuid.UUID, starts []time.Time, end time.Time, idempotencyKey string) (*ReserveResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		prior, err := r.findByIdempotencyKey(ctx, tx, idempotencyKey)
		if err == nil {
			return prior, nil
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	chosen, err := r.chooseDoctor(ctx, tx, doctorID, starts)
	if err != nil {
		return nil, err
	}

	slotIDs, err := lockFreeRun(ctx, tx, chosen, starts)
	if err != nil {
		return nil, err
	}

	apptID := uuid.New()
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, status, start_time, end_time, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, 'booked', $4, $5, $6, now(), now())
		RETURNING `+appointmentColumns+`
	`, apptID, patientID, chosen, starts[0], end, nullableString(idempotencyKey))

	appt, err := scanAppointment(row)
	if err != nil {
		// A racing submit with the same idempotency key can beat us to the
		// unique index. The transaction is poisoned at that point, so roll
		// back and read the winner's appointment.
		if isUniqueViolation(err) && idempotencyKey != "" {
			_ = tx.Rollback(ctx)
			return r.findByIdempotencyKey(ctx, r.pool, idempotencyKey)
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE availability_slots
		SET status = 'booked',
		    appointment_id = $1,
		    updated_at = now()
		WHERE id = ANY($2)
		  AND status = 'free'
	`, apptID, slotIDs)
	if err != nil {
		return nil, fmt.Errorf("book slots: %w", err)
	}
	if int(tag.RowsAffected()) != len(slotIDs) {
		return nil, ErrSlotConflict
	}

	if err := insertEventLog(ctx, tx, appointmentEvent(EventAppointmentBooked, appt, len(slotIDs))); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}

	return &ReserveResult{Appointment: appt, SlotIDs: slotIDs}, nil
}

// chooseDoctor resolves the doctor for a run. Without an explicit doctor it
// takes the lowest doctor id whose whole run is currently free, which keeps
// allocation deterministic under identical store states.
func (r *PgRepository) chooseDoctor(ctx context.Context, tx pgx.Tx, doctorID *uuid.UUID, starts []time.Time) (uuid.UUID, error) {
	if doctorID != nil {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM doctors WHERE id = $1)`, *doctorID).Scan(&exists); err != nil {
			return uuid.Nil, fmt.Errorf("check doctor: %w", err)
		}
		if !exists {
			return uuid.Nil, ErrDoctorNotFound
		}
		return *doctorID, nil
	}

	var chosen uuid.UUID
	err := tx.QueryRow(ctx, `
		SELECT doctor_id
		FROM availability_slots
		WHERE start_time = ANY($1)
		  AND status = 'free'
		GROUP BY doctor_id
		HAVING COUNT(*) = $2
		ORDER BY doctor_id
		LIMIT 1
	`, starts, len(starts)).Scan(&chosen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrSlotConflict
		}
		return uuid.Nil, fmt.Errorf("find candidate doctor: %w", err)
	}

	return chosen, nil
}

// lockFreeRun locks the doctor's rows at every required start and verifies
// each is free. Fewer rows than starts means the run crosses the end of the
// grid (no such row exists), which is a conflict, not a lookup failure.
func lockFreeRun(ctx context.Context, tx pgx.Tx, doctorID uuid.UUID, starts []time.Time) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, status
		FROM availability_slots
		WHERE doctor_id = $1
		  AND start_time = ANY($2)
		ORDER BY start_time
		FOR UPDATE
	`, doctorID, starts)
	if err != nil {
		return nil, fmt.Errorf("lock slots: %w", err)
	}
	defer rows.Close()

	var slotIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var status SlotStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		if status != SlotFree {
			return nil, ErrSlotConflict
		}
		slotIDs = append(slotIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(slotIDs) != len(starts) {
		return nil, ErrSlotConflict
	}

	return slotIDs, nil
}

func (r *PgRepository) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, []Slot, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'booked'
		RETURNING `+appointmentColumns+`
	`, id)

	appt, err := scanAppointment(row)
	if err != nil {
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, nil, fmt.Errorf("cancel appointment: %w", err)
		}
		// Distinguish a missing appointment from one in the wrong status.
		// Double cancel must surface as an invalid state, not success.
		if _, lookupErr := r.GetAppointmentByID(ctx, id); lookupErr != nil {
			return nil, nil, lookupErr
		}
		return nil, nil, ErrInvalidState
	}

	rows, err := tx.Query(ctx, `
		UPDATE availability_slots
		SET status = 'free',
		    appointment_id = NULL,
		    updated_at = now()
		WHERE appointment_id = $1
		RETURNING `+slotColumns+`
	`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("free slots: %w", err)
	}

	var freed []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		freed = append(freed, *s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if err := insertEventLog(ctx, tx, appointmentEvent(EventAppointmentCancelled, appt, len(freed))); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit cancel: %w", err)
	}

	return appt, freed, nil
}

func (r *PgRepository) FreeSlotsForDay(ctx context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE doctor_id = $1
		  AND start_time >= $2
		  AND start_time < $3
		  AND status = 'free'
		ORDER BY start_time
	`, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ListDoctorIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM doctors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *PgRepository) AppointmentsStartingBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'booked'
		  AND start_time >= $1
		  AND start_time < $2
		ORDER BY start_time
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// insertEventLog writes the event-log row inside the transaction that makes
// the state change, so the log commits or rolls back with the schedule and
// the two can never disagree. An idempotent replay never reaches this path.
func insertEventLog(ctx context.Context, tx pgx.Tx, ev EventLog) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointment_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, now())
	`, ev.EventType, ev.AppointmentID, ev.Payload)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func appointmentEvent(eventType string, appt *Appointment, slots int) EventLog {
	payload, err := json.Marshal(map[string]any{
		"doctor_id":  appt.DoctorID,
		"patient_id": appt.PatientID,
		"start_time": appt.StartTime,
		"end_time":   appt.EndTime,
		"slots":      slots,
	})
	if err != nil {
		payload = nil
	}

	apptID := appt.ID
	return EventLog{EventType: eventType, AppointmentID: &apptID, Payload: payload}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
