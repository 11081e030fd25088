package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotConflict means at least one required slot was not free at
	// commit time. The caller must re-query availability before retrying;
	// resubmitting the same stale slot set will fail again.
	ErrSlotConflict = errors.New("slot no longer free")

	// ErrInvalidState covers illegal transitions, e.g. cancelling an
	// appointment that is not booked.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrStoreUnavailable wraps connection-class storage failures after
	// the retry budget is spent. Retryable by the caller after backoff.
	ErrStoreUnavailable = errors.New("schedule store unavailable")
)

// ReserveResult is what a committed reservation transaction hands back.
type ReserveResult struct {
	Appointment *Appointment
	SlotIDs     []uuid.UUID

	// Replayed marks an idempotent resubmit that resolved to an already
	// committed appointment. No state changed, so post-commit side effects
	// (index updates, event publish) must not run again.
	Replayed bool
}

// Repository contains all schedule-store interactions needed by the service.
// Implementations must make ReserveRun and CancelAppointment atomic: either
// every required slot transitions or none does.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// ReserveRun locks the slots at the given consecutive start times for
	// one doctor (or, when doctorID is nil, the lowest-id doctor with the
	// whole run free), verifies every one is free, and books them under a
	// new appointment. The booked event-log row commits in the same
	// transaction. Returns ErrSlotConflict if any slot is taken or missing.
	// A repeated idempotencyKey returns the original appointment with
	// Replayed set.
	ReserveRun(ctx context.Context, doctorID *uuid.UUID, patientID uuid.UUID, starts []time.Time, end time.Time, idempotencyKey string) (*ReserveResult, error)

	// CancelAppointment flips a booked appointment to cancelled, frees its
	// slots, and logs the cancelled event, all in one transaction. Returns
	// the cancelled appointment and the freed slots so the cache and the
	// event channel can be updated.
	CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, []Slot, error)

	// FreeSlotsForDay lists a doctor's free slots within [dayStart, dayEnd),
	// ordered by start time. Used by the availability fallback and the
	// reconciler.
	FreeSlotsForDay(ctx context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time) ([]Slot, error)

	ListDoctorIDs(ctx context.Context) ([]uuid.UUID, error)

	// AppointmentsStartingBetween serves the reminder-trigger collaborator.
	AppointmentsStartingBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)
}
