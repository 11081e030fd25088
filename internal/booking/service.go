package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medgrid/slotbooker/internal/cache"
	"github.com/medgrid/slotbooker/internal/notify"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
)

// cacheUpdateTimeout bounds the post-commit index update so a slow Redis
// cannot hold booking goroutines.
const cacheUpdateTimeout = 2 * time.Second

type ReserveRequest struct {
	// DoctorID is optional. When nil the allocator picks any doctor with
	// the full run free, lowest doctor id first.
	DoctorID        *uuid.UUID
	PatientID       uuid.UUID
	Start           time.Time
	DurationMinutes int
	// IdempotencyKey lets a caller resubmit after an unknown outcome
	// without risking a second appointment for the same logical request.
	IdempotencyKey string
}

type Service struct {
	repo      Repository
	index     cache.Index
	events    notify.Publisher
	log       zerolog.Logger
	slotWidth time.Duration
	retry     RetryPolicy
}

func NewService(repo Repository, index cache.Index, events notify.Publisher, log zerolog.Logger, slotWidth time.Duration, retry RetryPolicy) *Service {
	return &Service{
		repo:      repo,
		index:     index,
		events:    events,
		log:       log.With().Str("component", "allocator").Logger(),
		slotWidth: slotWidth,
		retry:     retry,
	}
}

// Reserve books a contiguous run of free slots as one appointment. The
// store transaction is the sole arbiter: either every required slot flips
// to booked or none does. Durations that do not divide evenly by the grid
// width round up to the next whole slot.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (*Appointment, error) {
	n := SlotsNeeded(time.Duration(req.DurationMinutes)*time.Minute, s.slotWidth)
	if n == 0 {
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidState)
	}

	if _, err := retryStore(ctx, s.retry, func() (*Patient, error) {
		return s.repo.GetPatientByID(ctx, req.PatientID)
	}); err != nil {
		return nil, asUnavailable(err)
	}

	starts := RequiredStarts(req.Start, n, s.slotWidth)
	end := req.Start.Add(time.Duration(n) * s.slotWidth)

	res, err := retryStore(ctx, s.retry, func() (*ReserveResult, error) {
		return s.repo.ReserveRun(ctx, req.DoctorID, req.PatientID, starts, end, req.IdempotencyKey)
	})
	if err != nil {
		return nil, asUnavailable(err)
	}

	appt := res.Appointment
	if res.Replayed {
		// The original submit already updated the index and published its
		// event; repeating either would duplicate them.
		return appt, nil
	}

	// Post-commit work is best effort. The booking stands regardless; the
	// reconciler repairs any index drift within one pass.
	go s.dropFromIndex(appt.DoctorID, res.SlotIDs, starts)
	s.publish(ctx, appt, notify.KindBooked)

	return appt, nil
}

// Cancel returns a booked appointment's slots to free. Cancelling an
// appointment that is not booked is an error so double cancels surface
// instead of passing silently.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	type cancelOutcome struct {
		appt  *Appointment
		freed []Slot
	}

	out, err := retryStore(ctx, s.retry, func() (cancelOutcome, error) {
		appt, freed, err := s.repo.CancelAppointment(ctx, id)
		return cancelOutcome{appt: appt, freed: freed}, err
	})
	if err != nil {
		return asUnavailable(err)
	}

	go s.restoreToIndex(out.freed)
	s.publish(ctx, out.appt, notify.KindCancelled)

	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := retryStore(ctx, s.retry, func() (*Appointment, error) {
		return s.repo.GetAppointmentByID(ctx, id)
	})
	if err != nil {
		return nil, asUnavailable(err)
	}
	return appt, nil
}

// Availability reports, per slot start time in [from, to), how many doctors
// still have that slot free. The index serves reads; a missing doctor-day
// falls back to the store and warms the index with the exact answer.
func (s *Service) Availability(ctx context.Context, from, to time.Time) ([]AvailabilityPoint, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: empty availability range", ErrInvalidState)
	}

	doctorIDs, err := retryStore(ctx, s.retry, func() ([]uuid.UUID, error) {
		return s.repo.ListDoctorIDs(ctx)
	})
	if err != nil {
		return nil, asUnavailable(err)
	}

	var perDoctor [][]cache.Entry
	for day, _ := DayBounds(from); day.Before(to); day = day.AddDate(0, 0, 1) {
		for _, doctorID := range doctorIDs {
			entries, err := s.freeSlotsForDay(ctx, doctorID, day)
			if err != nil {
				return nil, err
			}
			perDoctor = append(perDoctor, clampEntries(entries, from, to))
		}
	}

	points := cache.MergeFreeCounts(perDoctor)
	result := make([]AvailabilityPoint, 0, len(points))
	for _, p := range points {
		result = append(result, AvailabilityPoint{Start: p.Start, FreeDoctors: p.FreeDoctors})
	}

	return result, nil
}

// ReminderWindow answers the reminder-trigger collaborator: booked
// appointments starting within [now+23h, now+25h). Read only.
func (s *Service) ReminderWindow(ctx context.Context, now time.Time) ([]Appointment, error) {
	appts, err := retryStore(ctx, s.retry, func() ([]Appointment, error) {
		return s.repo.AppointmentsStartingBetween(ctx, now.Add(23*time.Hour), now.Add(25*time.Hour))
	})
	if err != nil {
		return nil, asUnavailable(err)
	}
	return appts, nil
}

func (s *Service) freeSlotsForDay(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]cache.Entry, error) {
	entries, err := s.index.FreeSlots(ctx, doctorID, day)
	if err == nil {
		return entries, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		s.log.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("index read failed, falling back to store")
	}

	dayStart, dayEnd := DayBounds(day)
	slots, err := retryStore(ctx, s.retry, func() ([]Slot, error) {
		return s.repo.FreeSlotsForDay(ctx, doctorID, dayStart, dayEnd)
	})
	if err != nil {
		return nil, asUnavailable(err)
	}

	entries = make([]cache.Entry, 0, len(slots))
	for _, slot := range slots {
		entries = append(entries, cache.Entry{SlotID: slot.ID, Start: slot.StartTime})
	}

	// Warm the index with the authoritative answer, best effort.
	if err := s.index.Replace(ctx, doctorID, day, entries); err != nil {
		s.log.Debug().Err(err).Str("doctor_id", doctorID.String()).Msg("index warm failed")
	}

	return entries, nil
}

func (s *Service) dropFromIndex(doctorID uuid.UUID, slotIDs []uuid.UUID, starts []time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheUpdateTimeout)
	defer cancel()

	for i, slotID := range slotIDs {
		day, _ := DayBounds(starts[i])
		if err := s.index.Remove(ctx, doctorID, day, slotID); err != nil {
			s.log.Warn().Err(err).Str("slot_id", slotID.String()).Msg("index remove after booking failed")
		}
	}
}

func (s *Service) restoreToIndex(freed []Slot) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheUpdateTimeout)
	defer cancel()

	for _, slot := range freed {
		day, _ := DayBounds(slot.StartTime)
		err := s.index.Add(ctx, slot.DoctorID, day, cache.Entry{SlotID: slot.ID, Start: slot.StartTime})
		if err != nil {
			s.log.Warn().Err(err).Str("slot_id", slot.ID.String()).Msg("index add after cancel failed")
		}
	}
}

func (s *Service) publish(ctx context.Context, appt *Appointment, kind string) {
	if s.events == nil {
		return
	}

	ev := notify.Event{
		AppointmentID: appt.ID,
		PatientID:     appt.PatientID,
		DoctorID:      appt.DoctorID,
		StartTime:     appt.StartTime,
		EndTime:       appt.EndTime,
		EventKind:     kind,
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("event publish failed")
	}
}

func clampEntries(entries []cache.Entry, from, to time.Time) []cache.Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Start.Before(from) || !e.Start.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out
}
