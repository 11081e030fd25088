// Package reconciler rebuilds the Availability Index from the schedule
// store on a fixed period. Incremental index updates are a latency
// optimization; this full rebuild is the mechanism that guarantees the
// index eventually agrees exactly with the store.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medgrid/slotbooker/internal/booking"
	"github.com/medgrid/slotbooker/internal/cache"
)

// driftAlertThreshold is how many consecutive failed passes a doctor-day
// tolerates before it is logged as a correctness risk.
const driftAlertThreshold = 2

// Store is the slice of the schedule store the reconciler reads.
type Store interface {
	ListDoctorIDs(ctx context.Context) ([]uuid.UUID, error)
	FreeSlotsForDay(ctx context.Context, doctorID uuid.UUID, dayStart, dayEnd time.Time) ([]booking.Slot, error)
}

type Reconciler struct {
	store       Store
	index       cache.Index
	locker      PassLocker
	log         zerolog.Logger
	horizonDays int

	mu       sync.Mutex
	failures map[string]int // doctor-day key -> consecutive failed passes
}

func New(store Store, index cache.Index, locker PassLocker, log zerolog.Logger, horizonDays int) *Reconciler {
	if horizonDays <= 0 {
		horizonDays = 14
	}
	return &Reconciler{
		store:       store,
		index:       index,
		locker:      locker,
		log:         log.With().Str("component", "reconciler").Logger(),
		horizonDays: horizonDays,
		failures:    make(map[string]int),
	}
}

// Run ticks until ctx is cancelled, running one pass per interval plus one
// at startup.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	r.runPass(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopping")
			return
		case <-ticker.C:
			r.runPass(ctx)
		}
	}
}

func (r *Reconciler) runPass(ctx context.Context) {
	start := time.Now()

	err := r.locker.WithPassLock(ctx, func(ctx context.Context) error {
		return r.Pass(ctx, time.Now())
	})
	switch {
	case err == nil:
		r.log.Info().Dur("elapsed", time.Since(start)).Msg("reconcile pass complete")
	case errors.Is(err, ErrPassLockHeld):
		r.log.Debug().Msg("reconcile pass skipped, lock held elsewhere")
	default:
		r.log.Error().Err(err).Msg("reconcile pass failed")
	}
}

// Pass rebuilds every doctor-day in [today, today+horizon). Each doctor-day
// is its own unit of work: one failing is recorded and retried next pass
// without blocking the rest.
func (r *Reconciler) Pass(ctx context.Context, now time.Time) error {
	doctorIDs, err := r.store.ListDoctorIDs(ctx)
	if err != nil {
		return fmt.Errorf("list doctors: %w", err)
	}

	today, _ := booking.DayBounds(now)

	var failed int
	for d := 0; d < r.horizonDays; d++ {
		day := today.AddDate(0, 0, d)
		for _, doctorID := range doctorIDs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.reconcileDay(ctx, doctorID, day); err != nil {
				failed++
				r.recordFailure(doctorID, day, err)
				continue
			}
			r.clearFailure(doctorID, day)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d doctor-day units failed", failed)
	}
	return nil
}

func (r *Reconciler) reconcileDay(ctx context.Context, doctorID uuid.UUID, day time.Time) error {
	dayStart, dayEnd := booking.DayBounds(day)

	slots, err := r.store.FreeSlotsForDay(ctx, doctorID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("compute free set: %w", err)
	}

	entries := make([]cache.Entry, 0, len(slots))
	for _, slot := range slots {
		entries = append(entries, cache.Entry{SlotID: slot.ID, Start: slot.StartTime})
	}

	if err := r.index.Replace(ctx, doctorID, day, entries); err != nil {
		return fmt.Errorf("replace index entry: %w", err)
	}

	return nil
}

func (r *Reconciler) recordFailure(doctorID uuid.UUID, day time.Time, err error) {
	key := cache.Key(doctorID, day)

	r.mu.Lock()
	r.failures[key]++
	n := r.failures[key]
	r.mu.Unlock()

	evt := r.log.Warn()
	if n >= driftAlertThreshold {
		// Persistent drift: the index for this doctor-day has been stale
		// across multiple passes.
		evt = r.log.Error().Bool("cache_inconsistency", true)
	}
	evt.Err(err).Str("doctor_day", key).Int("consecutive_failures", n).Msg("doctor-day reconcile failed")
}

func (r *Reconciler) clearFailure(doctorID uuid.UUID, day time.Time) {
	r.mu.Lock()
	delete(r.failures, cache.Key(doctorID, day))
	r.mu.Unlock()
}

// ConsecutiveFailures reports how many passes in a row a doctor-day has
// failed. Zero means healthy.
func (r *Reconciler) ConsecutiveFailures(doctorID uuid.UUID, day time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[cache.Key(doctorID, day)]
}
