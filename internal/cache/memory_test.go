package cache

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEntries(t *testing.T, x Index, doctorID uuid.UUID, day time.Time) []Entry {
	t.Helper()
	entries, err := x.FreeSlots(context.Background(), doctorID, day)
	if errors.Is(err, ErrMiss) {
		return nil
	}
	require.NoError(t, err)
	return entries
}

func TestMemoryIndexAddRemoveIdempotent(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex()
	doctorID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	e := Entry{SlotID: uuid.New(), Start: day.Add(9 * time.Hour)}

	// Duplicate adds are a no-op, not an error.
	require.NoError(t, x.Add(ctx, doctorID, day, e))
	require.NoError(t, x.Add(ctx, doctorID, day, e))
	assert.Len(t, mustEntries(t, x, doctorID, day), 1)

	// Removing a non-member is a no-op too.
	require.NoError(t, x.Remove(ctx, doctorID, day, uuid.New()))
	assert.Len(t, mustEntries(t, x, doctorID, day), 1)

	require.NoError(t, x.Remove(ctx, doctorID, day, e.SlotID))
	require.NoError(t, x.Remove(ctx, doctorID, day, e.SlotID))
	assert.Empty(t, mustEntries(t, x, doctorID, day))
}

// Incremental updates from retried or overlapping operations can arrive in
// any order, duplicated. The final membership must not depend on either.
func TestMemoryIndexUpdateOrderInsensitive(t *testing.T) {
	ctx := context.Background()
	doctorID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	kept := Entry{SlotID: uuid.New(), Start: day.Add(9 * time.Hour)}
	removed := Entry{SlotID: uuid.New(), Start: day.Add(10 * time.Hour)}

	type op func(Index) error
	ops := []op{
		func(x Index) error { return x.Add(ctx, doctorID, day, kept) },
		func(x Index) error { return x.Add(ctx, doctorID, day, kept) },
		func(x Index) error { return x.Remove(ctx, doctorID, day, removed.SlotID) },
		func(x Index) error { return x.Remove(ctx, doctorID, day, removed.SlotID) },
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		x := NewMemoryIndex()
		require.NoError(t, x.Add(ctx, doctorID, day, removed))

		shuffled := make([]op, len(ops))
		copy(shuffled, ops)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		for _, apply := range shuffled {
			require.NoError(t, apply(x))
		}

		entries := mustEntries(t, x, doctorID, day)
		require.Len(t, entries, 1)
		assert.Equal(t, kept.SlotID, entries[0].SlotID)
	}
}

func TestMemoryIndexReplace(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex()
	doctorID := uuid.New()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	stale := Entry{SlotID: uuid.New(), Start: day.Add(9 * time.Hour)}
	require.NoError(t, x.Add(ctx, doctorID, day, stale))

	fresh := []Entry{
		{SlotID: uuid.New(), Start: day.Add(10 * time.Hour)},
		{SlotID: uuid.New(), Start: day.Add(9*time.Hour + 30*time.Minute)},
	}
	require.NoError(t, x.Replace(ctx, doctorID, day, fresh))

	entries := mustEntries(t, x, doctorID, day)
	require.Len(t, entries, 2)
	// Ordered by start time, stale member gone.
	assert.Equal(t, fresh[1].SlotID, entries[0].SlotID)
	assert.Equal(t, fresh[0].SlotID, entries[1].SlotID)

	// Replacing with nothing empties the day back to a miss.
	require.NoError(t, x.Replace(ctx, doctorID, day, nil))
	_, err := x.FreeSlots(ctx, doctorID, day)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestKeyIsZoneInsensitive(t *testing.T) {
	ctx := context.Background()
	x := NewMemoryIndex()
	doctorID := uuid.New()

	jst := time.FixedZone("UTC+9", 9*60*60)
	// Same instant, two zone renderings. Both must address one collection.
	utcDay := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	jstDay := utcDay.In(jst)

	require.Equal(t, Key(doctorID, utcDay), Key(doctorID, jstDay))

	e := Entry{SlotID: uuid.New(), Start: utcDay.Add(5 * time.Hour)}
	require.NoError(t, x.Add(ctx, doctorID, jstDay, e))

	entries := mustEntries(t, x, doctorID, utcDay)
	require.Len(t, entries, 1)
	assert.Equal(t, e.SlotID, entries[0].SlotID)
}

func TestMemoryIndexMissForUnknownDay(t *testing.T) {
	x := NewMemoryIndex()

	_, err := x.FreeSlots(context.Background(), uuid.New(), time.Now())

	assert.ErrorIs(t, err, ErrMiss)
}
