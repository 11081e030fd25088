// Package cache holds the Availability Index: a per doctor-day ordered
// collection of currently free slots, derived from the schedule store. It
// is advisory. A stale entry is tolerated and corrected by the reconciler;
// it is never the basis for committing a booking.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// ErrMiss means the index holds nothing for that doctor-day. Callers fall
// back to the schedule store and may warm the key with the result.
var ErrMiss = errors.New("availability index miss")

// Entry is one free slot in a doctor-day collection.
type Entry struct {
	SlotID uuid.UUID
	Start  time.Time
}

// Index is the Availability Index contract. Add and Remove are idempotent:
// adding an existing member or removing a non-member is a no-op, so
// duplicated or out-of-order incremental updates cannot corrupt membership.
// Replace atomically swaps in a freshly computed day.
type Index interface {
	FreeSlots(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Entry, error)
	Add(ctx context.Context, doctorID uuid.UUID, day time.Time, e Entry) error
	Remove(ctx context.Context, doctorID uuid.UUID, day time.Time, slotID uuid.UUID) error
	Replace(ctx context.Context, doctorID uuid.UUID, day time.Time, entries []Entry) error
}

// RedisIndex keeps one sorted set per (doctor, day): member = slot id,
// score = slot start in unix seconds, so ZRANGE yields start-time order.
// A day with zero free slots has no key; that reads as a miss, and the
// store fallback returns the same empty answer, so correctness holds.
type RedisIndex struct {
	client  *redis.Client
	ttl     time.Duration
	breaker *gobreaker.CircuitBreaker
}

func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "availability-index",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
	})

	return &RedisIndex{
		client:  client,
		ttl:     ttl,
		breaker: cb,
	}
}

// Doctor-days are reckoned in UTC. The same instant must map to the same
// key no matter what zone the caller's time value carries.
func dayField(day time.Time) string {
	return day.UTC().Format("2006-01-02")
}

// Key returns the Redis key for one doctor-day collection.
func Key(doctorID uuid.UUID, day time.Time) string {
	return fmt.Sprintf("avail:%s:%s", doctorID, dayField(day))
}

func (x *RedisIndex) FreeSlots(ctx context.Context, doctorID uuid.UUID, day time.Time) ([]Entry, error) {
	res, err := x.breaker.Execute(func() (any, error) {
		return x.client.ZRangeWithScores(ctx, Key(doctorID, day), 0, -1).Result()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read index %s: %w", Key(doctorID, day), err)
	}

	members := res.([]redis.Z)
	if len(members) == 0 {
		return nil, ErrMiss
	}

	entries := make([]Entry, 0, len(members))
	for _, z := range members {
		id, err := uuid.Parse(z.Member.(string))
		if err != nil {
			// A corrupt member is treated as a miss; the reconciler
			// rewrites the whole key on its next pass.
			return nil, ErrMiss
		}
		entries = append(entries, Entry{
			SlotID: id,
			Start:  time.Unix(int64(z.Score), 0).UTC(),
		})
	}

	return entries, nil
}

func (x *RedisIndex) Add(ctx context.Context, doctorID uuid.UUID, day time.Time, e Entry) error {
	_, err := x.breaker.Execute(func() (any, error) {
		key := Key(doctorID, day)
		pipe := x.client.TxPipeline()
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  float64(e.Start.Unix()),
			Member: e.SlotID.String(),
		})
		pipe.Expire(ctx, key, x.ttl)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("index add: %w", err)
	}
	return nil
}

func (x *RedisIndex) Remove(ctx context.Context, doctorID uuid.UUID, day time.Time, slotID uuid.UUID) error {
	_, err := x.breaker.Execute(func() (any, error) {
		return x.client.ZRem(ctx, Key(doctorID, day), slotID.String()).Result()
	})
	if err != nil {
		return fmt.Errorf("index remove: %w", err)
	}
	return nil
}

// Replace builds the new collection under a temp key and renames it over
// the live one, so readers never observe a half-populated day.
func (x *RedisIndex) Replace(ctx context.Context, doctorID uuid.UUID, day time.Time, entries []Entry) error {
	_, err := x.breaker.Execute(func() (any, error) {
		key := Key(doctorID, day)

		if len(entries) == 0 {
			return x.client.Del(ctx, key).Result()
		}

		tmp := key + ":rebuild:" + uuid.NewString()
		members := make([]redis.Z, 0, len(entries))
		for _, e := range entries {
			members = append(members, redis.Z{
				Score:  float64(e.Start.Unix()),
				Member: e.SlotID.String(),
			})
		}

		pipe := x.client.TxPipeline()
		pipe.ZAdd(ctx, tmp, members...)
		pipe.Rename(ctx, tmp, key)
		pipe.Expire(ctx, key, x.ttl)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("index replace: %w", err)
	}
	return nil
}
