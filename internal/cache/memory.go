package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryIndex is an in-process Index with the same semantics as the Redis
// implementation. It backs tests and single-node setups without Redis.
type MemoryIndex struct {
	mu   sync.RWMutex
	days map[string]map[uuid.UUID]time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		days: make(map[string]map[uuid.UUID]time.Time),
	}
}

func (x *MemoryIndex) FreeSlots(_ context.Context, doctorID uuid.UUID, day time.Time) ([]Entry, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	members, ok := x.days[Key(doctorID, day)]
	if !ok || len(members) == 0 {
		return nil, ErrMiss
	}

	entries := make([]Entry, 0, len(members))
	for id, start := range members {
		entries = append(entries, Entry{SlotID: id, Start: start})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Start.Before(entries[j].Start)
	})

	return entries, nil
}

func (x *MemoryIndex) Add(_ context.Context, doctorID uuid.UUID, day time.Time, e Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := Key(doctorID, day)
	if x.days[key] == nil {
		x.days[key] = make(map[uuid.UUID]time.Time)
	}
	x.days[key][e.SlotID] = e.Start
	return nil
}

func (x *MemoryIndex) Remove(_ context.Context, doctorID uuid.UUID, day time.Time, slotID uuid.UUID) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if members, ok := x.days[Key(doctorID, day)]; ok {
		delete(members, slotID)
	}
	return nil
}

func (x *MemoryIndex) Replace(_ context.Context, doctorID uuid.UUID, day time.Time, entries []Entry) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := Key(doctorID, day)
	if len(entries) == 0 {
		delete(x.days, key)
		return nil
	}

	members := make(map[uuid.UUID]time.Time, len(entries))
	for _, e := range entries {
		members[e.SlotID] = e.Start
	}
	x.days[key] = members
	return nil
}
