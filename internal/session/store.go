package session

import (
	"context"
	"time"
)

// Store is the persistence abstraction for session snapshots.
// The Repository serializes access to it; implementations need not be
// safe for concurrent use on their own.
type Store interface {
	Get(ctx context.Context, id ID) (Snapshot, bool, error)
	Put(ctx context.Context, snap Snapshot) error
	Delete(ctx context.Context, id ID) error
	List(ctx context.Context) ([]Snapshot, error)
}

type memoryEntry struct {
	snap      Snapshot
	expiresAt time.Time
}

// InMemoryStore keeps snapshots in a map. Finished sessions expire after the
// configured TTL; running sessions never do.
type InMemoryStore struct {
	entries map[ID]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewInMemoryStore returns an empty store. ttl <= 0 keeps finished
// sessions forever.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	return &InMemoryStore{
		entries: make(map[ID]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements Store.Get.
func (s *InMemoryStore) Get(_ context.Context, id ID) (Snapshot, bool, error) {
	e, ok := s.entries[id]
	if !ok {
		return Snapshot{}, false, nil
	}
	if s.expired(e) {
		delete(s.entries, id)
		return Snapshot{}, false, nil
	}
	return e.snap, true, nil
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(_ context.Context, snap Snapshot) error {
	e := memoryEntry{snap: snap}
	if !snap.Active() && s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.entries[snap.ID] = e
	return nil
}

// Delete implements Store.Delete.
func (s *InMemoryStore) Delete(_ context.Context, id ID) error {
	delete(s.entries, id)
	return nil
}

// List implements Store.List. Expired entries are evicted on the way.
func (s *InMemoryStore) List(_ context.Context) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(s.entries))
	for id, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, id)
			continue
		}
		out = append(out, e.snap)
	}
	return out, nil
}

func (s *InMemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
