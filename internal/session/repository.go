package session

import (
	"context"
	"sort"
	"sync"
)

// Repository is the concurrency-safe front of a Store. Stores may evict
// expired entries on read, so every call is exclusive.
type Repository struct {
	mu    sync.Mutex
	store Store
}

// NewRepository constructs a repository backed by an in-memory store that
// never expires entries.
func NewRepository() *Repository {
	return NewRepositoryWithStore(NewInMemoryStore(0))
}

// NewRepositoryWithStore constructs a repository that uses the given Store.
func NewRepositoryWithStore(store Store) *Repository {
	return &Repository{store: store}
}

// Save records snap, replacing any earlier snapshot with the same id.
func (r *Repository) Save(ctx context.Context, snap Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Put(ctx, snap)
}

// Get returns the snapshot for id. ok is false if it is unknown or expired.
func (r *Repository) Get(ctx context.Context, id ID) (snap Snapshot, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Get(ctx, id)
}

// List returns every known snapshot, oldest first.
func (r *Repository) List(ctx context.Context) ([]Snapshot, error) {
	r.mu.Lock()
	snaps, err := r.store.List(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sortSnapshots(snaps)
	return snaps, nil
}

// Remove forgets id. Removing an unknown id is a no-op.
func (r *Repository) Remove(ctx context.Context, id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Delete(ctx, id)
}

func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].StartedAt.Before(snaps[j].StartedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
}
