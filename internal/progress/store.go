// Package progress maintains per-user progress snapshots. All mutations
// for a given user are serialized so concurrent calculations for the
// same user observe each other's effects.
package progress

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/fitstack/tally/internal/domain"
)

// stripeCount is a power of two so the hash maps onto stripes with a mask.
const stripeCount = 64

// Store loads, mutates and persists user progress snapshots through the
// repository, serializing per user via striped locks.
type Store struct {
	repo    domain.Repository
	stripes [stripeCount]sync.Mutex
}

// NewStore creates a progress store backed by the given repository.
func NewStore(repo domain.Repository) *Store {
	return &Store{repo: repo}
}

func (s *Store) stripe(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &s.stripes[h.Sum32()&(stripeCount-1)]
}

// Get returns the user's current snapshot, or a fresh version-0 snapshot
// if none has been persisted yet.
func (s *Store) Get(ctx context.Context, userID string) (*domain.UserProgressSnapshot, error) {
	snap, err := s.repo.GetProgress(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewProgressSnapshot(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Apply runs fn against a copy of the user's snapshot under that user's
// lock, then persists the mutated copy with a bumped version. If fn
// returns an error nothing is persisted and the stored snapshot is
// unchanged. The persisted snapshot is returned.
func (s *Store) Apply(ctx context.Context, userID string, fn func(*domain.UserProgressSnapshot) error) (*domain.UserProgressSnapshot, error) {
	mu := s.stripe(userID)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1

	if err := s.repo.SaveProgress(ctx, next); err != nil {
		return nil, &domain.PersistenceError{Op: "save progress", Err: err}
	}
	return next, nil
}
