package velocity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fitstack/tally/internal/cache"
	"github.com/fitstack/tally/internal/domain"
)

type countingRepo struct {
	domain.Repository

	count int64
	err   error
	calls int
}

func (r *countingRepo) CountActivitiesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	r.calls++
	return r.count, r.err
}

type failingCache struct {
	domain.Cache
}

func (c *failingCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("cache down")
}

func TestObserveUsesCacheCounter(t *testing.T) {
	repo := &countingRepo{}
	tracker := NewTracker(repo, cache.NewLRUCache(100), nil)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		if got := tracker.Observe(ctx, "user-1", time.Hour); got != want {
			t.Errorf("Observe #%d = %d, want %d", want, got, want)
		}
	}
	if repo.calls != 0 {
		t.Errorf("repository consulted %d times despite healthy cache", repo.calls)
	}
}

func TestObserveCountsPerUser(t *testing.T) {
	tracker := NewTracker(nil, cache.NewLRUCache(100), nil)
	ctx := context.Background()

	tracker.Observe(ctx, "user-a", time.Hour)
	tracker.Observe(ctx, "user-a", time.Hour)
	if got := tracker.Observe(ctx, "user-b", time.Hour); got != 1 {
		t.Errorf("user-b count = %d, want independent counter", got)
	}
}

func TestObserveFallsBackToRepository(t *testing.T) {
	repo := &countingRepo{count: 4}
	tracker := NewTracker(repo, &failingCache{}, nil)

	got := tracker.Observe(context.Background(), "user-1", time.Hour)
	if got != 5 {
		t.Errorf("Observe = %d, want repository count + 1", got)
	}
	if repo.calls != 1 {
		t.Errorf("repository calls = %d, want 1", repo.calls)
	}
}

func TestObserveNoCacheUsesRepository(t *testing.T) {
	repo := &countingRepo{count: 2}
	tracker := NewTracker(repo, nil, nil)

	if got := tracker.Observe(context.Background(), "user-1", time.Hour); got != 3 {
		t.Errorf("Observe = %d, want 3", got)
	}
}

func TestObserveUnknownWhenEverythingFails(t *testing.T) {
	repo := &countingRepo{err: errors.New("db down")}
	tracker := NewTracker(repo, &failingCache{}, nil)

	if got := tracker.Observe(context.Background(), "user-1", time.Hour); got != 0 {
		t.Errorf("Observe = %d, want 0 when no source can answer", got)
	}
}
