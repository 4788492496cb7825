// Package velocity tracks per-user submission rates for the burst
// plausibility check.
package velocity

import (
	"context"
	"log/slog"
	"time"

	"github.com/fitstack/tally/internal/domain"
)

const counterPrefix = "burst:"

// Tracker counts a user's activity submissions inside a rolling window.
// The cache counter is the fast path; when the cache is absent or
// failing, the repository answers from the audit trail.
type Tracker struct {
	repo   domain.Repository
	cache  domain.Cache
	logger *slog.Logger
}

// NewTracker creates a submission rate tracker. Cache may be nil.
func NewTracker(repo domain.Repository, cache domain.Cache, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{repo: repo, cache: cache, logger: logger}
}

// Observe records one submission for the user and returns the number of
// submissions seen inside the window, including this one. A count of 0
// means neither source could answer; callers treat that as "rate
// unknown" and skip rate-based checks for the request.
func (t *Tracker) Observe(ctx context.Context, userID string, window time.Duration) int64 {
	if t.cache != nil {
		n, err := t.cache.IncrementCounter(ctx, counterPrefix+userID, window)
		if err == nil {
			return n
		}
		t.logger.Warn("burst counter unavailable, falling back to repository",
			"user_id", userID, "error", err)
	}

	if t.repo != nil {
		n, err := t.repo.CountActivitiesSince(ctx, userID, time.Now().UTC().Add(-window))
		if err == nil {
			return n + 1 // include the submission being observed
		}
		t.logger.Warn("recent activity count unavailable",
			"user_id", userID, "error", err)
	}

	return 0
}
