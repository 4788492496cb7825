// Package service orchestrates the scoring pipeline: capture the active
// ruleset, run the pure engine, annotate fraud flags, update user
// progress and achievements, then persist and publish asynchronously.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fitstack/tally/internal/achievement"
	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/engine"
	"github.com/fitstack/tally/internal/fraud"
	"github.com/fitstack/tally/internal/progress"
	"github.com/fitstack/tally/internal/ruleset"
	"github.com/fitstack/tally/internal/velocity"
)

const (
	// persistAttempts bounds the async persistence retry loop.
	persistAttempts = 3

	// persistBaseDelay is the first retry backoff; it doubles per attempt.
	persistBaseDelay = 100 * time.Millisecond

	// persistTimeout bounds one async persistence pass, detached from
	// the request context.
	persistTimeout = 10 * time.Second
)

// ErrNoActiveRuleset is returned when scoring is requested before any
// ruleset has been activated.
var ErrNoActiveRuleset = errors.New("no active ruleset")

// Service wires the scoring pipeline together.
type Service struct {
	store    *ruleset.Store
	loader   *ruleset.Loader
	detector *fraud.Detector
	progress *progress.Store
	tracker  *achievement.Tracker
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	tracer   trace.Tracer
	logger   *slog.Logger

	velocity    *velocity.Tracker
	burstWindow time.Duration

	// persistWG tracks in-flight async persistence for graceful shutdown.
	persistWG sync.WaitGroup
}

// Options collects the service's collaborators. Cache and Bus may be
// nil; persistence then always hits the repository and events are
// dropped.
type Options struct {
	Store    *ruleset.Store
	Loader   *ruleset.Loader
	Detector *fraud.Detector
	Progress *progress.Store
	Tracker  *achievement.Tracker
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Logger   *slog.Logger

	BurstWindow time.Duration
}

// New creates the scoring service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burstWindow := opts.BurstWindow
	if burstWindow <= 0 {
		burstWindow = time.Hour
	}
	return &Service{
		store:       opts.Store,
		loader:      opts.Loader,
		detector:    opts.Detector,
		progress:    opts.Progress,
		tracker:     opts.Tracker,
		repo:        opts.Repo,
		cache:       opts.Cache,
		bus:         opts.Bus,
		tracer:      otel.Tracer("tally/service"),
		logger:      logger,
		velocity:    velocity.NewTracker(opts.Repo, opts.Cache, logger),
		burstWindow: burstWindow,
	}
}

// Calculate scores one activity against the currently active ruleset.
// The ruleset is captured once at entry; a concurrent activation never
// mixes versions inside a single calculation. The breakdown is returned
// even if audit persistence later fails.
func (s *Service) Calculate(ctx context.Context, req *domain.ActivityRequest) (*domain.CalculationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.Calculate")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	rs := s.store.Active()
	if rs == nil {
		return nil, ErrNoActiveRuleset
	}
	span.SetAttributes(
		attribute.String("ruleset.version", rs.Version),
		attribute.String("exercise.key", req.ExerciseKey),
	)

	activity := req.ToActivity(uuid.NewString())
	now := time.Now().UTC()

	var (
		calc     *domain.PointsCalculation
		unlocked []domain.AchievementUnlockEvent
	)
	_, err := s.progress.Apply(ctx, activity.UserID, func(snap *domain.UserProgressSnapshot) error {
		user := engine.UserContext{
			StreakDays:       streakAfter(snap, activity.StartedAt),
			IsPersonalRecord: isPersonalRecord(snap, activity),
		}

		c, err := engine.Calculate(rs, activity, user)
		if err != nil {
			return err
		}
		c.ID = uuid.NewString()
		c.ComputedAt = now

		// Only activities that actually score count toward the burst
		// window; rejected submissions never inflate the fraud signal.
		recentCount := s.velocity.Observe(ctx, activity.UserID, s.burstWindow)

		s.detector.Annotate(fraud.Input{
			Activity:            activity,
			Calculation:         c,
			RecentActivityCount: recentCount,
		})

		applyToSnapshot(snap, activity, c, user, now)
		unlocked = s.tracker.Evaluate(rs, snap, activity, c, user, now)
		for _, e := range unlocked {
			snap.LifetimePoints += e.PointsAwarded
		}

		calc = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.persistAsync(activity, calc, unlocked)
	s.publishResult(calc, unlocked)

	s.logger.Info("activity scored",
		"activity_id", activity.ID,
		"user_id", activity.UserID,
		"exercise", activity.ExerciseKey,
		"total_points", calc.TotalPoints,
		"requires_review", calc.RequiresReview,
		"unlocks", len(unlocked),
	)

	resp := &domain.CalculationResponse{
		Calculation:    calc,
		RulesetVersion: rs.Version,
	}
	for i := range unlocked {
		resp.Unlocked = append(resp.Unlocked, &unlocked[i])
	}
	return resp, nil
}

// streakAfter computes the streak value this activity produces.
func streakAfter(snap *domain.UserProgressSnapshot, startedAt time.Time) int {
	day := startedAt.UTC().Format("2006-01-02")
	switch snap.LastActivityDay {
	case day:
		if snap.StreakDays == 0 {
			return 1
		}
		return snap.StreakDays
	case startedAt.UTC().AddDate(0, 0, -1).Format("2006-01-02"):
		return snap.StreakDays + 1
	default:
		return 1
	}
}

func isPersonalRecord(snap *domain.UserProgressSnapshot, activity *domain.ActivityRecord) bool {
	maxW := activity.Metrics.MaxWeightKg()
	return maxW > 0 && maxW > snap.PersonalRecords[activity.ExerciseKey]
}

// applyToSnapshot folds the calculation into the user's progress.
func applyToSnapshot(snap *domain.UserProgressSnapshot, activity *domain.ActivityRecord, calc *domain.PointsCalculation, user engine.UserContext, now time.Time) {
	snap.StreakDays = user.StreakDays
	snap.LastActivityDay = activity.StartedAt.UTC().Format("2006-01-02")
	snap.LifetimePoints += calc.TotalPoints
	snap.LifetimeActivityCount++
	if user.IsPersonalRecord {
		snap.PersonalRecords[activity.ExerciseKey] = activity.Metrics.MaxWeightKg()
	}
	snap.UpdatedAt = now
}

// persistAsync writes the audit records off the request path with
// bounded retry. A total failure is logged; the response has already
// been shaped and is still returned to the caller.
func (s *Service) persistAsync(activity *domain.ActivityRecord, calc *domain.PointsCalculation, unlocked []domain.AchievementUnlockEvent) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		err := s.withRetry(ctx, "save activity", func() error {
			return s.repo.SaveActivity(ctx, activity)
		})
		if err == nil {
			err = s.withRetry(ctx, "save calculation", func() error {
				return s.repo.SaveCalculation(ctx, calc)
			})
		}
		if err != nil {
			// Unlock rows reference the calculation; without it they
			// would orphan the audit trail, so they are withheld too.
			s.logger.Error("audit persistence failed, calculation already returned",
				"activity_id", activity.ID, "unlocks_withheld", len(unlocked), "error", err)
			return
		}

		for i := range unlocked {
			s.persistUnlock(ctx, &unlocked[i])
		}
	}()
}

// persistUnlock stores one unlock event under its idempotency key so a
// retried write can never double-award.
func (s *Service) persistUnlock(ctx context.Context, e *domain.AchievementUnlockEvent) {
	key := e.IdempotencyKey(e.Repeatable)
	err := s.withRetry(ctx, "save unlock", func() error {
		_, err := s.repo.SaveUnlockEvent(ctx, e, key)
		return err
	})
	if err != nil {
		s.logger.Error("unlock persistence failed",
			"user_id", e.UserID, "achievement_id", e.AchievementID, "error", err)
	}
}

// withRetry runs fn up to persistAttempts times with doubling backoff.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := persistBaseDelay
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == persistAttempts {
			break
		}
		s.logger.Warn("persistence attempt failed, retrying",
			"op", op, "attempt", attempt, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		delay *= 2
	}
	return fmt.Errorf("%s after %d attempts: %w", op, persistAttempts, err)
}

// publishResult emits scoring events. Publish failures are logged and
// never affect the response.
func (s *Service) publishResult(calc *domain.PointsCalculation, unlocked []domain.AchievementUnlockEvent) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, _ := json.Marshal(calc)
	if err := s.bus.Publish(ctx, domain.TopicActivityScored, payload); err != nil {
		s.logger.Warn("failed to publish scored event", "activity_id", calc.ActivityID, "error", err)
	}
	if calc.RequiresReview {
		if err := s.bus.Publish(ctx, domain.TopicReviewRequired, payload); err != nil {
			s.logger.Warn("failed to publish review event", "activity_id", calc.ActivityID, "error", err)
		}
	}
	for i := range unlocked {
		ep, _ := json.Marshal(&unlocked[i])
		if err := s.bus.Publish(ctx, domain.TopicAchievementUnlocked, ep); err != nil {
			s.logger.Warn("failed to publish unlock event", "achievement_id", unlocked[i].AchievementID, "error", err)
		}
	}
}

// GetCalculation fetches a stored calculation by ID.
func (s *Service) GetCalculation(ctx context.Context, id string) (*domain.PointsCalculation, error) {
	return s.repo.GetCalculation(ctx, id)
}

// GetActivity fetches a stored activity with its calculation, if any.
func (s *Service) GetActivity(ctx context.Context, id string) (*domain.ActivityRecord, *domain.PointsCalculation, error) {
	activity, err := s.repo.GetActivity(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	calc, err := s.repo.GetCalculationByActivity(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return activity, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return activity, calc, nil
}

// ActiveRulesetVersion returns the version scoring currently uses.
func (s *Service) ActiveRulesetVersion() (string, error) {
	rs := s.store.Active()
	if rs == nil {
		return "", ErrNoActiveRuleset
	}
	return rs.Version, nil
}

// ImportRuleset validates and stores a ruleset document without
// activating it.
func (s *Service) ImportRuleset(ctx context.Context, document []byte, format string) (string, error) {
	rs, err := s.loader.Load(document, format)
	if err != nil {
		return "", err
	}
	if err := s.repo.SaveRulesetDocument(ctx, rs.Version, format, document); err != nil {
		return "", &domain.PersistenceError{Op: "save ruleset", Err: err}
	}
	if s.cache != nil {
		if err := s.cache.SetRulesetDocument(ctx, rs.Version, document, 0); err != nil {
			s.logger.Warn("failed to cache ruleset document", "version", rs.Version, "error", err)
		}
	}
	s.logger.Info("ruleset imported", "version", rs.Version, "format", format)
	return rs.Version, nil
}

// ActivateRuleset compiles a stored document and swaps it in as the
// active ruleset. In-flight calculations keep the version they captured.
func (s *Service) ActivateRuleset(ctx context.Context, version string) error {
	document, format, err := s.rulesetDocument(ctx, version)
	if err != nil {
		return err
	}
	rs, err := s.loader.Load(document, format)
	if err != nil {
		return err
	}
	if err := s.store.Activate(rs); err != nil {
		return err
	}
	if s.bus != nil {
		payload, _ := json.Marshal(map[string]string{"version": rs.Version})
		if err := s.bus.Publish(ctx, domain.TopicRulesetActivated, payload); err != nil {
			s.logger.Warn("failed to publish activation event", "version", rs.Version, "error", err)
		}
	}
	s.logger.Info("ruleset activated", "version", rs.Version)
	return nil
}

func (s *Service) rulesetDocument(ctx context.Context, version string) ([]byte, string, error) {
	if s.cache != nil {
		if doc, err := s.cache.GetRulesetDocument(ctx, version); err == nil && doc != nil {
			return doc, sniffFormat(doc), nil
		}
	}
	return s.repo.GetRulesetDocument(ctx, version)
}

// sniffFormat distinguishes the two supported document encodings.
func sniffFormat(doc []byte) string {
	for _, b := range doc {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return "json"
		default:
			return "yaml"
		}
	}
	return "yaml"
}

// ListExercises returns the active ruleset's enabled exercises.
func (s *Service) ListExercises() ([]domain.ExerciseDefinition, error) {
	rs := s.store.Active()
	if rs == nil {
		return nil, ErrNoActiveRuleset
	}
	return rs.Exercises(), nil
}

// ListAchievements returns the active ruleset's achievement catalog.
func (s *Service) ListAchievements() ([]domain.AchievementDefinition, error) {
	rs := s.store.Active()
	if rs == nil {
		return nil, ErrNoActiveRuleset
	}
	return rs.AchievementDefinitions(), nil
}

// GetUserProgress returns the user's snapshot and unlock history.
func (s *Service) GetUserProgress(ctx context.Context, userID string) (*domain.UserProgressSnapshot, []*domain.AchievementUnlockEvent, error) {
	snap, err := s.progress.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	unlocks, err := s.repo.ListUnlocksByUser(ctx, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, nil, err
	}
	return snap, unlocks, nil
}

// Healthy pings every backing dependency.
func (s *Service) Healthy(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			return fmt.Errorf("bus: %w", err)
		}
	}
	return nil
}

// Drain waits for in-flight async persistence to finish.
func (s *Service) Drain() {
	s.persistWG.Wait()
}
