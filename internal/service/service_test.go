package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fitstack/tally/internal/achievement"
	"github.com/fitstack/tally/internal/condition"
	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/fraud"
	"github.com/fitstack/tally/internal/progress"
	"github.com/fitstack/tally/internal/ruleset"
)

// recordingRepo keeps everything in maps and counts save attempts.
type recordingRepo struct {
	domain.Repository

	mu           sync.Mutex
	activities   map[string]*domain.ActivityRecord
	calculations map[string]*domain.PointsCalculation
	unlockKeys   map[string]*domain.AchievementUnlockEvent
	progress     map[string]*domain.UserProgressSnapshot
	documents    map[string][]byte
	formats      map[string]string

	calcSaveAttempts int
	failCalcSaves    int // fail this many SaveCalculation calls before succeeding
}

func newRecordingRepo() *recordingRepo {
	return &recordingRepo{
		activities:   make(map[string]*domain.ActivityRecord),
		calculations: make(map[string]*domain.PointsCalculation),
		unlockKeys:   make(map[string]*domain.AchievementUnlockEvent),
		progress:     make(map[string]*domain.UserProgressSnapshot),
		documents:    make(map[string][]byte),
		formats:      make(map[string]string),
	}
}

func (r *recordingRepo) SaveActivity(ctx context.Context, a *domain.ActivityRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[a.ID] = a
	return nil
}

func (r *recordingRepo) CountActivitiesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, a := range r.activities {
		if a.UserID == userID && a.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r *recordingRepo) SaveCalculation(ctx context.Context, c *domain.PointsCalculation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calcSaveAttempts++
	if r.failCalcSaves > 0 {
		r.failCalcSaves--
		return errors.New("connection reset")
	}
	r.calculations[c.ID] = c
	return nil
}

func (r *recordingRepo) GetCalculation(ctx context.Context, id string) (*domain.PointsCalculation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calculations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (r *recordingRepo) SaveUnlockEvent(ctx context.Context, e *domain.AchievementUnlockEvent, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.unlockKeys[key]; dup {
		return false, nil
	}
	r.unlockKeys[key] = e
	return true, nil
}

func (r *recordingRepo) ListUnlocksByUser(ctx context.Context, userID string) ([]*domain.AchievementUnlockEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AchievementUnlockEvent
	for _, e := range r.unlockKeys {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *recordingRepo) SaveProgress(ctx context.Context, s *domain.UserProgressSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[s.UserID] = s.Clone()
	return nil
}

func (r *recordingRepo) GetProgress(ctx context.Context, userID string) (*domain.UserProgressSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.progress[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *recordingRepo) SaveRulesetDocument(ctx context.Context, version, format string, document []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents[version] = document
	r.formats[version] = format
	return nil
}

func (r *recordingRepo) GetRulesetDocument(ctx context.Context, version string) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.documents[version]
	if !ok {
		return nil, "", domain.ErrNotFound
	}
	return doc, r.formats[version], nil
}

func (r *recordingRepo) Ping(ctx context.Context) error { return nil }
func (r *recordingRepo) Close() error                   { return nil }

func scoringDocument() *domain.RulesetDocument {
	return &domain.RulesetDocument{
		Version: "2026.03",
		Exercises: []domain.ExerciseDefinition{
			{
				Key: "squat", Name: "Squat", Category: "strength",
				BasePoints: 10,
				Multipliers: map[string]float64{
					domain.MetricReps:   1.0,
					domain.MetricSets:   5.0,
					domain.MetricWeight: 0.1,
				},
				Enabled: true,
			},
		},
		BonusRules: []domain.BonusRule{
			{ID: "volume_50", Name: "Volume", Condition: "weight_kg >= 50.0", Value: 50, Priority: 10, Enabled: true},
		},
		Achievements: []domain.AchievementDefinition{
			{ID: "first_activity", Name: "First Activity", Condition: "lifetime_activity_count >= 1",
				Trigger: domain.TriggerThreshold, PointsReward: 25, Enabled: true},
		},
	}
}

func newTestService(t *testing.T, repo domain.Repository) (*Service, *ruleset.Store) {
	t.Helper()
	eval, err := condition.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	loader := ruleset.NewLoader(eval)
	rs, err := loader.Compile(scoringDocument())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	store := ruleset.NewStore()
	if err := store.Activate(rs); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	svc := New(Options{
		Store:    store,
		Loader:   loader,
		Detector: fraud.NewDetector(fraud.DefaultThresholds()),
		Progress: progress.NewStore(repo),
		Tracker:  achievement.NewTracker(nil),
		Repo:     repo,
	})
	return svc, store
}

func squatRequest() *domain.ActivityRequest {
	return &domain.ActivityRequest{
		UserID:      "user-1",
		ExerciseKey: "squat",
		StartedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:     time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC),
		Metrics: domain.ActivityMetrics{
			Sets:      3,
			Reps:      []int{10, 8, 8},
			WeightsKg: []float64{50, 55, 55},
		},
	}
}

// countingCache implements just the burst counter; every other cache
// method panics through the embedded nil interface if touched.
type countingCache struct {
	domain.Cache

	mu       sync.Mutex
	counters map[string]int64
}

func newCountingCache() *countingCache {
	return &countingCache{counters: make(map[string]int64)}
}

func (c *countingCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	return c.counters[key], nil
}

func (c *countingCache) GetRulesetDocument(ctx context.Context, version string) ([]byte, error) {
	return nil, nil
}

func (c *countingCache) SetRulesetDocument(ctx context.Context, version string, document []byte, ttl time.Duration) error {
	return nil
}

func (c *countingCache) Ping(ctx context.Context) error { return nil }

func (c *countingCache) total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for _, v := range c.counters {
		n += v
	}
	return n
}

func TestCalculateFullPipeline(t *testing.T) {
	repo := newRecordingRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	resp, err := svc.Calculate(ctx, squatRequest())
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	svc.Drain()

	calc := resp.Calculation
	if calc.TotalPoints != 117 {
		t.Errorf("TotalPoints = %v, want 117", calc.TotalPoints)
	}
	if resp.RulesetVersion != "2026.03" {
		t.Errorf("RulesetVersion = %q", resp.RulesetVersion)
	}
	if len(resp.Unlocked) != 1 || resp.Unlocked[0].AchievementID != "first_activity" {
		t.Fatalf("expected first_activity unlock, got %+v", resp.Unlocked)
	}

	// Audit records landed.
	if len(repo.activities) != 1 {
		t.Errorf("activities persisted = %d, want 1", len(repo.activities))
	}
	if _, err := repo.GetCalculation(ctx, calc.ID); err != nil {
		t.Errorf("calculation not persisted: %v", err)
	}
	if len(repo.unlockKeys) != 1 {
		t.Errorf("unlocks persisted = %d, want 1", len(repo.unlockKeys))
	}

	// Progress updated: total points plus the achievement reward.
	snap, _, err := svc.GetUserProgress(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUserProgress: %v", err)
	}
	if snap.LifetimePoints != 117+25 {
		t.Errorf("LifetimePoints = %v, want 142", snap.LifetimePoints)
	}
	if snap.LifetimeActivityCount != 1 || snap.StreakDays != 1 {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if snap.PersonalRecords["squat"] != 55 {
		t.Errorf("PR = %v, want 55", snap.PersonalRecords["squat"])
	}
}

func TestCalculateUnknownExercisePersistsNothing(t *testing.T) {
	repo := newRecordingRepo()
	svc, _ := newTestService(t, repo)

	req := squatRequest()
	req.ExerciseKey = "underwater_basket_weaving"
	_, err := svc.Calculate(context.Background(), req)

	var unknownErr *domain.UnknownExerciseError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownExerciseError, got %v", err)
	}
	svc.Drain()

	if len(repo.activities) != 0 || len(repo.calculations) != 0 || len(repo.progress) != 0 {
		t.Errorf("rejected activity must leave no side effects: %d/%d/%d",
			len(repo.activities), len(repo.calculations), len(repo.progress))
	}
}

func TestCalculateInvalidRequest(t *testing.T) {
	repo := newRecordingRepo()
	svc, _ := newTestService(t, repo)

	req := squatRequest()
	req.UserID = ""
	_, err := svc.Calculate(context.Background(), req)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCalculateReturnsResultDespitePersistenceFailure(t *testing.T) {
	repo := newRecordingRepo()
	repo.failCalcSaves = 99 // every attempt fails
	svc, _ := newTestService(t, repo)

	resp, err := svc.Calculate(context.Background(), squatRequest())
	if err != nil {
		t.Fatalf("Calculate must succeed even if audit writes fail: %v", err)
	}
	if resp.Calculation.TotalPoints != 117 {
		t.Errorf("TotalPoints = %v, want 117", resp.Calculation.TotalPoints)
	}
	svc.Drain()

	repo.mu.Lock()
	attempts := repo.calcSaveAttempts
	repo.mu.Unlock()
	if attempts != 3 {
		t.Errorf("SaveCalculation attempts = %d, want 3", attempts)
	}
}

func TestCalculateRetryEventuallySucceeds(t *testing.T) {
	repo := newRecordingRepo()
	repo.failCalcSaves = 2 // third attempt lands
	svc, _ := newTestService(t, repo)

	resp, err := svc.Calculate(context.Background(), squatRequest())
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	svc.Drain()

	if _, err := repo.GetCalculation(context.Background(), resp.Calculation.ID); err != nil {
		t.Errorf("calculation should have landed on retry: %v", err)
	}
}

func TestUnlockEventsAreExactlyOnce(t *testing.T) {
	repo := newRecordingRepo()
	svc, _ := newTestService(t, repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.Calculate(ctx, squatRequest()); err != nil {
			t.Fatalf("Calculate %d: %v", i, err)
		}
	}
	svc.Drain()

	if len(repo.unlockKeys) != 1 {
		t.Errorf("non-repeatable achievement persisted %d times, want 1", len(repo.unlockKeys))
	}
}

func TestRejectedActivityDoesNotCountTowardBurst(t *testing.T) {
	repo := newRecordingRepo()
	cache := newCountingCache()
	eval, err := condition.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	loader := ruleset.NewLoader(eval)
	rs, err := loader.Compile(scoringDocument())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	store := ruleset.NewStore()
	if err := store.Activate(rs); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	svc := New(Options{
		Store:    store,
		Loader:   loader,
		Detector: fraud.NewDetector(fraud.DefaultThresholds()),
		Progress: progress.NewStore(repo),
		Tracker:  achievement.NewTracker(nil),
		Repo:     repo,
		Cache:    cache,
	})
	ctx := context.Background()

	req := squatRequest()
	req.ExerciseKey = "underwater_basket_weaving"
	if _, err := svc.Calculate(ctx, req); err == nil {
		t.Fatal("expected unknown exercise error")
	}
	if got := cache.total(); got != 0 {
		t.Errorf("burst counter after rejected submission = %d, want 0", got)
	}

	if _, err := svc.Calculate(ctx, squatRequest()); err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	svc.Drain()
	if got := cache.total(); got != 1 {
		t.Errorf("burst counter after scored submission = %d, want 1", got)
	}
}

func TestUnlocksWithheldWhenCalculationWriteFails(t *testing.T) {
	repo := newRecordingRepo()
	repo.failCalcSaves = 99 // every attempt fails
	svc, _ := newTestService(t, repo)

	resp, err := svc.Calculate(context.Background(), squatRequest())
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if len(resp.Unlocked) != 1 {
		t.Fatalf("expected the unlock in the response, got %d", len(resp.Unlocked))
	}
	svc.Drain()

	// An unlock row without its calculation would orphan the audit
	// trail, so none may land when the calculation write fails.
	repo.mu.Lock()
	unlocks := len(repo.unlockKeys)
	repo.mu.Unlock()
	if unlocks != 0 {
		t.Errorf("unlocks persisted despite failed calculation write = %d, want 0", unlocks)
	}
}

func TestImportAndActivateRuleset(t *testing.T) {
	repo := newRecordingRepo()
	svc, store := newTestService(t, repo)
	ctx := context.Background()

	doc := []byte(`{
		"version": "2026.04",
		"exercises": [
			{"key": "deadlift", "name": "Deadlift", "category": "strength", "base_points": 12, "enabled": true}
		]
	}`)
	version, err := svc.ImportRuleset(ctx, doc, "json")
	if err != nil {
		t.Fatalf("ImportRuleset: %v", err)
	}
	if version != "2026.04" {
		t.Errorf("version = %q, want 2026.04", version)
	}

	// Import alone must not change the live ruleset.
	if v := store.ActiveVersion(); v != "2026.03" {
		t.Errorf("active version after import = %q, want 2026.03", v)
	}

	if err := svc.ActivateRuleset(ctx, "2026.04"); err != nil {
		t.Fatalf("ActivateRuleset: %v", err)
	}
	if v := store.ActiveVersion(); v != "2026.04" {
		t.Errorf("active version after activate = %q, want 2026.04", v)
	}
}

func TestActivateUnknownVersion(t *testing.T) {
	repo := newRecordingRepo()
	svc, _ := newTestService(t, repo)

	err := svc.ActivateRuleset(context.Background(), "1999.01")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCalculateWithoutActiveRuleset(t *testing.T) {
	repo := newRecordingRepo()
	eval, _ := condition.NewEvaluator()
	svc := New(Options{
		Store:    ruleset.NewStore(),
		Loader:   ruleset.NewLoader(eval),
		Detector: fraud.NewDetector(fraud.DefaultThresholds()),
		Progress: progress.NewStore(repo),
		Tracker:  achievement.NewTracker(nil),
		Repo:     repo,
	})
	_, err := svc.Calculate(context.Background(), squatRequest())
	if !errors.Is(err, ErrNoActiveRuleset) {
		t.Fatalf("expected ErrNoActiveRuleset, got %v", err)
	}
}
