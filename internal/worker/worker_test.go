package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/fitstack/tally/internal/achievement"
	"github.com/fitstack/tally/internal/bus"
	"github.com/fitstack/tally/internal/condition"
	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/fraud"
	"github.com/fitstack/tally/internal/progress"
	"github.com/fitstack/tally/internal/repository"
	"github.com/fitstack/tally/internal/ruleset"
	"github.com/fitstack/tally/internal/service"
)

const workerRuleset = `{
	"version": "2026.03",
	"exercises": [
		{
			"key": "squat",
			"name": "Squat",
			"category": "strength",
			"base_points": 10,
			"multipliers": {"reps": 1.0, "sets": 5.0, "weight": 0.1},
			"enabled": true
		}
	]
}`

func newTestWorker(t *testing.T) (*Worker, *bus.ChannelBus, *service.Service) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "tally.db"),
	})
	if err != nil {
		t.Fatalf("repository.New: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eval, err := condition.NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	loader := ruleset.NewLoader(eval)
	rs, err := loader.Load([]byte(workerRuleset), "json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	store := ruleset.NewStore()
	store.Activate(rs)

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	svc := service.New(service.Options{
		Store:    store,
		Loader:   loader,
		Detector: fraud.NewDetector(fraud.DefaultThresholds()),
		Progress: progress.NewStore(repo),
		Tracker:  achievement.NewTracker(nil),
		Repo:     repo,
		Bus:      b,
	})

	w := NewWorker(b, svc)
	if err := w.Start(Config{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	return w, b, svc
}

func submitActivity(t *testing.T, b *bus.ChannelBus, userID string) {
	t.Helper()
	payload, _ := json.Marshal(domain.ActivityRequest{
		UserID:      userID,
		ExerciseKey: "squat",
		StartedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:     time.Date(2026, 3, 1, 10, 45, 0, 0, time.UTC),
		Metrics: domain.ActivityMetrics{
			Sets:      3,
			Reps:      []int{10, 8, 8},
			WeightsKg: []float64{50, 55, 55},
		},
	})
	if err := b.Publish(context.Background(), domain.TopicActivitySubmitted, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func waitForActivityCount(t *testing.T, svc *service.Service, userID string, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _, err := svc.GetUserProgress(context.Background(), userID)
		if err == nil && snap.LifetimeActivityCount >= want {
			if snap.LifetimeActivityCount != want {
				t.Fatalf("lifetimeActivityCount = %d, want %d", snap.LifetimeActivityCount, want)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("activity count did not reach %d (last: %v, err: %v)", want, snap, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerScoresSubmittedActivity(t *testing.T) {
	_, b, svc := newTestWorker(t)

	submitActivity(t, b, "worker-user-1")
	waitForActivityCount(t, svc, "worker-user-1", 1)

	snap, _, err := svc.GetUserProgress(context.Background(), "worker-user-1")
	if err != nil {
		t.Fatalf("GetUserProgress: %v", err)
	}
	if snap.LifetimePoints != 117 {
		t.Errorf("lifetimePoints = %v, want 117", snap.LifetimePoints)
	}
}

func TestWorkerSurvivesMalformedPayload(t *testing.T) {
	_, b, svc := newTestWorker(t)

	if err := b.Publish(context.Background(), domain.TopicActivitySubmitted, []byte("{not json")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	// A later valid submission still gets scored.
	submitActivity(t, b, "worker-user-2")
	waitForActivityCount(t, svc, "worker-user-2", 1)
}

func TestWorkerDropsInvalidSubmission(t *testing.T) {
	_, b, svc := newTestWorker(t)

	payload, _ := json.Marshal(domain.ActivityRequest{
		UserID:      "worker-user-3",
		ExerciseKey: "juggling",
		StartedAt:   time.Now().UTC(),
		Metrics:     domain.ActivityMetrics{Sets: 1},
	})
	if err := b.Publish(context.Background(), domain.TopicActivitySubmitted, payload); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	submitActivity(t, b, "worker-user-3")
	waitForActivityCount(t, svc, "worker-user-3", 1)
}

func TestWorkerStats(t *testing.T) {
	w, _, _ := newTestWorker(t)

	stats := w.GetStats()
	if stats.SubscriptionCount != 1 {
		t.Errorf("subscriptionCount = %d, want 1", stats.SubscriptionCount)
	}
	if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicActivitySubmitted {
		t.Errorf("topics = %v", stats.Topics)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if w.GetStats().SubscriptionCount != 0 {
		t.Error("subscriptions not cleared after Stop")
	}
}
