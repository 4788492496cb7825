//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Tally points
// engine against a running instance.
//
// These tests verify the COMPLETE scoring pipeline:
//
//	Activity → Ruleset → Points → Fraud Checks → Achievements → Audit
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The suite imports and activates its own ruleset version over the API,
// so the target instance only needs to be up (any active ruleset is
// replaced for the duration of the run):
//
//	go run cmd/tally/main.go
//	TALLY_TEST_URL=http://localhost:8080 go test -tags=integration ./tests/integration/...
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"
)

const testRulesetVersion = "itest.2026.03"

// testRuleset drives every scenario below: squat scoring with the
// documented multipliers, one weight bonus, one streak multiplier and
// two achievements.
const testRuleset = `{
	"version": "` + testRulesetVersion + `",
	"global_multiplier_cap": 1.25,
	"exercises": [
		{
			"key": "squat",
			"name": "Squat",
			"category": "strength",
			"base_points": 10,
			"multipliers": {"reps": 1.0, "sets": 5.0, "weight": 0.1},
			"enabled": true
		},
		{
			"key": "run",
			"name": "Run",
			"category": "cardio",
			"base_points": 15,
			"multipliers": {"distance": 0.01},
			"enabled": true
		}
	],
	"bonus_rules": [
		{"id": "volume_50", "name": "Heavy Volume", "condition": "weight_kg >= 50.0", "value": 50, "priority": 10, "enabled": true}
	],
	"multiplier_rules": [
		{"id": "streak_week", "name": "Week Streak", "condition": "streak_days >= 7", "value": 1.5, "priority": 10, "enabled": true}
	],
	"achievements": [
		{"id": "first_activity", "name": "First Activity", "condition": "lifetime_activity_count >= 1",
		 "trigger": "threshold", "points_reward": 25, "enabled": true}
	]
}`

func baseURL() string {
	if url := os.Getenv("TALLY_TEST_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

var seedOnce sync.Once

// seedRuleset imports and activates the test ruleset once per run.
func seedRuleset(t *testing.T) {
	t.Helper()
	seedOnce.Do(func() {
		client := &http.Client{Timeout: 10 * time.Second}

		resp, err := client.Post(baseURL()+"/rulesets", "application/json", bytes.NewReader([]byte(testRuleset)))
		if err != nil {
			t.Fatalf("import ruleset: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("import ruleset: status %d", resp.StatusCode)
		}

		resp, err = client.Post(baseURL()+"/rulesets/"+testRulesetVersion+"/activate", "application/json", nil)
		if err != nil {
			t.Fatalf("activate ruleset: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("activate ruleset: status %d", resp.StatusCode)
		}
	})
}

type activityRequest struct {
	UserID      string          `json:"userId"`
	ExerciseKey string          `json:"exerciseKey"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     time.Time       `json:"endedAt"`
	Metrics     activityMetrics `json:"metrics"`
}

type activityMetrics struct {
	Sets      int       `json:"sets,omitempty"`
	Reps      []int     `json:"reps,omitempty"`
	WeightsKg []float64 `json:"weightsKg,omitempty"`
	DurationS float64   `json:"durationS,omitempty"`
	DistanceM float64   `json:"distanceM,omitempty"`
}

type calculationResponse struct {
	Calculation struct {
		ID                 string             `json:"id"`
		ActivityID         string             `json:"activityId"`
		TotalPoints        float64            `json:"totalPoints"`
		BasePoints         float64            `json:"basePoints"`
		Subtotal           float64            `json:"subtotal"`
		BonusTotal         float64            `json:"bonusTotal"`
		CombinedMultiplier float64            `json:"combinedMultiplier"`
		MetricPoints       map[string]float64 `json:"metricPoints"`
		RequiresReview     bool               `json:"requiresReview"`
		FraudFlags         []struct {
			CheckID  string `json:"checkId"`
			Severity string `json:"severity"`
		} `json:"fraudFlags"`
	} `json:"calculation"`
	Unlocked []struct {
		AchievementID string  `json:"achievementId"`
		PointsAwarded float64 `json:"pointsAwarded"`
	} `json:"unlockedAchievements"`
	RulesetVersion string `json:"rulesetVersion"`
}

func calculate(t *testing.T, req activityRequest) calculationResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(baseURL()+"/calculate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, string(respBody))
	}

	var result calculationResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, string(respBody))
	}
	return result
}

func squatRequest(userID string) activityRequest {
	started := time.Now().UTC().Add(-time.Hour)
	return activityRequest{
		UserID:      userID,
		ExerciseKey: "squat",
		StartedAt:   started,
		EndedAt:     started.Add(45 * time.Minute),
		Metrics: activityMetrics{
			Sets:      3,
			Reps:      []int{10, 8, 8},
			WeightsKg: []float64{50, 55, 55},
		},
	}
}

func uniqueUser(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestSquatScoringBreakdown(t *testing.T) {
	/*
	   SCENARIO: The documented squat session.

	   3 sets, reps [10,8,8], weights [50,55,55]kg:
	     reps   26 x 1.0 = 26
	     sets    3 x 5.0 = 15
	     weight 160 x 0.1 = 16
	     subtotal = 10 + 57 = 67
	     volume_50 bonus (+50) matches with max weight 55kg
	     no multiplier (fresh user, no streak)
	     total = round(117) x 1.0 = 117
	*/
	seedRuleset(t)

	result := calculate(t, squatRequest(uniqueUser("itest-breakdown")))

	if result.Calculation.TotalPoints != 117 {
		t.Errorf("totalPoints = %v, want 117", result.Calculation.TotalPoints)
	}
	if result.Calculation.Subtotal != 67 {
		t.Errorf("subtotal = %v, want 67", result.Calculation.Subtotal)
	}
	if result.Calculation.BonusTotal != 50 {
		t.Errorf("bonusTotal = %v, want 50", result.Calculation.BonusTotal)
	}
	if result.Calculation.CombinedMultiplier != 1.0 {
		t.Errorf("combinedMultiplier = %v, want 1.0", result.Calculation.CombinedMultiplier)
	}
	if result.RulesetVersion != testRulesetVersion {
		t.Errorf("rulesetVersion = %q, want %q", result.RulesetVersion, testRulesetVersion)
	}

	t.Logf("✓ Squat breakdown: total=%.0f, metrics=%v",
		result.Calculation.TotalPoints, result.Calculation.MetricPoints)
}

func TestFraudFlagNeverChangesTotal(t *testing.T) {
	/*
	   SCENARIO: An implausible 500kg squat.

	   The weight ceiling check flags the activity for review, but the
	   points formula runs unchanged: flags annotate, they never adjust.
	*/
	seedRuleset(t)

	req := squatRequest(uniqueUser("itest-fraud"))
	req.Metrics = activityMetrics{
		Sets:      1,
		Reps:      []int{1},
		WeightsKg: []float64{500},
	}

	result := calculate(t, req)

	if !result.Calculation.RequiresReview {
		t.Error("expected requiresReview for a 500kg lift")
	}
	if len(result.Calculation.FraudFlags) == 0 {
		t.Fatal("expected fraud flags")
	}

	// base 10 + reps 1 + sets 5 + weight 50 = 66, +50 bonus = 116.
	if result.Calculation.TotalPoints != 116 {
		t.Errorf("totalPoints = %v, want 116 (flags must not change the total)", result.Calculation.TotalPoints)
	}

	t.Logf("✓ Flagged but fully scored: total=%.0f, flags=%v",
		result.Calculation.TotalPoints, result.Calculation.FraudFlags)
}

func TestAchievementUnlocksExactlyOnce(t *testing.T) {
	/*
	   SCENARIO: The first_activity threshold achievement.

	   It must fire on the user's first scored activity and never again,
	   no matter how many more activities are scored.
	*/
	seedRuleset(t)

	user := uniqueUser("itest-unlock")

	first := calculate(t, squatRequest(user))
	if len(first.Unlocked) != 1 || first.Unlocked[0].AchievementID != "first_activity" {
		t.Fatalf("first activity unlocks = %+v, want first_activity", first.Unlocked)
	}

	for i := 0; i < 3; i++ {
		again := calculate(t, squatRequest(user))
		if len(again.Unlocked) != 0 {
			t.Errorf("activity %d re-unlocked: %+v", i+2, again.Unlocked)
		}
	}

	t.Logf("✓ first_activity unlocked exactly once for %s", user)
}

func TestCalculationIsRetrievable(t *testing.T) {
	/*
	   SCENARIO: Audit record round-trip.

	   Persistence is asynchronous, so poll GET /calculations/{id} until
	   the record lands.
	*/
	seedRuleset(t)

	result := calculate(t, squatRequest(uniqueUser("itest-audit")))

	client := &http.Client{Timeout: 10 * time.Second}
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := client.Get(baseURL() + "/calculations/" + result.Calculation.ID)
		if err != nil {
			t.Fatalf("get calculation: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			var stored struct {
				TotalPoints float64 `json:"totalPoints"`
			}
			if err := json.Unmarshal(body, &stored); err != nil {
				t.Fatalf("unmarshal stored calculation: %v", err)
			}
			if stored.TotalPoints != result.Calculation.TotalPoints {
				t.Errorf("stored totalPoints = %v, want %v", stored.TotalPoints, result.Calculation.TotalPoints)
			}
			t.Logf("✓ Calculation %s persisted", result.Calculation.ID)
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("calculation %s not persisted within deadline (last status %d)", result.Calculation.ID, resp.StatusCode)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestUserProgressAccumulates(t *testing.T) {
	seedRuleset(t)

	user := uniqueUser("itest-progress")
	calculate(t, squatRequest(user))
	calculate(t, squatRequest(user))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL() + "/users/" + user + "/progress")
	if err != nil {
		t.Fatalf("get progress: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress status %d", resp.StatusCode)
	}

	var progress struct {
		Progress struct {
			LifetimeActivityCount int64   `json:"lifetimeActivityCount"`
			LifetimePoints        float64 `json:"lifetimePoints"`
		} `json:"progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&progress); err != nil {
		t.Fatalf("decode progress: %v", err)
	}

	if progress.Progress.LifetimeActivityCount != 2 {
		t.Errorf("lifetimeActivityCount = %d, want 2", progress.Progress.LifetimeActivityCount)
	}
	// 117 + 25 reward, then 117 again.
	if progress.Progress.LifetimePoints != 259 {
		t.Errorf("lifetimePoints = %v, want 259", progress.Progress.LifetimePoints)
	}

	t.Logf("✓ Progress accumulated: %+v", progress.Progress)
}

func TestValidationErrors(t *testing.T) {
	seedRuleset(t)
	client := &http.Client{Timeout: 10 * time.Second}

	post := func(t *testing.T, payload any) int {
		t.Helper()
		body, _ := json.Marshal(payload)
		resp, err := client.Post(baseURL()+"/calculate", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	t.Run("missing user", func(t *testing.T) {
		req := squatRequest("")
		if code := post(t, req); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("unknown exercise", func(t *testing.T) {
		req := squatRequest(uniqueUser("itest-validation"))
		req.ExerciseKey = "juggling"
		if code := post(t, req); code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", code)
		}
	})

	t.Run("negative weight", func(t *testing.T) {
		req := squatRequest(uniqueUser("itest-validation"))
		req.Metrics.WeightsKg = []float64{-10}
		if code := post(t, req); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})
}

func TestActiveVersionEndpoint(t *testing.T) {
	seedRuleset(t)

	resp, err := http.Get(baseURL() + "/rulesets/active/version")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["version"] != testRulesetVersion {
		t.Errorf("active version = %q, want %q", body["version"], testRulesetVersion)
	}
}
