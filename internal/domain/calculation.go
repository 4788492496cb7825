package domain

import (
	"strconv"
	"time"
)

// PointsCalculation is the append-only result of scoring one activity.
// It is never mutated after creation; corrections require a new
// compensating record. The breakdown is sufficient to reconstruct
// TotalPoints independently.
type PointsCalculation struct {
	ID             string `json:"id"`
	ActivityID     string `json:"activityId"`
	UserID         string `json:"userId"`
	ExerciseKey    string `json:"exerciseKey"`
	RulesetVersion string `json:"rulesetVersion"`

	BasePoints   float64            `json:"basePoints"`
	MetricPoints map[string]float64 `json:"metricPoints,omitempty"`
	Subtotal     float64            `json:"subtotal"`

	// Bonuses lists matched bonus rules in deterministic order
	// (priority ascending, then rule ID).
	Bonuses    []BonusAward `json:"bonuses,omitempty"`
	BonusTotal float64      `json:"bonusTotal"`

	Multipliers        []MultiplierApplication `json:"multipliers,omitempty"`
	CombinedMultiplier float64                 `json:"combinedMultiplier"`

	TotalPoints float64 `json:"totalPoints"`

	// FraudFlags are non-blocking plausibility annotations; they never
	// affect TotalPoints.
	FraudFlags     []FraudFlag `json:"fraudFlags,omitempty"`
	RequiresReview bool        `json:"requiresReview"`

	ComputedAt time.Time `json:"computedAt"`
}

// BonusAward records one matched bonus rule and its contribution.
type BonusAward struct {
	RuleID string  `json:"ruleId"`
	Value  float64 `json:"value"`
}

// MultiplierApplication records one matched multiplier rule.
// Value is the raw rule value before clamping the combined product.
type MultiplierApplication struct {
	RuleID string  `json:"ruleId"`
	Value  float64 `json:"value"`
}

// Severity grades a fraud flag.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities so thresholds can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// FraudFlag is a plausibility annotation produced by one detector check.
type FraudFlag struct {
	CheckID  string   `json:"checkId"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// AchievementUnlockEvent records one achievement unlock. Non-repeatable
// achievements produce at most one event per (user, achievement); the
// persistence boundary enforces this via the idempotency key.
type AchievementUnlockEvent struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	AchievementID string `json:"achievementId"`

	// SnapshotVersion is the progress snapshot version at unlock time.
	// For repeatable achievements it is part of the idempotency key.
	SnapshotVersion int64 `json:"snapshotVersion"`

	TriggerActivityID string    `json:"triggerActivityId"`
	PointsAwarded     float64   `json:"pointsAwarded"`
	Repeatable        bool      `json:"repeatable,omitempty"`
	UnlockedAt        time.Time `json:"unlockedAt"`
}

// IdempotencyKey is the stable identifier guaranteeing at-most-once effect
// of a retried unlock persist. Non-repeatable achievements collapse every
// retry and re-trigger onto one key.
func (e *AchievementUnlockEvent) IdempotencyKey(repeatable bool) string {
	if repeatable {
		return e.UserID + ":" + e.AchievementID + ":" + strconv.FormatInt(e.SnapshotVersion, 10)
	}
	return e.UserID + ":" + e.AchievementID
}

// UserProgressSnapshot is the only mutable entity in the model. It is
// updated once per calculation under single-writer-per-user discipline.
type UserProgressSnapshot struct {
	UserID  string `json:"userId"`
	Version int64  `json:"version"`

	StreakDays      int    `json:"streakDays"`
	LastActivityDay string `json:"lastActivityDay,omitempty"` // UTC YYYY-MM-DD

	LifetimePoints        float64 `json:"lifetimePoints"`
	LifetimeActivityCount int64   `json:"lifetimeActivityCount"`

	// Unlocked maps achievement ID to unlock count.
	Unlocked map[string]int `json:"unlocked,omitempty"`

	// PersonalRecords maps exercise key to the heaviest single-set
	// weight seen so far.
	PersonalRecords map[string]float64 `json:"personalRecords,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewProgressSnapshot returns an empty snapshot for a user.
func NewProgressSnapshot(userID string) *UserProgressSnapshot {
	return &UserProgressSnapshot{
		UserID:          userID,
		Unlocked:        make(map[string]int),
		PersonalRecords: make(map[string]float64),
	}
}

// Clone returns a deep copy safe to read outside the per-user lock.
func (s *UserProgressSnapshot) Clone() *UserProgressSnapshot {
	cp := *s
	cp.Unlocked = make(map[string]int, len(s.Unlocked))
	for k, v := range s.Unlocked {
		cp.Unlocked[k] = v
	}
	cp.PersonalRecords = make(map[string]float64, len(s.PersonalRecords))
	for k, v := range s.PersonalRecords {
		cp.PersonalRecords[k] = v
	}
	return &cp
}

// UnlockCount returns how many times an achievement has been unlocked.
func (s *UserProgressSnapshot) UnlockCount(achievementID string) int {
	if s.Unlocked == nil {
		return 0
	}
	return s.Unlocked[achievementID]
}

// CalculationResponse is the API response for POST /calculate.
type CalculationResponse struct {
	Calculation    *PointsCalculation        `json:"calculation"`
	Unlocked       []*AchievementUnlockEvent `json:"unlockedAchievements,omitempty"`
	RulesetVersion string                    `json:"rulesetVersion"`
}
