// Package achievement evaluates achievement conditions against a user's
// updated progress and the calculation that updated it.
package achievement

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fitstack/tally/internal/condition"
	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/engine"
	"github.com/fitstack/tally/internal/ruleset"
)

// Tracker decides which achievements unlock for a calculation. It
// mutates the snapshot's unlock counts; persistence and the
// exactly-once guarantee live in the repository's idempotency keys.
type Tracker struct {
	logger *slog.Logger
}

// NewTracker creates a tracker. A nil logger falls back to the default.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger}
}

// Evaluate checks every achievement in the ruleset against the snapshot
// (already updated with this calculation's points and counts), the
// activity and the calculation. One failing condition never blocks the
// others. Matched achievements are recorded on the snapshot and
// returned as unlock events.
func (t *Tracker) Evaluate(
	rs *ruleset.Ruleset,
	snap *domain.UserProgressSnapshot,
	activity *domain.ActivityRecord,
	calc *domain.PointsCalculation,
	user engine.UserContext,
	now time.Time,
) []domain.AchievementUnlockEvent {
	vars := achievementVars(rs, snap, activity, calc, user)

	var unlocked []domain.AchievementUnlockEvent
	for _, a := range rs.Achievements {
		def := a.Definition

		// Threshold achievements fire once when the cumulative
		// condition is first met; only instant achievements honor the
		// repeatable flag.
		already := snap.UnlockCount(def.ID) > 0
		if already && (def.Trigger == domain.TriggerThreshold || !def.Repeatable) {
			continue
		}
		if a.Program == nil {
			continue
		}

		matched, err := a.Program.Eval(vars)
		if err != nil {
			t.logger.Warn("achievement condition failed, skipping",
				"achievement_id", def.ID, "error", err)
			continue
		}
		if !matched {
			continue
		}

		snap.Unlocked[def.ID]++
		unlocked = append(unlocked, domain.AchievementUnlockEvent{
			ID:                uuid.NewString(),
			UserID:            snap.UserID,
			AchievementID:     def.ID,
			SnapshotVersion:   snap.Version,
			TriggerActivityID: activity.ID,
			PointsAwarded:     def.PointsReward,
			Repeatable:        def.Repeatable,
			UnlockedAt:        now,
		})
	}
	return unlocked
}

// achievementVars assembles the full variable set: the activity fields
// the engine exposes plus the cumulative fields only achievements see.
func achievementVars(
	rs *ruleset.Ruleset,
	snap *domain.UserProgressSnapshot,
	activity *domain.ActivityRecord,
	calc *domain.PointsCalculation,
	user engine.UserContext,
) map[string]any {
	category := ""
	if ex, err := rs.Exercise(activity.ExerciseKey); err == nil {
		category = ex.Category
	}
	m := activity.Metrics
	return map[string]any{
		condition.FieldReps:                  int64(m.TotalReps()),
		condition.FieldSets:                  int64(m.Sets),
		condition.FieldWeightKg:              m.MaxWeightKg(),
		condition.FieldDurationS:             m.DurationS,
		condition.FieldDistanceM:             m.DistanceM,
		condition.FieldElevationGainM:        m.ElevationGainM,
		condition.FieldStreakDays:            int64(snap.StreakDays),
		condition.FieldIsPersonalRecord:      user.IsPersonalRecord,
		condition.FieldWorkoutHour:           int64(activity.StartedAt.UTC().Hour()),
		condition.FieldExerciseCategory:      category,
		condition.FieldLifetimePoints:        snap.LifetimePoints,
		condition.FieldLifetimeActivityCount: snap.LifetimeActivityCount,
		condition.FieldTotalPoints:           calc.TotalPoints,
		condition.FieldBasePoints:            calc.BasePoints,
		condition.FieldBonusTotal:            calc.BonusTotal,
	}
}
