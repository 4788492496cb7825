// Package engine implements the points calculation: a pure function over
// an immutable ruleset snapshot and an immutable activity record. It
// performs no I/O, so unrelated calculations need no coordination.
package engine

import (
	"log/slog"
	"math"

	"github.com/fitstack/tally/internal/condition"
	"github.com/fitstack/tally/internal/domain"
	"github.com/fitstack/tally/internal/ruleset"
)

// UserContext carries the per-user fields rule conditions may reference.
// The caller resolves them from the user's progress snapshot before
// invoking Calculate; the engine itself never reads shared state.
type UserContext struct {
	StreakDays       int
	IsPersonalRecord bool
}

// Calculate computes the points breakdown for one activity:
//
//	metric_points = Σ metric_total[m] × exercise.multiplier[m]
//	subtotal      = base_points + metric_points
//	bonus_total   = Σ value of every matching bonus rule
//	combined      = clamp(Π value of every matching multiplier rule, 1.0, cap)
//	total_points  = round_half_up(subtotal + bonus_total) × combined
//
// A missing metric multiplier contributes nothing. An unknown or disabled
// exercise fails with *domain.UnknownExerciseError. A rule whose
// condition errors degrades to "not matched" and is logged; the
// calculation always completes.
//
// The returned calculation carries the full per-rule breakdown but no ID
// or timestamp; the caller assigns those, keeping Calculate deterministic
// for identical inputs.
func Calculate(rs *ruleset.Ruleset, activity *domain.ActivityRecord, user UserContext) (*domain.PointsCalculation, error) {
	ex, err := rs.Exercise(activity.ExerciseKey)
	if err != nil {
		return nil, err
	}

	totals := activity.Metrics.MetricTotals()

	// Summing in KnownMetrics order keeps the float accumulation order
	// fixed, so identical inputs yield a bit-identical subtotal.
	metricPoints := make(map[string]float64, len(ex.Multipliers))
	var metricSum float64
	for _, metric := range domain.KnownMetrics {
		mult, ok := ex.Multipliers[metric]
		if !ok {
			continue
		}
		pts := totals[metric] * mult
		metricPoints[metric] = pts
		metricSum += pts
	}

	subtotal := ex.BasePoints + metricSum

	vars := activation(activity, ex, user)

	calc := &domain.PointsCalculation{
		ActivityID:     activity.ID,
		UserID:         activity.UserID,
		ExerciseKey:    activity.ExerciseKey,
		RulesetVersion: rs.Version,
		BasePoints:     ex.BasePoints,
		MetricPoints:   metricPoints,
		Subtotal:       subtotal,
	}

	// Bonuses are additive and commutative; the ruleset orders them by
	// priority ascending then ID, which fixes the breakdown order.
	for _, b := range rs.Bonuses {
		if !matches(b.Program, vars, b.Rule.ID) {
			continue
		}
		calc.Bonuses = append(calc.Bonuses, domain.BonusAward{
			RuleID: b.Rule.ID,
			Value:  b.Rule.Value,
		})
		calc.BonusTotal += b.Rule.Value
	}

	combined := 1.0
	for _, m := range rs.Multipliers {
		if !matches(m.Program, vars, m.Rule.ID) {
			continue
		}
		calc.Multipliers = append(calc.Multipliers, domain.MultiplierApplication{
			RuleID: m.Rule.ID,
			Value:  m.Rule.Value,
		})
		combined *= m.Rule.Value
	}
	calc.CombinedMultiplier = clamp(combined, 1.0, rs.GlobalMultiplierCap)

	calc.TotalPoints = roundHalfUp(subtotal+calc.BonusTotal) * calc.CombinedMultiplier

	return calc, nil
}

// activation builds the condition evaluation context for one activity.
func activation(activity *domain.ActivityRecord, ex *domain.ExerciseDefinition, user UserContext) map[string]any {
	m := activity.Metrics
	return map[string]any{
		condition.FieldReps:             m.TotalReps(),
		condition.FieldSets:             m.Sets,
		condition.FieldWeightKg:         m.MaxWeightKg(),
		condition.FieldDurationS:        m.DurationS,
		condition.FieldDistanceM:        m.DistanceM,
		condition.FieldElevationGainM:   m.ElevationGainM,
		condition.FieldStreakDays:       user.StreakDays,
		condition.FieldIsPersonalRecord: user.IsPersonalRecord,
		condition.FieldWorkoutHour:      activity.StartedAt.UTC().Hour(),
		condition.FieldExerciseCategory: ex.Category,
	}
}

// matches evaluates a compiled condition, degrading inert rules and
// evaluation errors to "not matched".
func matches(prog *condition.Program, vars map[string]any, ruleID string) bool {
	if prog == nil {
		return false
	}
	matched, err := prog.Eval(vars)
	if err != nil {
		slog.Warn("rule condition evaluation failed, treating as not matched",
			"rule_id", ruleID,
			"error", err,
		)
		return false
	}
	return matched
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// roundHalfUp rounds to the nearest integer with .5 rounding up.
func roundHalfUp(v float64) float64 {
	return math.Floor(v + 0.5)
}
