// Package ruleset implements the configuration store: loading and
// validating declarative rule documents into immutable, versioned
// rulesets, and serving the active ruleset behind an atomic swap.
package ruleset

import (
	"sort"

	"github.com/fitstack/tally/internal/condition"
	"github.com/fitstack/tally/internal/domain"
)

// CompiledBonus pairs a bonus rule with its compiled condition.
// A nil Program marks an inert rule that never matches (its condition
// failed to compile against the field whitelist).
type CompiledBonus struct {
	Rule    domain.BonusRule
	Program *condition.Program
}

// CompiledMultiplier pairs a multiplier rule with its compiled condition.
type CompiledMultiplier struct {
	Rule    domain.MultiplierRule
	Program *condition.Program
}

// CompiledAchievement pairs an achievement definition with its compiled
// unlock condition.
type CompiledAchievement struct {
	Definition domain.AchievementDefinition
	Program    *condition.Program
}

// Ruleset is the complete, versioned configuration active at a point in
// time. It is immutable after loading; activation swaps a pointer, never
// mutates in place, so an in-flight calculation keeps the snapshot it
// captured.
type Ruleset struct {
	Version             string
	GlobalMultiplierCap float64

	exercises map[string]*domain.ExerciseDefinition

	// Bonuses and Multipliers are ordered by priority ascending, then
	// rule ID, which fixes the deterministic evaluation order.
	Bonuses      []CompiledBonus
	Multipliers  []CompiledMultiplier
	Achievements []CompiledAchievement
}

// Exercise returns the definition for a key, or UnknownExerciseError if
// the exercise is missing or disabled.
func (rs *Ruleset) Exercise(key string) (*domain.ExerciseDefinition, error) {
	ex, ok := rs.exercises[key]
	if !ok || !ex.Enabled {
		return nil, &domain.UnknownExerciseError{Key: key}
	}
	return ex, nil
}

// Exercises returns the enabled exercise definitions sorted by key.
func (rs *Ruleset) Exercises() []domain.ExerciseDefinition {
	out := make([]domain.ExerciseDefinition, 0, len(rs.exercises))
	for _, ex := range rs.exercises {
		if ex.Enabled {
			out = append(out, *ex)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// AchievementDefinitions returns the enabled achievement definitions
// sorted by ID.
func (rs *Ruleset) AchievementDefinitions() []domain.AchievementDefinition {
	out := make([]domain.AchievementDefinition, 0, len(rs.Achievements))
	for _, a := range rs.Achievements {
		out = append(out, a.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
