package domain

// RulesetDocument is the declarative, versioned configuration record set.
// It deserializes from JSON or YAML into the typed definitions below; the
// configuration store validates and compiles it into an immutable Ruleset.
type RulesetDocument struct {
	Version             string                  `json:"version" yaml:"version"`
	GlobalMultiplierCap float64                 `json:"global_multiplier_cap" yaml:"global_multiplier_cap"`
	Exercises           []ExerciseDefinition    `json:"exercises" yaml:"exercises"`
	BonusRules          []BonusRule             `json:"bonus_rules" yaml:"bonus_rules"`
	MultiplierRules     []MultiplierRule        `json:"multiplier_rules" yaml:"multiplier_rules"`
	Achievements        []AchievementDefinition `json:"achievements" yaml:"achievements"`
}

// DefaultGlobalMultiplierCap applies when a document omits the cap.
const DefaultGlobalMultiplierCap = 1.25

// ExerciseDefinition describes one scorable exercise.
// Immutable once part of an activated ruleset.
type ExerciseDefinition struct {
	Key        string `json:"key" yaml:"key"`
	Name       string `json:"name" yaml:"name"`
	NamePlural string `json:"name_plural,omitempty" yaml:"name_plural,omitempty"`
	Category   string `json:"category" yaml:"category"`

	BasePoints float64 `json:"base_points" yaml:"base_points"`

	// Multipliers maps metric names (reps, sets, weight, duration,
	// distance, elevation) to per-unit point multipliers. A missing
	// metric contributes nothing.
	Multipliers map[string]float64 `json:"multipliers,omitempty" yaml:"multipliers,omitempty"`

	Enabled bool `json:"enabled" yaml:"enabled"`
}

// BonusRule adds a flat point bonus when its condition matches.
// All matching bonuses are unconditionally additive.
type BonusRule struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Condition string  `json:"condition" yaml:"condition"`
	Value     float64 `json:"value" yaml:"value"`
	Priority  int     `json:"priority" yaml:"priority"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
}

// MultiplierRule scales the rounded subtotal when its condition matches.
// Matching multipliers compose multiplicatively and the product is clamped
// to [1.0, GlobalMultiplierCap].
type MultiplierRule struct {
	ID        string  `json:"id" yaml:"id"`
	Name      string  `json:"name" yaml:"name"`
	Condition string  `json:"condition" yaml:"condition"`
	Value     float64 `json:"value" yaml:"value"`
	Priority  int     `json:"priority" yaml:"priority"`
	Enabled   bool    `json:"enabled" yaml:"enabled"`
}

// Achievement trigger classes.
const (
	// TriggerThreshold evaluates against cumulative progress counters.
	TriggerThreshold = "threshold"

	// TriggerInstant evaluates against the single triggering calculation.
	TriggerInstant = "instant"
)

// AchievementDefinition describes an unlockable achievement.
type AchievementDefinition struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`

	// Condition is evaluated against the user's progress snapshot merged
	// with the triggering calculation's fields.
	Condition string `json:"condition" yaml:"condition"`

	// Trigger is "threshold" or "instant"; declarative metadata only,
	// both classes share the same evaluator.
	Trigger string `json:"trigger" yaml:"trigger"`

	PointsReward float64 `json:"points_reward" yaml:"points_reward"`
	Repeatable   bool    `json:"repeatable" yaml:"repeatable"`
	Enabled      bool    `json:"enabled" yaml:"enabled"`
}
