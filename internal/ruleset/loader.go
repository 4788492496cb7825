package ruleset

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/fitstack/tally/internal/condition"
	"github.com/fitstack/tally/internal/domain"
)

// Document formats accepted by the loader.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Loader decodes and validates ruleset documents, compiling every rule
// condition once at load time.
type Loader struct {
	evaluator *condition.Evaluator
}

// NewLoader creates a loader using the given condition evaluator.
func NewLoader(evaluator *condition.Evaluator) *Loader {
	return &Loader{evaluator: evaluator}
}

// Load decodes a ruleset document and compiles it into an immutable
// Ruleset. It returns a *domain.ConfigError on duplicate keys, missing
// required fields, or unknown metric names in multiplier maps.
//
// A rule condition that fails to compile (unknown field, syntax error,
// excessive depth) does not fail the load: the rule degrades to inert
// with a logged configuration warning, so request processing can never
// throw on it.
func (l *Loader) Load(document []byte, format string) (*Ruleset, error) {
	var doc domain.RulesetDocument

	switch format {
	case FormatJSON:
		if err := json.Unmarshal(document, &doc); err != nil {
			return nil, &domain.ConfigError{Field: "document", Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
	case FormatYAML:
		if err := yaml.Unmarshal(document, &doc); err != nil {
			return nil, &domain.ConfigError{Field: "document", Reason: fmt.Sprintf("invalid YAML: %v", err)}
		}
	default:
		return nil, &domain.ConfigError{Field: "format", Reason: fmt.Sprintf("unsupported format %q", format)}
	}

	return l.Compile(&doc)
}

// Compile validates a decoded document and compiles its conditions.
func (l *Loader) Compile(doc *domain.RulesetDocument) (*Ruleset, error) {
	if doc.Version == "" {
		return nil, &domain.ConfigError{Field: "version", Reason: "required"}
	}

	capVal := doc.GlobalMultiplierCap
	if capVal == 0 {
		capVal = domain.DefaultGlobalMultiplierCap
	}
	if capVal < 1.0 {
		return nil, &domain.ConfigError{Field: "global_multiplier_cap", Reason: "must be >= 1.0"}
	}

	rs := &Ruleset{
		Version:             doc.Version,
		GlobalMultiplierCap: capVal,
		exercises:           make(map[string]*domain.ExerciseDefinition, len(doc.Exercises)),
	}

	for i := range doc.Exercises {
		ex := doc.Exercises[i]
		if ex.Key == "" {
			return nil, &domain.ConfigError{Field: "exercises", Reason: "exercise key is required"}
		}
		if ex.Name == "" {
			return nil, &domain.ConfigError{Field: "exercises." + ex.Key, Reason: "name is required"}
		}
		if ex.BasePoints < 0 {
			return nil, &domain.ConfigError{Field: "exercises." + ex.Key, Reason: "base_points must be >= 0"}
		}
		if _, dup := rs.exercises[ex.Key]; dup {
			return nil, &domain.ConfigError{Field: "exercises." + ex.Key, Reason: "duplicate exercise key"}
		}
		for metric := range ex.Multipliers {
			if !knownMetric(metric) {
				return nil, &domain.ConfigError{
					Field:  "exercises." + ex.Key + ".multipliers." + metric,
					Reason: "unknown metric",
				}
			}
		}
		rs.exercises[ex.Key] = &ex
	}

	seenRules := make(map[string]bool)

	for _, rule := range doc.BonusRules {
		if rule.ID == "" {
			return nil, &domain.ConfigError{Field: "bonus_rules", Reason: "rule id is required"}
		}
		if seenRules[rule.ID] {
			return nil, &domain.ConfigError{Field: "bonus_rules." + rule.ID, Reason: "duplicate rule id"}
		}
		seenRules[rule.ID] = true
		if !rule.Enabled {
			continue
		}
		rs.Bonuses = append(rs.Bonuses, CompiledBonus{
			Rule:    rule,
			Program: l.compileCondition("bonus_rules."+rule.ID, rule.Condition),
		})
	}

	for _, rule := range doc.MultiplierRules {
		if rule.ID == "" {
			return nil, &domain.ConfigError{Field: "multiplier_rules", Reason: "rule id is required"}
		}
		if seenRules[rule.ID] {
			return nil, &domain.ConfigError{Field: "multiplier_rules." + rule.ID, Reason: "duplicate rule id"}
		}
		seenRules[rule.ID] = true
		if rule.Value <= 0 {
			return nil, &domain.ConfigError{Field: "multiplier_rules." + rule.ID, Reason: "value must be > 0"}
		}
		if !rule.Enabled {
			continue
		}
		rs.Multipliers = append(rs.Multipliers, CompiledMultiplier{
			Rule:    rule,
			Program: l.compileCondition("multiplier_rules."+rule.ID, rule.Condition),
		})
	}

	seenAchievements := make(map[string]bool)
	for _, def := range doc.Achievements {
		if def.ID == "" {
			return nil, &domain.ConfigError{Field: "achievements", Reason: "achievement id is required"}
		}
		if seenAchievements[def.ID] {
			return nil, &domain.ConfigError{Field: "achievements." + def.ID, Reason: "duplicate achievement id"}
		}
		seenAchievements[def.ID] = true
		if def.Trigger != domain.TriggerThreshold && def.Trigger != domain.TriggerInstant {
			return nil, &domain.ConfigError{
				Field:  "achievements." + def.ID + ".trigger",
				Reason: fmt.Sprintf("must be %q or %q", domain.TriggerThreshold, domain.TriggerInstant),
			}
		}
		if !def.Enabled {
			continue
		}
		rs.Achievements = append(rs.Achievements, CompiledAchievement{
			Definition: def,
			Program:    l.compileCondition("achievements."+def.ID, def.Condition),
		})
	}

	// Deterministic evaluation order: priority ascending, then rule ID.
	sort.Slice(rs.Bonuses, func(i, j int) bool {
		a, b := rs.Bonuses[i].Rule, rs.Bonuses[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
	sort.Slice(rs.Multipliers, func(i, j int) bool {
		a, b := rs.Multipliers[i].Rule, rs.Multipliers[j].Rule
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	return rs, nil
}

// compileCondition compiles a rule condition, degrading failures to an
// inert (never matching) rule with a configuration warning.
func (l *Loader) compileCondition(field, expr string) *condition.Program {
	if expr == "" {
		slog.Warn("rule has no condition, treating as never matching", "rule", field)
		return nil
	}
	prog, err := l.evaluator.Compile(expr)
	if err != nil {
		slog.Warn("rule condition failed to compile, treating as never matching",
			"rule", field,
			"error", err,
		)
		return nil
	}
	return prog
}

// LoadFile reads and loads a ruleset document from disk, detecting the
// format from the file extension.
func (l *Loader) LoadFile(path string) (*Ruleset, []byte, string, error) {
	document, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to read ruleset file: %w", err)
	}

	format := DetectFormat(path)
	rs, err := l.Load(document, format)
	if err != nil {
		return nil, nil, "", err
	}

	return rs, document, format, nil
}

// DetectFormat maps a file extension to a document format, defaulting
// to YAML.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

func knownMetric(name string) bool {
	for _, m := range domain.KnownMetrics {
		if m == name {
			return true
		}
	}
	return false
}
