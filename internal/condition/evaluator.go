// Package condition provides the CEL-Go based condition evaluator.
//
// Conditions are declarative boolean expressions over a fixed whitelist of
// fields. They are parsed and type-checked once into a program; evaluation
// interprets the typed expression tree against an activation map with no
// dynamic code execution and no I/O.
package condition

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// MaxExpressionDepth bounds condition nesting to keep evaluation time
// predictable for any configured expression.
const MaxExpressionDepth = 10

// Whitelisted condition fields. A condition referencing anything outside
// this set fails compilation; the configuration store degrades such a rule
// to never-matching with a logged warning.
const (
	FieldReps                  = "reps"
	FieldSets                  = "sets"
	FieldWeightKg              = "weight_kg"
	FieldDurationS             = "duration_s"
	FieldDistanceM             = "distance_m"
	FieldElevationGainM        = "elevation_gain_m"
	FieldStreakDays            = "streak_days"
	FieldIsPersonalRecord      = "is_personal_record"
	FieldWorkoutHour           = "workout_hour"
	FieldExerciseCategory      = "exercise_category"
	FieldLifetimePoints        = "lifetime_points"
	FieldLifetimeActivityCount = "lifetime_activity_count"
	FieldTotalPoints           = "total_points"
	FieldBasePoints            = "base_points"
	FieldBonusTotal            = "bonus_total"
)

// Evaluator compiles declarative conditions against the field whitelist.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a condition evaluator. The environment declares
// exactly the whitelisted fields; nothing else resolves.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(FieldReps, cel.IntType),
		cel.Variable(FieldSets, cel.IntType),
		cel.Variable(FieldWeightKg, cel.DoubleType),
		cel.Variable(FieldDurationS, cel.DoubleType),
		cel.Variable(FieldDistanceM, cel.DoubleType),
		cel.Variable(FieldElevationGainM, cel.DoubleType),
		cel.Variable(FieldStreakDays, cel.IntType),
		cel.Variable(FieldIsPersonalRecord, cel.BoolType),
		cel.Variable(FieldWorkoutHour, cel.IntType),
		cel.Variable(FieldExerciseCategory, cel.StringType),
		cel.Variable(FieldLifetimePoints, cel.DoubleType),
		cel.Variable(FieldLifetimeActivityCount, cel.IntType),
		cel.Variable(FieldTotalPoints, cel.DoubleType),
		cel.Variable(FieldBasePoints, cel.DoubleType),
		cel.Variable(FieldBonusTotal, cel.DoubleType),
		cel.ParserRecursionLimit(MaxExpressionDepth),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Program is a compiled condition ready for repeated evaluation.
type Program struct {
	expr string
	prog cel.Program
}

// Compile parses and type-checks a condition expression. It fails on
// syntax errors, references to non-whitelisted fields, expressions deeper
// than MaxExpressionDepth, and non-boolean result types.
func (e *Evaluator) Compile(expr string) (*Program, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("condition %q: expression must return bool, got %s", expr, ast.OutputType())
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for condition %q: %w", expr, err)
	}

	return &Program{expr: expr, prog: prog}, nil
}

// Expr returns the source expression.
func (p *Program) Expr() string {
	return p.expr
}

// Eval interprets the condition against an activation map. A runtime
// error (such as a field absent from the activation) is returned so the
// caller can degrade the rule to "not matched".
func (p *Program) Eval(vars map[string]any) (bool, error) {
	out, _, err := p.prog.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", p.expr, err)
	}

	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition %q: non-boolean result %v", p.expr, out.Value())
	}

	return matched, nil
}
