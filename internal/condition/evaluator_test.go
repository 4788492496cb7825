package condition

import (
	"strings"
	"testing"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	return e
}

func TestCompileAndEval(t *testing.T) {
	e := newEvaluator(t)

	tests := []struct {
		expr string
		vars map[string]any
		want bool
	}{
		{"reps >= 10", map[string]any{"reps": int64(12)}, true},
		{"reps >= 10", map[string]any{"reps": int64(9)}, false},
		{"weight_kg >= 100.0 && sets >= 3", map[string]any{"weight_kg": 120.0, "sets": int64(5)}, true},
		{"weight_kg >= 100.0 && sets >= 3", map[string]any{"weight_kg": 120.0, "sets": int64(2)}, false},
		{"exercise_category == 'cardio' || is_personal_record", map[string]any{"exercise_category": "strength", "is_personal_record": true}, true},
		{"workout_hour < 7", map[string]any{"workout_hour": int64(6)}, true},
		{"lifetime_points >= 1000.0", map[string]any{"lifetime_points": 999.5}, false},
	}

	for _, tt := range tests {
		prog, err := e.Compile(tt.expr)
		if err != nil {
			t.Errorf("Compile(%q): %v", tt.expr, err)
			continue
		}
		got, err := prog.Eval(tt.vars)
		if err != nil {
			t.Errorf("Eval(%q): %v", tt.expr, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Eval(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestCompileRejectsUnknownField(t *testing.T) {
	e := newEvaluator(t)

	if _, err := e.Compile("heart_rate > 180"); err == nil {
		t.Error("expected compile error for non-whitelisted field")
	}
}

func TestCompileRejectsSyntaxError(t *testing.T) {
	e := newEvaluator(t)

	if _, err := e.Compile("reps >="); err == nil {
		t.Error("expected compile error for malformed expression")
	}
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	e := newEvaluator(t)

	if _, err := e.Compile("reps + sets"); err == nil {
		t.Error("expected compile error for non-boolean result type")
	}
}

func TestCompileRejectsDeepNesting(t *testing.T) {
	e := newEvaluator(t)

	// Parenthesized nesting beyond the recursion limit.
	expr := strings.Repeat("(", 20) + "reps > 1" + strings.Repeat(")", 20)
	if _, err := e.Compile(expr); err == nil {
		t.Error("expected compile error for overly deep expression")
	}
}

func TestEvalMissingFieldReturnsError(t *testing.T) {
	e := newEvaluator(t)

	prog, err := e.Compile("reps >= 10")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	matched, err := prog.Eval(map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing activation field")
	}
	if matched {
		t.Error("failed evaluation must report not matched")
	}
}

func TestExpr(t *testing.T) {
	e := newEvaluator(t)

	prog, err := e.Compile("sets >= 3")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if prog.Expr() != "sets >= 3" {
		t.Errorf("Expr() = %q", prog.Expr())
	}
}
