package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigError reports an invalid ruleset document. It is fatal only to the
// activation of that document; a previously active ruleset stays live.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ruleset config %s: %s", e.Field, e.Reason)
}

// UnknownExerciseError aborts a single calculation when the activity names
// a missing or disabled exercise. Nothing is persisted for the activity.
type UnknownExerciseError struct {
	Key string
}

func (e *UnknownExerciseError) Error() string {
	return fmt.Sprintf("unknown or disabled exercise %q", e.Key)
}

// PersistenceError wraps a failure at the audit/persistence boundary.
// Calculate still returns its computed result; durability is retried
// asynchronously with bounded attempts.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
