// Package domain defines the core types and interface contracts for Tally.
package domain

import (
	"context"
	"time"
)

// Repository is the audit/persistence gateway. Calculation and unlock
// writes are idempotent upserts: calculations are keyed by activity ID,
// unlock events by their idempotency key.
type Repository interface {
	// Activity records
	SaveActivity(ctx context.Context, activity *ActivityRecord) error
	GetActivity(ctx context.Context, activityID string) (*ActivityRecord, error)
	CountActivitiesSince(ctx context.Context, userID string, since time.Time) (int64, error)

	// Points calculations (append-only, idempotent by activity ID)
	SaveCalculation(ctx context.Context, calc *PointsCalculation) error
	GetCalculation(ctx context.Context, calcID string) (*PointsCalculation, error)
	GetCalculationByActivity(ctx context.Context, activityID string) (*PointsCalculation, error)

	// Achievement unlocks. SaveUnlockEvent reports whether the event was
	// newly recorded; a repeated idempotency key is a no-op returning false.
	SaveUnlockEvent(ctx context.Context, event *AchievementUnlockEvent, idempotencyKey string) (bool, error)
	ListUnlocksByUser(ctx context.Context, userID string) ([]*AchievementUnlockEvent, error)

	// User progress snapshots
	SaveProgress(ctx context.Context, snapshot *UserProgressSnapshot) error
	GetProgress(ctx context.Context, userID string) (*UserProgressSnapshot, error)

	// Ruleset documents (authoritative configuration source)
	SaveRulesetDocument(ctx context.Context, version, format string, document []byte) error
	GetRulesetDocument(ctx context.Context, version string) (document []byte, format string, err error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}
