// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fitstack/tally/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveActivity stores an activity record. A retried write for the same
// activity ID is a no-op.
func (r *SQLRepository) SaveActivity(ctx context.Context, activity *domain.ActivityRecord) error {
	if activity.ID == "" {
		return fmt.Errorf("%w: activity ID is required", domain.ErrInvalidInput)
	}

	metrics, _ := json.Marshal(activity.Metrics)

	query := `
		INSERT INTO activities (
			id, user_id, exercise_key, started_at, ended_at, metrics, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		activity.ID, activity.UserID, activity.ExerciseKey,
		activity.StartedAt, activity.EndedAt,
		string(metrics), activity.CreatedAt,
	)
	return err
}

// GetActivity retrieves an activity by ID.
func (r *SQLRepository) GetActivity(ctx context.Context, activityID string) (*domain.ActivityRecord, error) {
	query := `
		SELECT id, user_id, exercise_key, started_at, ended_at, metrics, created_at
		FROM activities
		WHERE id = ?
	`

	var activity domain.ActivityRecord
	var metrics string

	err := r.db.QueryRowContext(ctx, r.rebind(query), activityID).Scan(
		&activity.ID, &activity.UserID, &activity.ExerciseKey,
		&activity.StartedAt, &activity.EndedAt,
		&metrics, &activity.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if metrics != "" {
		json.Unmarshal([]byte(metrics), &activity.Metrics)
	}

	return &activity, nil
}

// CountActivitiesSince counts a user's activities created after a cutoff.
func (r *SQLRepository) CountActivitiesSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM activities
		WHERE user_id = ? AND created_at >= ?
	`

	var n int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(&n)
	return n, err
}

// SaveCalculation stores a points calculation keyed by activity ID.
// Calculations are append-only: a second write for the same activity is
// a no-op, so a persistence retry can never alter an audit record.
func (r *SQLRepository) SaveCalculation(ctx context.Context, calc *domain.PointsCalculation) error {
	if calc.ActivityID == "" {
		return fmt.Errorf("%w: activity ID is required", domain.ErrInvalidInput)
	}

	metricPoints, _ := json.Marshal(calc.MetricPoints)
	bonuses, _ := json.Marshal(calc.Bonuses)
	multipliers, _ := json.Marshal(calc.Multipliers)
	fraudFlags, _ := json.Marshal(calc.FraudFlags)

	requiresReview := 0
	if calc.RequiresReview {
		requiresReview = 1
	}

	query := `
		INSERT INTO points_calculations (
			id, activity_id, user_id, exercise_key, ruleset_version,
			base_points, metric_points, subtotal,
			bonuses, bonus_total, multipliers, combined_multiplier,
			total_points, fraud_flags, requires_review, computed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(activity_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		calc.ID, calc.ActivityID, calc.UserID, calc.ExerciseKey, calc.RulesetVersion,
		calc.BasePoints, string(metricPoints), calc.Subtotal,
		string(bonuses), calc.BonusTotal, string(multipliers), calc.CombinedMultiplier,
		calc.TotalPoints, string(fraudFlags), requiresReview, calc.ComputedAt,
	)
	return err
}

// GetCalculation retrieves a calculation by its own ID.
func (r *SQLRepository) GetCalculation(ctx context.Context, calcID string) (*domain.PointsCalculation, error) {
	query := selectCalculation + ` WHERE id = ?`
	return r.scanCalculation(r.db.QueryRowContext(ctx, r.rebind(query), calcID))
}

// GetCalculationByActivity retrieves the calculation for an activity.
func (r *SQLRepository) GetCalculationByActivity(ctx context.Context, activityID string) (*domain.PointsCalculation, error) {
	query := selectCalculation + ` WHERE activity_id = ?`
	return r.scanCalculation(r.db.QueryRowContext(ctx, r.rebind(query), activityID))
}

const selectCalculation = `
	SELECT id, activity_id, user_id, exercise_key, ruleset_version,
		   base_points, metric_points, subtotal,
		   bonuses, bonus_total, multipliers, combined_multiplier,
		   total_points, fraud_flags, requires_review, computed_at
	FROM points_calculations
`

func (r *SQLRepository) scanCalculation(row *sql.Row) (*domain.PointsCalculation, error) {
	var calc domain.PointsCalculation
	var metricPoints, bonuses, multipliers, fraudFlags string
	var requiresReview int

	err := row.Scan(
		&calc.ID, &calc.ActivityID, &calc.UserID, &calc.ExerciseKey, &calc.RulesetVersion,
		&calc.BasePoints, &metricPoints, &calc.Subtotal,
		&bonuses, &calc.BonusTotal, &multipliers, &calc.CombinedMultiplier,
		&calc.TotalPoints, &fraudFlags, &requiresReview, &calc.ComputedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	calc.RequiresReview = requiresReview == 1
	json.Unmarshal([]byte(metricPoints), &calc.MetricPoints)
	json.Unmarshal([]byte(bonuses), &calc.Bonuses)
	json.Unmarshal([]byte(multipliers), &calc.Multipliers)
	json.Unmarshal([]byte(fraudFlags), &calc.FraudFlags)

	return &calc, nil
}

// SaveUnlockEvent stores an achievement unlock under its idempotency
// key. It reports whether the event was newly recorded; a repeated key
// is a no-op returning false, which is what makes retried persistence
// and re-triggered achievements exactly-once.
func (r *SQLRepository) SaveUnlockEvent(ctx context.Context, event *domain.AchievementUnlockEvent, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, fmt.Errorf("%w: idempotency key is required", domain.ErrInvalidInput)
	}

	repeatable := 0
	if event.Repeatable {
		repeatable = 1
	}

	query := `
		INSERT INTO achievement_unlocks (
			idempotency_key, id, user_id, achievement_id,
			snapshot_version, trigger_activity_id, points_awarded, repeatable, unlocked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		idempotencyKey, event.ID, event.UserID, event.AchievementID,
		event.SnapshotVersion, event.TriggerActivityID, event.PointsAwarded,
		repeatable, event.UnlockedAt,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListUnlocksByUser retrieves a user's unlock history, newest first.
func (r *SQLRepository) ListUnlocksByUser(ctx context.Context, userID string) ([]*domain.AchievementUnlockEvent, error) {
	query := `
		SELECT id, user_id, achievement_id, snapshot_version,
			   trigger_activity_id, points_awarded, repeatable, unlocked_at
		FROM achievement_unlocks
		WHERE user_id = ?
		ORDER BY unlocked_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AchievementUnlockEvent
	for rows.Next() {
		var e domain.AchievementUnlockEvent
		var repeatable int

		if err := rows.Scan(
			&e.ID, &e.UserID, &e.AchievementID, &e.SnapshotVersion,
			&e.TriggerActivityID, &e.PointsAwarded, &repeatable, &e.UnlockedAt,
		); err != nil {
			return nil, err
		}

		e.Repeatable = repeatable == 1
		events = append(events, &e)
	}

	return events, rows.Err()
}

// SaveProgress upserts a user's progress snapshot.
func (r *SQLRepository) SaveProgress(ctx context.Context, snapshot *domain.UserProgressSnapshot) error {
	if snapshot.UserID == "" {
		return fmt.Errorf("%w: user ID is required", domain.ErrInvalidInput)
	}

	unlocked, _ := json.Marshal(snapshot.Unlocked)
	records, _ := json.Marshal(snapshot.PersonalRecords)

	query := `
		INSERT INTO progress_snapshots (
			user_id, version, streak_days, last_activity_day,
			lifetime_points, lifetime_activity_count,
			unlocked, personal_records, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			version = excluded.version,
			streak_days = excluded.streak_days,
			last_activity_day = excluded.last_activity_day,
			lifetime_points = excluded.lifetime_points,
			lifetime_activity_count = excluded.lifetime_activity_count,
			unlocked = excluded.unlocked,
			personal_records = excluded.personal_records,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		snapshot.UserID, snapshot.Version, snapshot.StreakDays, snapshot.LastActivityDay,
		snapshot.LifetimePoints, snapshot.LifetimeActivityCount,
		string(unlocked), string(records), snapshot.UpdatedAt,
	)
	return err
}

// GetProgress retrieves a user's progress snapshot.
func (r *SQLRepository) GetProgress(ctx context.Context, userID string) (*domain.UserProgressSnapshot, error) {
	query := `
		SELECT user_id, version, streak_days, last_activity_day,
			   lifetime_points, lifetime_activity_count,
			   unlocked, personal_records, updated_at
		FROM progress_snapshots
		WHERE user_id = ?
	`

	var snap domain.UserProgressSnapshot
	var unlocked, records string

	err := r.db.QueryRowContext(ctx, r.rebind(query), userID).Scan(
		&snap.UserID, &snap.Version, &snap.StreakDays, &snap.LastActivityDay,
		&snap.LifetimePoints, &snap.LifetimeActivityCount,
		&unlocked, &records, &snap.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	snap.Unlocked = make(map[string]int)
	snap.PersonalRecords = make(map[string]float64)
	json.Unmarshal([]byte(unlocked), &snap.Unlocked)
	json.Unmarshal([]byte(records), &snap.PersonalRecords)

	return &snap, nil
}

// SaveRulesetDocument stores a ruleset document under its version.
// Re-importing the same version replaces the stored document.
func (r *SQLRepository) SaveRulesetDocument(ctx context.Context, version, format string, document []byte) error {
	if version == "" {
		return fmt.Errorf("%w: version is required", domain.ErrInvalidInput)
	}

	query := `
		INSERT INTO ruleset_documents (version, format, document, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(version) DO UPDATE SET
			format = excluded.format,
			document = excluded.document
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		version, format, document, time.Now().UTC(),
	)
	return err
}

// GetRulesetDocument retrieves a stored ruleset document by version.
func (r *SQLRepository) GetRulesetDocument(ctx context.Context, version string) ([]byte, string, error) {
	query := `
		SELECT document, format
		FROM ruleset_documents
		WHERE version = ?
	`

	var document []byte
	var format string

	err := r.db.QueryRowContext(ctx, r.rebind(query), version).Scan(&document, &format)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", domain.ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}

	return document, format, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
