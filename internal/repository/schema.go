package repository

// Schema definitions for the Tally database.
// Compatible with both SQLite and PostgreSQL.

const schemaActivities = `
CREATE TABLE IF NOT EXISTS activities (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    exercise_key TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    metrics TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_activities_user ON activities(user_id);
CREATE INDEX IF NOT EXISTS idx_activities_user_created ON activities(user_id, created_at);
`

const schemaCalculations = `
CREATE TABLE IF NOT EXISTS points_calculations (
    id TEXT NOT NULL,
    activity_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    exercise_key TEXT NOT NULL,
    ruleset_version TEXT NOT NULL,
    base_points REAL NOT NULL,
    metric_points TEXT,
    subtotal REAL NOT NULL,
    bonuses TEXT,
    bonus_total REAL NOT NULL,
    multipliers TEXT,
    combined_multiplier REAL NOT NULL,
    total_points REAL NOT NULL,
    fraud_flags TEXT,
    requires_review INTEGER NOT NULL DEFAULT 0,
    computed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (activity_id)
);

CREATE INDEX IF NOT EXISTS idx_calculations_id ON points_calculations(id);
CREATE INDEX IF NOT EXISTS idx_calculations_user ON points_calculations(user_id);
CREATE INDEX IF NOT EXISTS idx_calculations_review ON points_calculations(requires_review);
`

const schemaUnlocks = `
CREATE TABLE IF NOT EXISTS achievement_unlocks (
    idempotency_key TEXT PRIMARY KEY,
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    achievement_id TEXT NOT NULL,
    snapshot_version INTEGER NOT NULL,
    trigger_activity_id TEXT NOT NULL,
    points_awarded REAL NOT NULL,
    repeatable INTEGER NOT NULL DEFAULT 0,
    unlocked_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_unlocks_user ON achievement_unlocks(user_id);
CREATE INDEX IF NOT EXISTS idx_unlocks_achievement ON achievement_unlocks(achievement_id);
`

const schemaProgress = `
CREATE TABLE IF NOT EXISTS progress_snapshots (
    user_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL,
    streak_days INTEGER NOT NULL DEFAULT 0,
    last_activity_day TEXT,
    lifetime_points REAL NOT NULL DEFAULT 0,
    lifetime_activity_count INTEGER NOT NULL DEFAULT 0,
    unlocked TEXT,
    personal_records TEXT,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaRulesetDocuments = `
CREATE TABLE IF NOT EXISTS ruleset_documents (
    version TEXT PRIMARY KEY,
    format TEXT NOT NULL,
    document BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaActivities,
		schemaCalculations,
		schemaUnlocks,
		schemaProgress,
		schemaRulesetDocuments,
	}
}
