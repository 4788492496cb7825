package domain

import "time"

// Config holds the complete Tally configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`

	// Ruleset document source
	Ruleset RulesetSourceConfig `mapstructure:"ruleset"`

	// Fraud detector thresholds
	Fraud FraudConfig `mapstructure:"fraud"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds

	// AllowedOrigins restricts browser clients; empty admits any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RulesetSourceConfig points at the declarative ruleset document.
type RulesetSourceConfig struct {
	// Path is the ruleset document file (JSON or YAML by extension).
	Path string `mapstructure:"path"`

	// Watch enables hot reload on file change. A document that fails
	// validation keeps the previously active ruleset live.
	Watch bool `mapstructure:"watch"`

	// CacheTTL is how long activated documents stay in the hot cache.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`
}

// FraudConfig holds the named plausibility thresholds. Zero values fall
// back to the detector defaults.
type FraudConfig struct {
	MaxWeightPerRepKg   float64 `mapstructure:"max_weight_per_rep_kg"`
	MinPaceSecPerKm     float64 `mapstructure:"min_pace_sec_per_km"`
	MaxRepsPerSecond    float64 `mapstructure:"max_reps_per_second"`
	MaxClimbMetersPerHr float64 `mapstructure:"max_climb_meters_per_hr"`
	BurstWindowSeconds  int     `mapstructure:"burst_window_seconds"`
	BurstMaxActivities  int64   `mapstructure:"burst_max_activities"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
}

// DefaultConfig returns the default single-node configuration:
// SQLite repository, in-memory cache, channel event bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./tally.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Ruleset: RulesetSourceConfig{
			Path:            "./rules.yaml",
			Watch:           true,
			CacheTTLSeconds: 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "tally",
		},
	}
}

// DistributedConfig returns a configuration for multi-node deployments:
// PostgreSQL repository, two-phase Redis cache, NATS event bus.
func DistributedConfig() *Config {
	cfg := DefaultConfig()
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "tally",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
