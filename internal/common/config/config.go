// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Push        PushConfig        `mapstructure:"push"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Broadcast   BroadcastConfig   `mapstructure:"broadcast"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	Presence    PresenceConfig    `mapstructure:"presence"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address      string `mapstructure:"address"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // milliseconds
	WriteTimeout int    `mapstructure:"write_timeout"` // milliseconds
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	// ConnMaxLifetime and ConnMaxIdleTime are in milliseconds.
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time"`
	SSLMode         string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// StorageConfig selects the storage collaborator: "postgres" or "memory".
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// --- Dispatch Configuration ---

// IdempotencyConfig holds settings for the duplicate-submission guard.
type IdempotencyConfig struct {
	Backend string `mapstructure:"backend"` // redis | memory
	TTL     int    `mapstructure:"ttl"`     // milliseconds
}

// PushConfig holds settings for the push-provider client.
type PushConfig struct {
	Provider       string  `mapstructure:"provider"` // fcm | sns
	BatchSize      int     `mapstructure:"batch_size"`
	RequestTimeout int     `mapstructure:"request_timeout"` // milliseconds
	RateLimit      float64 `mapstructure:"rate_limit"`      // sends per second, 0 disables

	FCM struct {
		CredentialsFile string `mapstructure:"credentials_file"`
		ProjectID       string `mapstructure:"project_id"`
		Endpoint        string `mapstructure:"endpoint"`
	} `mapstructure:"fcm"`

	Credentials struct {
		RefreshMargin  int `mapstructure:"refresh_margin"`  // milliseconds
		TokenLifetime  int `mapstructure:"token_lifetime"`  // milliseconds
		RefreshTimeout int `mapstructure:"refresh_timeout"` // milliseconds
	} `mapstructure:"credentials"`

	SNS struct {
		Region                 string `mapstructure:"region"`
		PlatformApplicationARN string `mapstructure:"platform_application_arn"`
	} `mapstructure:"sns"`
}

// LaneConfig bounds one priority lane.
type LaneConfig struct {
	Workers  int `mapstructure:"workers"`
	Capacity int `mapstructure:"capacity"`
}

// DispatchConfig holds retry policy and per-lane pool sizes.
type DispatchConfig struct {
	MaxRetries          int `mapstructure:"max_retries"`
	BackoffBase         int `mapstructure:"backoff_base"`       // milliseconds
	BackoffCap          int `mapstructure:"backoff_cap"`        // milliseconds
	RateLimitBackoff    int `mapstructure:"rate_limit_backoff"` // milliseconds
	RateLimitMaxRetries int `mapstructure:"rate_limit_max_retries"`
	BatchThreshold      int `mapstructure:"batch_threshold"`
	ShutdownGrace       int `mapstructure:"shutdown_grace"`   // milliseconds
	StatusRetention     int `mapstructure:"status_retention"` // milliseconds

	Lanes struct {
		Urgent    LaneConfig `mapstructure:"urgent"`
		Batch     LaneConfig `mapstructure:"batch"`
		Single    LaneConfig `mapstructure:"single"`
		Broadcast LaneConfig `mapstructure:"broadcast"`
	} `mapstructure:"lanes"`
}

// BroadcastConfig holds chunking settings for large recipient sets.
type BroadcastConfig struct {
	ChunkSize int `mapstructure:"chunk_size"`
	Stagger   int `mapstructure:"stagger"` // milliseconds
}

// SessionsConfig holds device session registration rules.
type SessionsConfig struct {
	MaxPerUser     int `mapstructure:"max_per_user"`
	StaleAfterDays int `mapstructure:"stale_after_days"`
}

// PresenceConfig holds settings for the real-time socket channel.
type PresenceConfig struct {
	Shards       int `mapstructure:"shards"`
	WriteTimeout int `mapstructure:"write_timeout"` // milliseconds
	PingInterval int `mapstructure:"ping_interval"` // milliseconds
	UnreadLimit  int `mapstructure:"unread_limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
