// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"

	IdempotencyBackendRedis  = "redis"
	IdempotencyBackendMemory = "memory"

	PushProviderFCM = "fcm"
	PushProviderSNS = "sns"
)

// Load reads configs/config.yaml, merges config.<APP_ENVIRONMENT>.yaml on top
// and lets environment variables override any key (push.batch_size -> PUSH_BATCH_SIZE).
func Load() (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // environment overlay is optional

	return build(v)
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return build(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)
	return v
}

// bindEnvKeys registers every known key so AutomaticEnv can override values
// that are absent from the YAML files.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"app.environment",
		"server.address",
		"logging.level", "logging.format", "logging.output",
		"database.postgres.host", "database.postgres.port", "database.postgres.database",
		"database.postgres.user", "database.postgres.password", "database.postgres.sslmode",
		"database.redis.address", "database.redis.password", "database.redis.db",
		"storage.backend",
		"idempotency.backend", "idempotency.ttl",
		"push.provider", "push.batch_size", "push.rate_limit",
		"push.fcm.credentials_file", "push.fcm.project_id", "push.fcm.endpoint",
		"push.sns.region", "push.sns.platform_application_arn",
		"dispatch.max_retries", "dispatch.backoff_base", "dispatch.backoff_cap",
		"broadcast.chunk_size", "broadcast.stagger",
		"sessions.max_per_user",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func build(v *viper.Viper) (*Config, error) {
	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// loadEnvFile loads .env from the first location that has one.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
		"../../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		strVal, ok := v.Get(key).(string)
		if !ok {
			continue
		}
		if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
			expanded := os.ExpandEnv(strVal)
			if expanded != strVal && expanded != "" {
				v.Set(key, expanded)
			}
		}
	}
}

// overrideEmptyConfig fills secrets that deployments pass under their conventional names.
func overrideEmptyConfig(cfg *Config) {
	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
	if cfg.Push.FCM.CredentialsFile == "" {
		if val := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); val != "" {
			cfg.Push.FCM.CredentialsFile = val
		}
	}
	if cfg.Push.SNS.Region == "" {
		if val := os.Getenv("AWS_REGION"); val != "" {
			cfg.Push.SNS.Region = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "notification-dispatcher"
	}
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15000
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15000
	}

	// Database defaults
	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}
	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.ConnMaxLifetime == 0 {
		cfg.Database.Postgres.ConnMaxLifetime = 300000
	}
	if cfg.Database.Postgres.ConnMaxIdleTime == 0 {
		cfg.Database.Postgres.ConnMaxIdleTime = 60000
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Redis.PoolSize == 0 {
		cfg.Database.Redis.PoolSize = 10
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = StorageBackendPostgres
	}

	if cfg.Idempotency.Backend == "" {
		cfg.Idempotency.Backend = IdempotencyBackendRedis
	}
	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = 10000
	}

	// Push defaults
	if cfg.Push.Provider == "" {
		cfg.Push.Provider = PushProviderFCM
	}
	if cfg.Push.BatchSize == 0 {
		cfg.Push.BatchSize = 500
	}
	if cfg.Push.RequestTimeout == 0 {
		cfg.Push.RequestTimeout = 5000
	}
	if cfg.Push.FCM.Endpoint == "" {
		cfg.Push.FCM.Endpoint = "https://fcm.googleapis.com"
	}
	if cfg.Push.Credentials.RefreshMargin == 0 {
		cfg.Push.Credentials.RefreshMargin = 300000
	}
	if cfg.Push.Credentials.TokenLifetime == 0 {
		cfg.Push.Credentials.TokenLifetime = 3300000
	}
	if cfg.Push.Credentials.RefreshTimeout == 0 {
		cfg.Push.Credentials.RefreshTimeout = 30000
	}

	// Dispatch defaults
	if cfg.Dispatch.MaxRetries == 0 {
		cfg.Dispatch.MaxRetries = 3
	}
	if cfg.Dispatch.BackoffBase == 0 {
		cfg.Dispatch.BackoffBase = 60000
	}
	if cfg.Dispatch.BackoffCap == 0 {
		cfg.Dispatch.BackoffCap = 3600000
	}
	if cfg.Dispatch.RateLimitBackoff == 0 {
		cfg.Dispatch.RateLimitBackoff = 300000
	}
	if cfg.Dispatch.RateLimitMaxRetries == 0 {
		cfg.Dispatch.RateLimitMaxRetries = 5
	}
	if cfg.Dispatch.BatchThreshold == 0 {
		cfg.Dispatch.BatchThreshold = 500
	}
	if cfg.Dispatch.ShutdownGrace == 0 {
		cfg.Dispatch.ShutdownGrace = 30000
	}
	if cfg.Dispatch.StatusRetention == 0 {
		cfg.Dispatch.StatusRetention = 3600000
	}
	applyLaneDefaults(&cfg.Dispatch.Lanes.Urgent, 2, 1000)
	applyLaneDefaults(&cfg.Dispatch.Lanes.Batch, 4, 1000)
	applyLaneDefaults(&cfg.Dispatch.Lanes.Single, 4, 5000)
	applyLaneDefaults(&cfg.Dispatch.Lanes.Broadcast, 8, 10000)

	if cfg.Broadcast.ChunkSize == 0 {
		cfg.Broadcast.ChunkSize = 100
	}
	if cfg.Broadcast.Stagger == 0 {
		cfg.Broadcast.Stagger = 10000
	}

	if cfg.Sessions.MaxPerUser == 0 {
		cfg.Sessions.MaxPerUser = 2
	}
	if cfg.Sessions.StaleAfterDays == 0 {
		cfg.Sessions.StaleAfterDays = 30
	}

	if cfg.Presence.Shards == 0 {
		cfg.Presence.Shards = 32
	}
	if cfg.Presence.WriteTimeout == 0 {
		cfg.Presence.WriteTimeout = 5000
	}
	if cfg.Presence.PingInterval == 0 {
		cfg.Presence.PingInterval = 30000
	}
	if cfg.Presence.UnreadLimit == 0 {
		cfg.Presence.UnreadLimit = 50
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

func applyLaneDefaults(lane *LaneConfig, workers, capacity int) {
	if lane.Workers == 0 {
		lane.Workers = workers
	}
	if lane.Capacity == 0 {
		lane.Capacity = capacity
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	switch cfg.Storage.Backend {
	case StorageBackendPostgres:
		if cfg.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
		if cfg.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
		if cfg.Database.Postgres.User == "" {
			return fmt.Errorf("database.postgres.user is required")
		}
	case StorageBackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not supported", cfg.Storage.Backend)
	}

	switch cfg.Idempotency.Backend {
	case IdempotencyBackendRedis:
		if cfg.Database.Redis.Address == "" {
			return fmt.Errorf("database.redis.address is required")
		}
	case IdempotencyBackendMemory:
	default:
		return fmt.Errorf("idempotency.backend %q is not supported", cfg.Idempotency.Backend)
	}

	switch cfg.Push.Provider {
	case PushProviderFCM:
		if cfg.Push.FCM.CredentialsFile == "" {
			return fmt.Errorf("push.fcm.credentials_file is required")
		}
	case PushProviderSNS:
		if cfg.Push.SNS.Region == "" {
			return fmt.Errorf("push.sns.region is required")
		}
		if cfg.Push.SNS.PlatformApplicationARN == "" {
			return fmt.Errorf("push.sns.platform_application_arn is required")
		}
	default:
		return fmt.Errorf("push.provider %q is not supported", cfg.Push.Provider)
	}

	if cfg.Push.BatchSize > 500 {
		return fmt.Errorf("push.batch_size must not exceed 500")
	}
	if cfg.Push.Credentials.RefreshMargin >= cfg.Push.Credentials.TokenLifetime {
		return fmt.Errorf("push.credentials.refresh_margin must be shorter than token_lifetime")
	}
	if cfg.Dispatch.BackoffBase > cfg.Dispatch.BackoffCap {
		return fmt.Errorf("dispatch.backoff_base must not exceed dispatch.backoff_cap")
	}
	if cfg.Sessions.MaxPerUser < 1 {
		return fmt.Errorf("sessions.max_per_user must be at least 1")
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
