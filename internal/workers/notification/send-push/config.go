// internal/workers/notification/send-push/config.go
package sendpush

import (
	"time"

	"notification-dispatcher/internal/common/config"
)

type Config struct {
	// Timeout bounds one job attempt, provider calls included.
	Timeout      time.Duration
	DeepLinkType string
}

func LoadConfig(cfg *config.Config) *Config {
	timeout := 2 * time.Minute
	if cfg != nil && cfg.Push.RequestTimeout > 0 && cfg.Push.BatchSize > 0 {
		// Sequential sends: one request timeout per message of a full batch, capped.
		perBatch := config.GetDuration(cfg.Push.RequestTimeout) * time.Duration(cfg.Push.BatchSize)
		if perBatch < timeout {
			timeout = perBatch
		}
	}
	return &Config{
		Timeout:      timeout,
		DeepLinkType: "notification",
	}
}
