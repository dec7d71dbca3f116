package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	// RabbitMQURL is optional; without it deliveries go through an in-process queue.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	WorkerConcurrency    int    `env:"WORKER_CONCURRENCY,default=16"`
	QueueDepth           int    `env:"QUEUE_DEPTH,default=1024"`
	RateLimitPerSec      int    `env:"RATE_LIMIT_PER_SEC,default=10"`
	DeliveryTimeoutMs    int    `env:"DELIVERY_TIMEOUT_MS,default=10000"`
	RetryScanIntervalSec int    `env:"RETRY_SCAN_INTERVAL_SEC,default=30"`
	RetryStaleAfterSec   int    `env:"RETRY_STALE_AFTER_SEC,default=60"`
	LogRetentionDays     int    `env:"LOG_RETENTION_DAYS,default=30"`
	LogPruneSchedule     string `env:"LOG_PRUNE_SCHEDULE,default=@every 1h"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be >= 1")
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("QUEUE_DEPTH must be >= 1")
	}
	if c.DeliveryTimeoutMs < 1 {
		return fmt.Errorf("DELIVERY_TIMEOUT_MS must be >= 1")
	}
	if c.RetryScanIntervalSec < 1 {
		return fmt.Errorf("RETRY_SCAN_INTERVAL_SEC must be >= 1")
	}
	if c.RetryStaleAfterSec < 1 {
		return fmt.Errorf("RETRY_STALE_AFTER_SEC must be >= 1")
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

func (c *Config) DeliveryTimeout() time.Duration {
	return time.Duration(c.DeliveryTimeoutMs) * time.Millisecond
}

func (c *Config) RetryScanInterval() time.Duration {
	return time.Duration(c.RetryScanIntervalSec) * time.Second
}

func (c *Config) RetryStaleAfter() time.Duration {
	return time.Duration(c.RetryStaleAfterSec) * time.Second
}

// LogRetention returns zero when pruning is disabled.
func (c *Config) LogRetention() time.Duration {
	if c.LogRetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}
