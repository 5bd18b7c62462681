package worker

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/railhook/internal/config"
)

// Config controls the queue consumer loop.
type Config struct {
	Enabled           bool
	WorkerID          string
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		PollInterval:      5 * time.Second,
		BatchSize:         25,
		VisibilityTimeout: 5 * time.Minute,
		HandlerTimeout:    30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		Enabled:           cfg.Worker.Enabled,
		WorkerID:          cfg.Worker.ID,
		PollInterval:      cfg.Worker.PollInterval,
		BatchSize:         cfg.Worker.BatchSize,
		VisibilityTimeout: cfg.Worker.VisibilityTimeout,
		HandlerTimeout:    cfg.Worker.HandlerTimeout,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = defaults.HandlerTimeout
	}
	if strings.TrimSpace(c.WorkerID) == "" {
		c.WorkerID = defaultWorkerID()
	}
	return c
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
