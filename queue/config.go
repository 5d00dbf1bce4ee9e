// Package queue runs event handlers on a fixed set of workers fed by a
// bounded buffer.
package queue

import (
	"errors"
	"time"
)

const (
	// DefaultPoolSize is the default number of workers.
	DefaultPoolSize = 4
	// DefaultQueueSize is the default number of buffered jobs.
	DefaultQueueSize = 1000
	// DefaultJobTimeout bounds a single job.
	DefaultJobTimeout = 5 * time.Minute
	// DefaultDrainTimeout bounds graceful shutdown.
	DefaultDrainTimeout = 30 * time.Second

	// MaxPoolSize is the largest allowed pool.
	MaxPoolSize = 100
)

// Config holds pool settings.
type Config struct {
	PoolSize     int           `yaml:"pool_size"`
	QueueSize    int           `yaml:"queue_size"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns a Config with the default settings.
func DefaultConfig() Config {
	return Config{
		PoolSize:     DefaultPoolSize,
		QueueSize:    DefaultQueueSize,
		JobTimeout:   DefaultJobTimeout,
		DrainTimeout: DefaultDrainTimeout,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return errors.New("pool size must be at least 1")
	}
	if c.PoolSize > MaxPoolSize {
		return errors.New("pool size cannot exceed 100")
	}
	if c.QueueSize < 1 {
		return errors.New("queue size must be at least 1")
	}
	if c.JobTimeout <= 0 {
		return errors.New("job timeout must be positive")
	}
	if c.DrainTimeout <= 0 {
		return errors.New("drain timeout must be positive")
	}
	return nil
}
