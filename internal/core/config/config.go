package config

import (
	"time"

	"github.com/bioflow/collector/internal/admission"
	"github.com/bioflow/collector/internal/infra/kafka"
	redisclient "github.com/bioflow/collector/internal/infra/redis"
	"github.com/bioflow/collector/internal/infra/storage/postgres"
	"github.com/bioflow/collector/internal/sourceconn"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig       `yaml:"server"`
	Logging   LoggingConfig      `yaml:"logging"`
	Database  postgres.Config    `yaml:"database"`
	Redis     redisclient.Config `yaml:"redis"`
	Kafka     kafka.Config       `yaml:"kafka"`
	Source    sourceconn.Config  `yaml:"source"`
	Admission admission.Config   `yaml:"admission"`
	Retry     RetryConfig        `yaml:"retry"`
	Intake    IntakeConfig       `yaml:"intake"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetryConfig tunes the retry orchestrator.
type RetryConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	MaxAttempts int `yaml:"max_attempts"`
}

// IntakeConfig tunes the message intake guard. Retries counts
// re-invocations after the original attempt.
type IntakeConfig struct {
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}
