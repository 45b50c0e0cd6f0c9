package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Retry.Workers == 0 {
		cfg.Retry.Workers = 4
	}
	if cfg.Retry.QueueSize == 0 {
		cfg.Retry.QueueSize = 64
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Intake.Retries == 0 {
		cfg.Intake.Retries = 3
	}
	if cfg.Intake.RetryDelay == 0 {
		cfg.Intake.RetryDelay = time.Minute
	}

	if len(cfg.Kafka.Brokers) > 0 {
		if err := cfg.Kafka.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Source.Host != "" {
		if err := cfg.Source.Validate(); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}
