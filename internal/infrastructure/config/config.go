// Package config loads the relay configuration from a yaml file, with
// command line flags applied on top by the entrypoint.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"go-webhook-relay/internal/infrastructure/logger"
)

type Config struct {
	Addr             string  `yaml:"addr"`
	HeartbeatSeconds uint    `yaml:"heartbeatSeconds"`
	Logging          Logging `yaml:"logging"`
}

type Logging struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"` // console, json, text
	Output   string `yaml:"output"` // stdout, stderr, file
	FilePath string `yaml:"filePath"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Addr:             ":8080",
		HeartbeatSeconds: 30,
		Logging: Logging{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads filename over the defaults. Fields absent from the file keep
// their default values.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// HeartbeatInterval returns the heartbeat cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// LoggerConfig maps the logging section onto the logger facade config.
func (c *Config) LoggerConfig() *logger.Config {
	lc := logger.NewDefaultConfig()
	lc.Level = logger.ParseLevel(c.Logging.Level)
	if c.Logging.Format != "" {
		lc.Format = c.Logging.Format
	}
	if c.Logging.Output != "" {
		lc.Output = c.Logging.Output
	}
	lc.FilePath = c.Logging.FilePath
	return lc
}
