// Package config loads the probeviz server configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	HTTPPort  string `yaml:"http_port"`
	GRPCPort  string `yaml:"grpc_port"`
	StaticDir string `yaml:"static_dir"`
}

// StorageConfig locates graph documents.
type StorageConfig struct {
	GraphDir string `yaml:"graph_dir"`
}

// ViewerConfig holds what is shown before the first user action.
type ViewerConfig struct {
	InitialGraph    string `yaml:"initial_graph"`
	InitialDatetime string `yaml:"initial_datetime"`
}

// MetricsConfig controls the interaction metrics aggregator. Flushed
// points are always logged; with Elasticsearch addresses the per-kind
// summaries are indexed there too.
type MetricsConfig struct {
	FlushInterval string   `yaml:"flush_interval"`
	Elasticsearch []string `yaml:"elasticsearch"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is the top-level configuration of probeviz-server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Viewer  ViewerConfig  `yaml:"viewer"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: "8080",
			GRPCPort: "9090",
		},
		Storage: StorageConfig{GraphDir: "graphs"},
		Metrics: MetricsConfig{FlushInterval: "30s"},
		Log:     LogConfig{Level: "info"},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns
// the defaults.
func LoadConfig(filePath string) (*Config, error) {
	cfg := Default()
	if filePath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv() {
	c.Server.HTTPPort = getEnvOrDefault("HTTP_PORT", c.Server.HTTPPort)
	c.Server.GRPCPort = getEnvOrDefault("GRPC_PORT", c.Server.GRPCPort)
	c.Server.StaticDir = getEnvOrDefault("STATIC_DIR", c.Server.StaticDir)
	c.Storage.GraphDir = getEnvOrDefault("GRAPH_DIR", c.Storage.GraphDir)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	if addrs := os.Getenv("ES_ADDRESSES"); addrs != "" {
		c.Metrics.Elasticsearch = nil
		for _, a := range strings.Split(addrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				c.Metrics.Elasticsearch = append(c.Metrics.Elasticsearch, a)
			}
		}
	}
}

// Validate checks values that are parsed lazily.
func (c *Config) Validate() error {
	if c.Storage.GraphDir == "" {
		return fmt.Errorf("storage.graph_dir must be set")
	}
	if _, err := c.FlushInterval(); err != nil {
		return err
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// FlushInterval returns the metrics flush period.
func (c *Config) FlushInterval() (time.Duration, error) {
	if c.Metrics.FlushInterval == "" {
		return 30 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Metrics.FlushInterval)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid metrics.flush_interval %q", c.Metrics.FlushInterval)
	}
	return d, nil
}

// LogLevel returns the configured zap level.
func (c *Config) LogLevel() (zapcore.Level, error) {
	if c.Log.Level == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return 0, fmt.Errorf("invalid log.level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger.
func (c *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// getEnvOrDefault returns the value of an environment variable, or
// the provided default if the variable is not set or empty.
func getEnvOrDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}
