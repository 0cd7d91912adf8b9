// Package config loads service configuration from a JSON file at an
// XDG-compatible path, with REPLYD_* environment variables overriding file
// values.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Model    ModelConfig
	Storage  StorageConfig
	Idle     IdleConfig
	Learning LearningConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

type ModelConfig struct {
	Path        string
	Binary      string
	CtxSize     int
	Threads     int
	Temperature float64
}

type StorageConfig struct {
	DataDir  string
	BudgetMB int
}

type IdleConfig struct {
	MonitorSeconds int
	SoftSeconds    int
	UnloadSeconds  int
}

type LearningConfig struct {
	Enabled       bool
	PeriodSeconds int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8081,
		},
		Model: ModelConfig{
			Binary:      "llama-server",
			CtxSize:     2048,
			Threads:     1,
			Temperature: 0.5,
		},
		Storage: StorageConfig{
			DataDir:  defaultDataDir(),
			BudgetMB: 5120,
		},
		Idle: IdleConfig{
			MonitorSeconds: 15,
			SoftSeconds:    30,
			UnloadSeconds:  60,
		},
		Learning: LearningConfig{
			Enabled:       true,
			PeriodSeconds: 120,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend, then applies
// REPLYD_* environment overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "replyd-data"
		}
	}
	return filepath.Join(dir, "replyd")
}
