package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "REPLYD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "model.path", typ: kString, env: "REPLYD_MODEL_PATH",
		apply:   func(cfg *Config, v any) { cfg.Model.Path = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Path },
	},
	{
		key: "model.binary", typ: kString, env: "REPLYD_MODEL_BINARY",
		apply:   func(cfg *Config, v any) { cfg.Model.Binary = v.(string) },
		extract: func(cfg Config) any { return cfg.Model.Binary },
	},
	{
		key: "model.ctx_size", typ: kInt, env: "REPLYD_MODEL_CTX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Model.CtxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Model.CtxSize },
	},
	{
		key: "model.threads", typ: kInt, env: "REPLYD_MODEL_THREADS",
		apply:   func(cfg *Config, v any) { cfg.Model.Threads = v.(int) },
		extract: func(cfg Config) any { return cfg.Model.Threads },
	},
	{
		key: "model.temperature", typ: kFloat, env: "REPLYD_MODEL_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Model.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Model.Temperature },
	},
	{
		key: "storage.data_dir", typ: kString, env: "REPLYD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.budget_mb", typ: kInt, env: "REPLYD_STORAGE_BUDGET_MB",
		apply:   func(cfg *Config, v any) { cfg.Storage.BudgetMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.BudgetMB },
	},
	{
		key: "idle.monitor_seconds", typ: kInt, env: "REPLYD_IDLE_MONITOR_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Idle.MonitorSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Idle.MonitorSeconds },
	},
	{
		key: "idle.soft_seconds", typ: kInt, env: "REPLYD_IDLE_SOFT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Idle.SoftSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Idle.SoftSeconds },
	},
	{
		key: "idle.unload_seconds", typ: kInt, env: "REPLYD_IDLE_UNLOAD_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Idle.UnloadSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Idle.UnloadSeconds },
	},
	{
		key: "learning.enabled", typ: kBool, env: "REPLYD_LEARNING_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Learning.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Learning.Enabled },
	},
	{
		key: "learning.period_seconds", typ: kInt, env: "REPLYD_LEARNING_PERIOD_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Learning.PeriodSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Learning.PeriodSeconds },
	},
	{
		key: "log.level", typ: kString, env: "REPLYD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
