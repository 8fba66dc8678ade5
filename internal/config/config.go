// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the flowstated daemon's configuration from a YAML
// file with environment-variable overrides, the way the teacher layers
// CONDUCTOR_* environment variables over settings.yaml.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreBackend selects the persistence backend.
type StoreBackend string

const (
	BackendSQLite StoreBackend = "sqlite"
	BackendMemory StoreBackend = "memory"
)

// ExecutorKind selects the call-dispatch strategy.
type ExecutorKind string

const (
	ExecutorLocal     ExecutorKind = "local"
	ExecutorTaskQueue ExecutorKind = "taskqueue"
	ExecutorWebhook   ExecutorKind = "webhook"
)

// Config is the complete flowstated daemon configuration.
type Config struct {
	// Listen is the HTTP address the daemon binds, e.g. ":8080".
	Listen string `yaml:"listen"`

	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Executor ExecutorConfig `yaml:"executor"`
	Worker   WorkerConfig   `yaml:"worker"`
}

// LogConfig holds the log level and format loaded from the file and the
// environment overrides. The daemon does not read it: its loggers are
// built from the process environment by log.FromEnv.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`
	// SQLitePath is the database file path; used only when Backend==sqlite.
	SQLitePath string `yaml:"sqlite_path"`
	// WAL enables SQLite's write-ahead log journal mode.
	WAL bool `yaml:"wal"`
}

// ExecutorConfig selects and configures the call-dispatch strategy.
type ExecutorConfig struct {
	Kind ExecutorKind `yaml:"kind"`
	// WebhookURL is the dispatch target; used only when Kind==webhook.
	WebhookURL string `yaml:"webhook_url"`
	// Consumers is the taskqueue consumer pool size; used only when
	// Kind==taskqueue.
	Consumers int `yaml:"consumers"`
}

// WorkerConfig controls the worker loop's cadence.
type WorkerConfig struct {
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxAdvancesPerTick int           `yaml:"max_advances_per_tick"`
}

// Default returns a Config with sensible defaults: in-memory store,
// local executor, one-second poll interval.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			SQLitePath: "flowstate.db",
		},
		Executor: ExecutorConfig{
			Kind:      ExecutorLocal,
			Consumers: 4,
		},
		Worker: WorkerConfig{
			PollInterval:       time.Second,
			MaxAdvancesPerTick: 10,
		},
	}
}

// Load reads a YAML config file at path (if non-empty and present),
// applies defaults for anything unset, then applies FLOWSTATE_* environment
// overrides. A missing path is not an error; Load falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides layers FLOWSTATE_* environment variables over cfg,
// mirroring the teacher's CONDUCTOR_* override convention.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWSTATE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLOWSTATE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLOWSTATE_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FLOWSTATE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = StoreBackend(v)
	}
	if v := os.Getenv("FLOWSTATE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("FLOWSTATE_STORE_WAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Store.WAL = b
		}
	}
	if v := os.Getenv("FLOWSTATE_EXECUTOR"); v != "" {
		cfg.Executor.Kind = ExecutorKind(v)
	}
	if v := os.Getenv("FLOWSTATE_WEBHOOK_URL"); v != "" {
		cfg.Executor.WebhookURL = v
	}
	if v := os.Getenv("FLOWSTATE_EXECUTOR_CONSUMERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.Consumers = n
		}
	}
	if v := os.Getenv("FLOWSTATE_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.PollInterval = d
		}
	}
}

// Validate checks cfg for internally inconsistent settings.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	switch c.Executor.Kind {
	case ExecutorLocal, ExecutorTaskQueue, ExecutorWebhook:
	default:
		return fmt.Errorf("config: unknown executor kind %q", c.Executor.Kind)
	}

	if c.Executor.Kind == ExecutorWebhook && c.Executor.WebhookURL == "" {
		return fmt.Errorf("config: executor.webhook_url is required when executor.kind=webhook")
	}
	if c.Store.Backend == BackendSQLite && c.Store.SQLitePath == "" {
		return fmt.Errorf("config: store.sqlite_path is required when store.backend=sqlite")
	}

	return nil
}
