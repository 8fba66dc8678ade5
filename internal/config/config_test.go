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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
store:
  backend: sqlite
  sqlite_path: /data/flowstate.db
executor:
  kind: taskqueue
  consumers: 8
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/data/flowstate.db", cfg.Store.SQLitePath)
	assert.Equal(t, ExecutorTaskQueue, cfg.Executor.Kind)
	assert.Equal(t, 8, cfg.Executor.Consumers)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	t.Setenv("FLOWSTATE_LISTEN", ":7070")
	t.Setenv("FLOWSTATE_STORE_BACKEND", "memory")

	path := filepath.Join(t.TempDir(), "flowstate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
store:
  backend: sqlite
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Listen)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "postgres" }, wantErr: true},
		{name: "unknown executor", mutate: func(c *Config) { c.Executor.Kind = "grpc" }, wantErr: true},
		{
			name: "webhook requires url",
			mutate: func(c *Config) {
				c.Executor.Kind = ExecutorWebhook
				c.Executor.WebhookURL = ""
			},
			wantErr: true,
		},
		{
			name: "sqlite requires path",
			mutate: func(c *Config) {
				c.Store.Backend = BackendSQLite
				c.Store.SQLitePath = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
