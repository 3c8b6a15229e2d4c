/*
 * Copyright (c) 2018 ARM Limited
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"listen_addr": ":8080",
		"public_url": "https://relay.example.com/",
		"sensor_ttl": "24h",
		"kv": {"backend": "redis", "address": "localhost:6379"}
	}`)

	var cfg models.RelayConfig

	loader := NewConfig(logger.NewTestLogger())
	require.NoError(t, loader.LoadAndValidate(context.Background(), path, &cfg))

	assert.Equal(t, ":8080", cfg.ListenAddr)
	// The trailing slash is stripped during validation.
	assert.Equal(t, "https://relay.example.com", cfg.PublicURL)
	assert.Equal(t, "https://relay.example.com/live-device/webhook", cfg.WebhookURL())
	assert.Equal(t, 24*time.Hour, time.Duration(cfg.SensorTTL))
	assert.Equal(t, "redis", cfg.KV.Backend)
	// Unset backends default to memory.
	assert.Equal(t, "memory", cfg.Database.Backend)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	loader := NewConfig(logger.NewTestLogger())

	var cfg models.RelayConfig

	path := writeConfigFile(t, `{"public_url": "https://relay.example.com"}`)
	assert.Error(t, loader.LoadAndValidate(context.Background(), path, &cfg))

	path = writeConfigFile(t, `{"listen_addr": ":8080", "public_url": "x", "kv": {"backend": "etcd"}}`)
	assert.Error(t, loader.LoadAndValidate(context.Background(), path, &cfg))

	path = writeConfigFile(t, `{"listen_addr": `)
	assert.Error(t, loader.LoadAndValidate(context.Background(), path, &cfg))
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("REFWEM_CONFIG_JSON", `{"listen_addr": ":9090", "public_url": "https://relay.example.com"}`)

	var cfg models.RelayConfig

	loader := NewConfig(logger.NewTestLogger())
	require.NoError(t, loader.LoadAndValidate(context.Background(), "ignored.json", &cfg))
	assert.Equal(t, ":9090", cfg.ListenAddr)
}

func TestUnknownConfigSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "consul")

	loader := NewConfig(logger.NewTestLogger())

	var cfg models.RelayConfig

	err := loader.LoadAndValidate(context.Background(), "ignored.json", &cfg)
	assert.ErrorIs(t, err, errInvalidConfigSource)
}
