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

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PelionIoT/ref-wem/pkg/logger"
)

// Duration is a time.Duration that unmarshals from either a JSON number
// (nanoseconds) or a Go duration string like "24h".
type Duration time.Duration

var (
	errInvalidDuration  = errors.New("invalid duration")
	errMissingListen    = errors.New("listen_addr is required")
	errMissingPublicURL = errors.New("public_url is required")
	errBadKVBackend     = errors.New("kv backend must be 'memory', 'redis' or 'nats'")
	errBadDBBackend     = errors.New("database backend must be 'memory' or 'postgres'")
)

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))

		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %w", errInvalidDuration, err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// KVConfig selects the shared key-value backend holding sensor values and
// polling flags.
type KVConfig struct {
	Backend  string `json:"backend"` // memory, redis or nats
	Address  string `json:"address,omitempty"`
	Password string `json:"password,omitempty"` // redis only
	DB       int    `json:"db,omitempty"`       // redis only
	Bucket   string `json:"bucket,omitempty"`   // nats only
}

// DatabaseConfig selects the account registry backend.
type DatabaseConfig struct {
	Backend string `json:"backend"` // memory or postgres
	DSN     string `json:"dsn,omitempty"`
}

// RelayConfig is the top-level service configuration.
type RelayConfig struct {
	ListenAddr string `json:"listen_addr"` // e.g. :8080

	// PublicURL is the externally reachable base URL of this relay; the
	// webhook callback registered with the cloud is derived from it.
	PublicURL string `json:"public_url"`

	// AccountsFile optionally seeds the registry at startup.
	AccountsFile string `json:"accounts_file,omitempty"`

	// SensorTTL is how long a sensor value stays in the cache without an
	// update. Zero means the 24h default.
	SensorTTL Duration `json:"sensor_ttl,omitempty"`

	// GoogleAPIKey enables the wifi geolocation lookup when set.
	GoogleAPIKey string `json:"google_api_key,omitempty"`

	Presubscriptions []Presubscription `json:"presubscriptions,omitempty"`

	KV       KVConfig       `json:"kv"`
	Database DatabaseConfig `json:"database"`
	Logging  *logger.Config `json:"logging,omitempty"`
}

// Validate fills defaults and rejects inconsistent settings.
func (c *RelayConfig) Validate() error {
	if c.ListenAddr == "" {
		return errMissingListen
	}

	if c.PublicURL == "" {
		return errMissingPublicURL
	}

	c.PublicURL = strings.TrimRight(c.PublicURL, "/")

	if c.KV.Backend == "" {
		c.KV.Backend = "memory"
	}

	switch c.KV.Backend {
	case "memory", "redis", "nats":
	default:
		return fmt.Errorf("%w: got %q", errBadKVBackend, c.KV.Backend)
	}

	if c.Database.Backend == "" {
		c.Database.Backend = "memory"
	}

	switch c.Database.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("%w: got %q", errBadDBBackend, c.Database.Backend)
	}

	return nil
}

// WebhookURL is the callback URL registered with the cloud.
func (c *RelayConfig) WebhookURL() string {
	return c.PublicURL + "/live-device/webhook"
}
