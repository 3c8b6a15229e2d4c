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
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/PelionIoT/ref-wem/pkg/logger"
)

var errConfigJSONNotSet = errors.New("environment config requested but CONFIG_JSON is not set")

// EnvConfigLoader loads the whole configuration from a single
// <prefix>CONFIG_JSON environment variable, for container deployments
// without a mounted config file.
type EnvConfigLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvConfigLoader creates an environment variable config loader.
func NewEnvConfigLoader(log logger.Logger, prefix string) *EnvConfigLoader {
	return &EnvConfigLoader{
		logger: log,
		prefix: prefix,
	}
}

// Load implements Loader. The path argument is ignored.
func (e *EnvConfigLoader) Load(_ context.Context, _ string, dst interface{}) error {
	raw := os.Getenv(e.prefix + "CONFIG_JSON")
	if raw == "" {
		return fmt.Errorf("%w (looked for %sCONFIG_JSON)", errConfigJSONNotSet, e.prefix)
	}

	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to unmarshal %sCONFIG_JSON: %w", e.prefix, err)
	}

	if e.logger != nil {
		e.logger.Info().Msg("Loaded configuration from environment")
	}

	return nil
}
