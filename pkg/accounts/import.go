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

package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

// importEntry is one record of an accounts.json file.
type importEntry struct {
	Key   string `json:"key"`
	Email string `json:"email"`
}

// ImportFile loads accounts from an accounts.json file into the registry.
// Entries whose API key is already registered are skipped, so re-importing
// the same file is harmless. Returns how many accounts were created.
func ImportFile(ctx context.Context, registry Registry, path string, log logger.Logger) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var entries []importEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return 0, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	created := 0

	for _, entry := range entries {
		account, err := registry.Create(ctx, models.Account{
			APIKey:      entry.Key,
			DisplayName: entry.Email,
		})
		if errors.Is(err, ErrDuplicateAPIKey) {
			log.Debug().Str("email", entry.Email).Msg("Account already imported")

			continue
		}

		if err != nil {
			return created, fmt.Errorf("failed to import account %s: %w", entry.Email, err)
		}

		log.Info().
			Str("account", account.ID).
			Str("display_name", account.DisplayName).
			Msg("Imported cloud account")

		created++
	}

	return created, nil
}
