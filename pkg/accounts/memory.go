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
	"sync"

	"github.com/google/uuid"

	"github.com/PelionIoT/ref-wem/pkg/models"
)

// MemoryRegistry is the in-process Registry used in tests and single-node
// setups without Postgres.
type MemoryRegistry struct {
	mu       sync.RWMutex
	byID     map[string]models.Account
	byAPIKey map[string]string             // api key -> account id
	auths    map[string]models.WebhookAuth // account id -> auth
	byToken  map[string]string             // webhook token -> account id
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byID:     make(map[string]models.Account),
		byAPIKey: make(map[string]string),
		auths:    make(map[string]models.WebhookAuth),
		byToken:  make(map[string]string),
	}
}

func (m *MemoryRegistry) Create(_ context.Context, account models.Account) (models.Account, error) {
	if account.APIKey == "" {
		return models.Account{}, ErrMissingAPIKey
	}

	account = withDefaults(account)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byAPIKey[account.APIKey]; exists {
		return models.Account{}, ErrDuplicateAPIKey
	}

	auth := models.WebhookAuth{
		Token:     uuid.NewString(),
		AccountID: account.ID,
	}

	m.byID[account.ID] = account
	m.byAPIKey[account.APIKey] = account.ID
	m.auths[account.ID] = auth
	m.byToken[auth.Token] = account.ID

	return account, nil
}

func (m *MemoryRegistry) GetByID(_ context.Context, id string) (models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.byID[id]
	if !ok {
		return models.Account{}, ErrNotFound
	}

	return account, nil
}

func (m *MemoryRegistry) GetByWebhookToken(_ context.Context, token string) (models.Account, models.WebhookAuth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return models.Account{}, models.WebhookAuth{}, ErrNotFound
	}

	return m.byID[id], m.auths[id], nil
}

func (m *MemoryRegistry) WebhookAuth(_ context.Context, accountID string) (models.WebhookAuth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	auth, ok := m.auths[accountID]
	if !ok {
		return models.WebhookAuth{}, ErrNotFound
	}

	return auth, nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]models.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accounts := make([]models.Account, 0, len(m.byID))
	for _, account := range m.byID {
		accounts = append(accounts, account)
	}

	return accounts, nil
}

func withDefaults(account models.Account) models.Account {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}

	if account.DisplayName == "" {
		account.DisplayName = account.APIKey
	}

	if account.URL == "" {
		account.URL = models.DefaultCloudURL
	}

	return account
}
