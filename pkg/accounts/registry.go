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

// Package accounts holds the cloud accounts this relay polls for and the
// webhook credentials the cloud uses to call back in.
package accounts

import (
	"context"
	"errors"

	"github.com/PelionIoT/ref-wem/pkg/models"
)

var (
	ErrNotFound        = errors.New("account not found")
	ErrDuplicateAPIKey = errors.New("account with this API key already exists")
	ErrMissingAPIKey   = errors.New("account API key is required")
)

// Registry stores accounts and their webhook credentials. Creating an
// account always issues its WebhookAuth; the token never changes afterward.
type Registry interface {
	// Create stores the account, filling in defaults (ID, display name,
	// URL) and generating its webhook auth. Returns the stored account.
	Create(ctx context.Context, account models.Account) (models.Account, error)

	// GetByID looks an account up by its ID.
	GetByID(ctx context.Context, id string) (models.Account, error)

	// GetByWebhookToken resolves an inbound webhook credential to the
	// account it belongs to.
	GetByWebhookToken(ctx context.Context, token string) (models.Account, models.WebhookAuth, error)

	// WebhookAuth returns the credential issued for an account.
	WebhookAuth(ctx context.Context, accountID string) (models.WebhookAuth, error)

	// List returns all accounts.
	List(ctx context.Context) ([]models.Account, error)
}
