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

	"github.com/PelionIoT/ref-wem/pkg/cloud"
	"github.com/PelionIoT/ref-wem/pkg/logger"
)

// Clients hands out one cloud client per account, constructed lazily from
// the account's API key and base URL.
type Clients struct {
	registry Registry
	logger   logger.Logger

	mu    sync.Mutex
	cache map[string]*cloud.Client
}

func NewClients(registry Registry, log logger.Logger) *Clients {
	return &Clients{
		registry: registry,
		logger:   log,
		cache:    make(map[string]*cloud.Client),
	}
}

// ClientFor returns the cloud client for an account, creating it on first
// use.
func (c *Clients) ClientFor(ctx context.Context, accountID string) (*cloud.Client, error) {
	c.mu.Lock()
	client, ok := c.cache[accountID]
	c.mu.Unlock()

	if ok {
		return client, nil
	}

	account, err := c.registry.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	client = cloud.New(account.APIKey, c.logger, cloud.WithBaseURL(account.URL))

	c.mu.Lock()
	c.cache[accountID] = client
	c.mu.Unlock()

	return client, nil
}
