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

package relayhttp

import (
	"context"

	"github.com/PelionIoT/ref-wem/pkg/bus"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

// AccountAdmin is the registry surface the admin routes need.
type AccountAdmin interface {
	Create(ctx context.Context, account models.Account) (models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
}

// TokenSource resolves inbound webhook credentials.
type TokenSource interface {
	GetByWebhookToken(ctx context.Context, token string) (models.Account, models.WebhookAuth, error)
}

// BatchHandler dispatches one inbound notification batch.
type BatchHandler interface {
	HandleBatch(ctx context.Context, auth models.WebhookAuth, batch models.Batch) error
}

// BoardCache serves the current sensor snapshot grouped by board.
type BoardCache interface {
	BoardData(ctx context.Context) (map[string]map[string]interface{}, error)
}

// EventSource feeds websocket clients: a snapshot on subscribe, then live
// updates.
type EventSource interface {
	Subscribe(ctx context.Context) (*bus.Subscription, error)
	Unsubscribe(sub *bus.Subscription)
}

// PollControl switches an account between webhook and long-poll delivery
// and reports the current polling claim.
type PollControl interface {
	SetWebhookCallback(ctx context.Context, accountID string) error
	StartLongPolling(ctx context.Context, accountID string) error
	StopLongPolling(ctx context.Context, accountID string) error
	IsLongPolling(ctx context.Context, accountID string) (bool, error)
}
