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

package notify

import (
	"context"

	"github.com/PelionIoT/ref-wem/pkg/models"
)

// SensorStore is the slice of the sensor cache the router needs.
type SensorStore interface {
	Set(ctx context.Context, accountID, boardID, path string, value interface{}) error
	RemoveBoard(ctx context.Context, boardID string) error
}

// Publisher fans canonical events out to live subscribers.
type Publisher interface {
	Publish(event models.Event)
}

// ResourceWriter writes values back to a device resource.
type ResourceWriter interface {
	SetEndpointResource(ctx context.Context, boardID, resourcePath string, payload interface{}) error
}

// WriterFactory resolves the cloud client for the account a notification
// arrived under.
type WriterFactory interface {
	WriterFor(ctx context.Context, accountID string) (ResourceWriter, error)
}
