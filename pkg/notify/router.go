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

// Package notify normalizes inbound notification batches from either
// transport (webhook push or long-poll pull) into canonical events and
// dispatches them: sensor values into the cache and onto the event bus,
// de-registrations into board removal, and the geolocation scan path into
// a side-effecting lookup.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PelionIoT/ref-wem/pkg/geo"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
	"github.com/PelionIoT/ref-wem/pkg/payload"
)

// ErrUnrecognizedBatchKey reports a batch section this system does not
// handle. It is the caller's input that is wrong, not our state.
var ErrUnrecognizedBatchKey = errors.New("unhandled cloud data type")

// geolocationScanPath is the resource boards publish their access-point
// scans on; it routes to the geolocation handler instead of the default.
const geolocationScanPath = "/26242/0/1"

// notificationHandler processes one decoded notification event.
type notificationHandler func(ctx context.Context, auth models.WebhookAuth, event models.Event) error

// Router is the state-free batch dispatcher.
type Router struct {
	codec    *payload.Codec
	store    SensorStore
	bus      Publisher
	locator  geo.Locator
	writers  WriterFactory
	logger   logger.Logger
	handlers map[string]notificationHandler
}

// NewRouter builds a Router. The path-to-handler table is resolved here,
// once; paths without an entry use the default record-and-publish handler.
// locator and writers may be nil, which disables the geolocation handler.
func NewRouter(codec *payload.Codec, store SensorStore, pub Publisher,
	locator geo.Locator, writers WriterFactory, log logger.Logger) *Router {
	r := &Router{
		codec:   codec,
		store:   store,
		bus:     pub,
		locator: locator,
		writers: writers,
		logger:  log.WithComponent("notify"),
	}

	r.handlers = map[string]notificationHandler{}
	if locator != nil && writers != nil {
		r.handlers[geolocationScanPath] = r.handleGeolocation
	}

	return r
}

// HandleBatch dispatches every section of an inbound batch. A section key
// outside the cloud's known set fails with ErrUnrecognizedBatchKey.
func (r *Router) HandleBatch(ctx context.Context, auth models.WebhookAuth, batch models.Batch) error {
	for key, raw := range batch {
		switch key {
		case "notifications":
			if err := r.handleNotifications(ctx, auth, raw); err != nil {
				return err
			}
		case "registrations", "reg-updates", "async-responses":
			// Carry no state this system tracks.
		case "registrations-expired", "de-registrations":
			if err := r.handleDeregistrations(ctx, raw); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %s", ErrUnrecognizedBatchKey, key)
		}
	}

	return nil
}

func (r *Router) handleNotifications(ctx context.Context, auth models.WebhookAuth, raw json.RawMessage) error {
	var notifications []models.Notification
	if err := json.Unmarshal(raw, &notifications); err != nil {
		return fmt.Errorf("failed to decode notifications section: %w", err)
	}

	for _, n := range notifications {
		value, err := r.codec.Decode(n.Path, n.Payload)
		if err != nil {
			// Malformed payloads are logged and skipped, never fatal.
			r.logger.Warn().
				Err(err).
				Str("board", n.Ep).
				Str("path", n.Path).
				Msg("Failed to decode notification payload")

			continue
		}

		event := models.NewUpdateEvent(n.Ep, n.Path, value)

		handler, ok := r.handlers[n.Path]
		if !ok {
			handler = r.handleUpdate
		}

		if err := handler(ctx, auth, event); err != nil {
			return err
		}
	}

	return nil
}

// handleUpdate is the default handler: cache the value and publish the
// update event.
func (r *Router) handleUpdate(ctx context.Context, auth models.WebhookAuth, event models.Event) error {
	update := event.Update

	if err := r.store.Set(ctx, auth.AccountID, update.Board, update.Sensor, update.Value); err != nil {
		return err
	}

	r.bus.Publish(event)

	return nil
}

func (r *Router) handleDeregistrations(ctx context.Context, raw json.RawMessage) error {
	var boards []string
	if err := json.Unmarshal(raw, &boards); err != nil {
		return fmt.Errorf("failed to decode de-registrations section: %w", err)
	}

	for _, boardID := range boards {
		if err := r.store.RemoveBoard(ctx, boardID); err != nil {
			return err
		}

		r.bus.Publish(models.NewRemoveBoardEvent(boardID))
	}

	return nil
}
