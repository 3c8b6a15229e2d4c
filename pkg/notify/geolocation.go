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
	"fmt"

	"github.com/PelionIoT/ref-wem/pkg/geo"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

// Resources a located board's position is written back to.
const (
	latitudeResource  = "/3336/1/5514"
	longitudeResource = "/3336/1/5515"
	accuracyResource  = "/3336/1/5516"
)

var errScanNotText = fmt.Errorf("access-point scan value is not text")

// handleGeolocation re-derives a board's position from its access-point
// scan, writes it back to the device, and records it in the cache. The
// notification batch does not fail on a geolocation error: the lookup runs
// on behalf of the device, not the caller, so failures are logged only.
func (r *Router) handleGeolocation(ctx context.Context, auth models.WebhookAuth, event models.Event) error {
	if err := r.locate(ctx, auth, event); err != nil {
		r.logger.Error().
			Err(err).
			Str("board", event.Update.Board).
			Msg("Geolocation failed")
	}

	return nil
}

func (r *Router) locate(ctx context.Context, auth models.WebhookAuth, event models.Event) error {
	update := event.Update

	scan, ok := update.Value.(string)
	if !ok {
		return errScanNotText
	}

	aps, err := geo.ParseAccessPoints(scan)
	if err != nil {
		return err
	}

	location, err := r.locator.Locate(ctx, aps)
	if err != nil {
		return err
	}

	writer, err := r.writers.WriterFor(ctx, auth.AccountID)
	if err != nil {
		return err
	}

	boardID := update.Board

	// The three writes are sequential and not atomic: if the longitude
	// write fails after latitude succeeded, the device reports a stale
	// position until the next scan. Known limitation.
	writes := []struct {
		path  string
		value float64
	}{
		{latitudeResource, location.Latitude},
		{longitudeResource, location.Longitude},
		{accuracyResource, location.Accuracy},
	}

	for _, w := range writes {
		if err := writer.SetEndpointResource(ctx, boardID, w.path, w.value); err != nil {
			return fmt.Errorf("failed to write %s: %w", w.path, err)
		}
	}

	for _, w := range writes {
		if err := r.store.Set(ctx, auth.AccountID, boardID, w.path, w.value); err != nil {
			return err
		}
	}

	return nil
}
