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

// Package geo resolves a board's position from its WiFi access-point scan.
package geo

import (
	"context"
	"encoding/json"
	"fmt"

	"googlemaps.github.io/maps"
)

// AccessPoint is one scanned WiFi AP as the device reports it: a MAC in
// 802.11 "xx:xx:xx:xx:xx:xx" form plus optional signal data.
type AccessPoint struct {
	MACAddress         string  `json:"macAddress"`
	SignalStrength     float64 `json:"signalStrength,omitempty"`
	Channel            int     `json:"channel,omitempty"`
	SignalToNoiseRatio float64 `json:"signalToNoiseRatio,omitempty"`
}

// Location is a resolved position with its accuracy radius in meters.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
}

// Locator turns an access-point scan into a position. Treated as an opaque
// external call.
type Locator interface {
	Locate(ctx context.Context, aps []AccessPoint) (*Location, error)
}

// ParseAccessPoints decodes the JSON scan string a board publishes on its
// scan resource.
func ParseAccessPoints(value string) ([]AccessPoint, error) {
	var aps []AccessPoint
	if err := json.Unmarshal([]byte(value), &aps); err != nil {
		return nil, fmt.Errorf("failed to parse access-point scan: %w", err)
	}

	return aps, nil
}

// GoogleLocator implements Locator with the Google Maps geolocation API.
type GoogleLocator struct {
	client *maps.Client
}

func NewGoogleLocator(apiKey string) (*GoogleLocator, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}

	return &GoogleLocator{client: client}, nil
}

func (g *GoogleLocator) Locate(ctx context.Context, aps []AccessPoint) (*Location, error) {
	req := &maps.GeolocationRequest{
		WiFiAccessPoints: make([]maps.WiFiAccessPoint, 0, len(aps)),
	}

	for _, ap := range aps {
		req.WiFiAccessPoints = append(req.WiFiAccessPoints, maps.WiFiAccessPoint{
			MACAddress:         ap.MACAddress,
			SignalStrength:     ap.SignalStrength,
			Channel:            ap.Channel,
			SignalToNoiseRatio: ap.SignalToNoiseRatio,
		})
	}

	result, err := g.client.Geolocate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("geolocation lookup failed: %w", err)
	}

	return &Location{
		Latitude:  result.Location.Lat,
		Longitude: result.Location.Lng,
		Accuracy:  result.Accuracy,
	}, nil
}
