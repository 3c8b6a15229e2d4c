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

// Package bus fans canonical events out to connected live clients. Delivery
// is best-effort and in-memory: subscribers connected at publish time get
// the event, nobody gets a replay.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

// subscriberBuffer is the slack each subscriber gets beyond its initial
// snapshot before publishes start dropping.
const subscriberBuffer = 64

// Snapshotter supplies the initial state a new subscriber receives before
// live events. SensorStore implements it.
type Snapshotter interface {
	AllData(ctx context.Context) ([]models.SensorData, error)
}

// Subscription is one live client's handle on the bus.
type Subscription struct {
	ch chan models.Event
}

// Events returns the subscriber's receive channel. It is closed on
// Unsubscribe.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Bus is the in-memory publish/subscribe fan-out.
type Bus struct {
	snapshot Snapshotter
	logger   logger.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// New creates a Bus. snapshot may be nil, in which case subscribers start
// from live events only.
func New(snapshot Snapshotter, log logger.Logger) *Bus {
	return &Bus{
		snapshot: snapshot,
		logger:   log.WithComponent("bus"),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a new subscriber. Its channel first carries a full
// snapshot of the sensor cache as update events, then subsequent publishes.
func (b *Bus) Subscribe(ctx context.Context) (*Subscription, error) {
	var snapshot []models.SensorData

	if b.snapshot != nil {
		var err error

		snapshot, err = b.snapshot.AllData(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot sensor data: %w", err)
		}
	}

	sub := &Subscription{
		ch: make(chan models.Event, len(snapshot)+subscriberBuffer),
	}

	for _, data := range snapshot {
		sub.ch <- models.NewUpdateEvent(data.Board, data.Sensor, data.Value)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()

	b.logger.Debug().Int("subscribers", count).Msg("Subscriber added")

	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel. Unsubscribing
// twice is not an error.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if ok {
		close(sub.ch)
	}

	b.logger.Debug().Int("subscribers", count).Msg("Subscriber removed")
}

// Publish fans the event out to all current subscribers. A subscriber that
// cannot keep up has the event dropped rather than blocking the publisher.
func (b *Bus) Publish(event models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn().
				Str("type", event.Type).
				Msg("Dropping event for slow subscriber")
		}
	}
}
