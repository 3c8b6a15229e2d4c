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
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelionIoT/ref-wem/pkg/bus"
	"github.com/PelionIoT/ref-wem/pkg/kv"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
	"github.com/PelionIoT/ref-wem/pkg/payload"
	"github.com/PelionIoT/ref-wem/pkg/sensor"
)

var testAuth = models.WebhookAuth{Token: "whk_token", AccountID: "acct1"}

type fixture struct {
	router *Router
	store  *sensor.Store
	bus    *bus.Bus
	events *bus.Subscription
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewTestLogger()
	store := sensor.NewStore(kv.NewMemoryStore(), 0, log)
	eventBus := bus.New(nil, log)

	sub, err := eventBus.Subscribe(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { eventBus.Unsubscribe(sub) })

	return &fixture{
		router: NewRouter(payload.NewCodec(log), store, eventBus, nil, nil, log),
		store:  store,
		bus:    eventBus,
		events: sub,
	}
}

func batchOf(t *testing.T, key string, section interface{}) models.Batch {
	t.Helper()

	raw, err := json.Marshal(section)
	require.NoError(t, err)

	return models.Batch{key: raw}
}

func (f *fixture) drainEvents() []models.Event {
	var events []models.Event

	for {
		select {
		case e := <-f.events.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func TestHandleBatchUnrecognizedKey(t *testing.T) {
	f := newFixture(t)

	err := f.router.HandleBatch(context.Background(), testAuth, batchOf(t, "bogus", []string{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnrecognizedBatchKey)
}

func TestHandleBatchIgnoredSections(t *testing.T) {
	f := newFixture(t)

	for _, key := range []string{"registrations", "reg-updates", "async-responses"} {
		err := f.router.HandleBatch(context.Background(), testAuth, batchOf(t, key, []map[string]string{}))
		require.NoError(t, err, "section %q must be accepted and ignored", key)
	}

	assert.Empty(t, f.drainEvents())
}

func TestHandleBatchNotification(t *testing.T) {
	f := newFixture(t)

	batch := batchOf(t, "notifications", []models.Notification{{
		Ep:      "board1",
		Path:    "/3303/0/5700",
		Payload: base64.StdEncoding.EncodeToString([]byte("23.5 C")),
	}})

	require.NoError(t, f.router.HandleBatch(context.Background(), testAuth, batch))

	data, err := f.store.AllData(context.Background())
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, "board1", data[0].Board)
	assert.Equal(t, "/3303/0/5700", data[0].Sensor)
	assert.Equal(t, 23.5, data[0].Value)

	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeUpdate, events[0].Type)
	assert.Equal(t, 23.5, events[0].Update.Value)
}

func TestHandleBatchDeregistration(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Set(context.Background(), "acct1", "board1", "/3303/0/5700", 23.5))

	batch := batchOf(t, "de-registrations", []string{"board1"})
	require.NoError(t, f.router.HandleBatch(context.Background(), testAuth, batch))

	data, err := f.store.AllData(context.Background())
	require.NoError(t, err)
	assert.Empty(t, data)

	events := f.drainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeRemoveBoard, events[0].Type)
	assert.Equal(t, "board1", events[0].Board)
}

func TestHandleBatchRegistrationsExpired(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.store.Set(context.Background(), "acct1", "board1", "/3303/0/5700", 23.5))

	batch := batchOf(t, "registrations-expired", []string{"board1", "never-seen"})
	require.NoError(t, f.router.HandleBatch(context.Background(), testAuth, batch))

	events := f.drainEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "board1", events[0].Board)
	assert.Equal(t, "never-seen", events[1].Board)
}

func TestHandleBatchUndecodablePayloadIsSkipped(t *testing.T) {
	f := newFixture(t)

	batch := batchOf(t, "notifications", []models.Notification{
		{Ep: "board1", Path: "/3303/0/5700", Payload: "!!not-base64!!"},
		{Ep: "board1", Path: "/3303/0/5700", Payload: base64.StdEncoding.EncodeToString([]byte("21"))},
	})

	require.NoError(t, f.router.HandleBatch(context.Background(), testAuth, batch))

	data, err := f.store.AllData(context.Background())
	require.NoError(t, err)
	require.Len(t, data, 1)
	assert.Equal(t, float64(21), data[0].Value)
}
