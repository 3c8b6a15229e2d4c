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

package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// natsEntry wraps a stored value with its absolute expiry. JetStream only
// enforces TTL at bucket granularity, so the per-key deadline travels inside
// the value and is enforced on read, like MemoryStore does. A zero ExpiresAt
// means the key persists until deleted.
type natsEntry struct {
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix nanoseconds
	Value     []byte `json:"value"`
}

// NatsStore implements Store on a NATS JetStream KV bucket, for deployments
// that already run NATS instead of Redis. The bucket itself never expires
// keys; mixing no-expiry polling flags and TTL'd sensor values in one bucket
// is safe.
type NatsStore struct {
	nc  *nats.Conn
	kv  jetstream.KeyValue
	now func() time.Time
}

// NewNatsStore connects to NATS and creates (or binds to) the KV bucket.
func NewNatsStore(ctx context.Context, natsURL, bucket string) (*NatsStore, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
	}

	return &NatsStore{nc: nc, kv: kv, now: time.Now}, nil
}

func (n *NatsStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	var entry natsEntry
	if err := json.Unmarshal(raw.Value(), &entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode entry for key %s: %w", key, err)
	}

	if entry.ExpiresAt != 0 && n.now().UnixNano() > entry.ExpiresAt {
		// Lazy reap; a failure here just leaves the dead key for the next
		// reader.
		_ = n.kv.Delete(ctx, key)

		return nil, false, nil
	}

	return entry.Value, true, nil
}

func (n *NatsStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := natsEntry{Value: value}
	if ttl > 0 {
		entry.ExpiresAt = n.now().Add(ttl).UnixNano()
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry for key %s: %w", key, err)
	}

	if _, err := n.kv.Put(ctx, key, encoded); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	return nil
}

func (n *NatsStore) Delete(ctx context.Context, key string) error {
	err := n.kv.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	return nil
}

func (n *NatsStore) Close() error {
	n.nc.Close()

	return nil
}
