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

// Package kv provides the key-value cache abstraction backing sensor values
// and per-account polling flags.
package kv

import (
	"context"
	"time"
)

// Store is a key-value store with per-key TTL semantics. An expired or
// never-written key reads as not found, never as a zero value.
type Store interface {
	// Get retrieves the value associated with the given key. Returns the
	// value, a boolean indicating whether the key was found, and an error
	// if the operation fails.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores a value under the given key. A zero ttl means the value
	// persists until explicitly deleted.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key and its value. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
