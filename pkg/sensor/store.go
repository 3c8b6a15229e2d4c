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

// Package sensor caches the last known value of every (board, resource path)
// pair. Values live in the kv store with a TTL; an expired or never-written
// value means "no reading yet". Boards with no live sensors are pruned.
package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/PelionIoT/ref-wem/pkg/kv"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

// DefaultTTL is how long a cached sensor value stays live without a fresh
// notification.
const DefaultTTL = 24 * time.Hour

type sensorEntry struct {
	mu     sync.Mutex // serializes writes for one (board, path) pair
	pruned bool       // set when the expiry sweep removes the entry from the index
}

type boardEntry struct {
	accountID string
	sensors   map[string]*sensorEntry
}

// Store is the sensor value cache.
type Store struct {
	kv     kv.Store
	ttl    time.Duration
	logger logger.Logger

	mu     sync.Mutex // guards boards index
	boards map[string]*boardEntry
}

// NewStore creates a Store on the given kv backend. A zero ttl uses
// DefaultTTL.
func NewStore(store kv.Store, ttl time.Duration, log logger.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Store{
		kv:     store,
		ttl:    ttl,
		logger: log.WithComponent("sensor"),
		boards: make(map[string]*boardEntry),
	}
}

// valueKey builds the cache key for one (board, resource) pair. The
// character set is restricted to what every kv backend accepts, which for
// JetStream KV means no commas or spaces; the resource path supplies its
// own leading slash.
func valueKey(boardID, path string) string {
	return "sensor/" + boardID + path
}

// Set records a sensor value. The board is created on first sight and owned
// by accountID; a board reappearing under a different account is reassigned
// and logged, which happens when a device is re-provisioned under a new API
// key. Calls for the same (board, path) pair serialize; distinct pairs do
// not block each other.
func (s *Store) Set(ctx context.Context, accountID, boardID, path string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s %s: %w", boardID, path, err)
	}

	s.logger.Debug().
		Str("board", boardID).
		Str("path", path).
		Interface("value", value).
		Msg("Setting sensor value")

	for {
		entry := s.ensureSensor(accountID, boardID, path)

		done, err := s.tryWrite(ctx, entry, boardID, path, encoded)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		// The expiry sweep pruned the entry between the index lookup and
		// the write; re-index so the value stays visible to AllData.
	}
}

// tryWrite stores the encoded value under the entry's lock. It reports
// false when the entry was pruned from the index after it was looked up.
func (s *Store) tryWrite(ctx context.Context, entry *sensorEntry, boardID, path string, encoded []byte) (bool, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.pruned {
		return false, nil
	}

	if err := s.kv.Put(ctx, valueKey(boardID, path), encoded, s.ttl); err != nil {
		return false, fmt.Errorf("failed to cache value for %s %s: %w", boardID, path, err)
	}

	return true, nil
}

// ensureSensor get-or-creates the board and sensor index entries under the
// store lock, keeping the read-check-create sequence atomic.
func (s *Store) ensureSensor(accountID, boardID, path string) *sensorEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	board, ok := s.boards[boardID]
	if !ok {
		board = &boardEntry{
			accountID: accountID,
			sensors:   make(map[string]*sensorEntry),
		}
		s.boards[boardID] = board
	} else if board.accountID != accountID {
		// A device deleted its cloud API key and re-registered under a new
		// one. Record the handover and move on.
		s.logger.Info().
			Str("board", boardID).
			Str("old_account", board.accountID).
			Str("new_account", accountID).
			Msg("Board has changed API keys, reassigning owner")
		board.accountID = accountID
	}

	entry, ok := board.sensors[path]
	if !ok {
		entry = &sensorEntry{}
		board.sensors[path] = entry
	}

	return entry
}

// AllData returns every unexpired sensor reading. The sweep is two-phase:
// collect live values first, then prune sensors whose values expired and
// boards left with no sensors.
func (s *Store) AllData(ctx context.Context) ([]models.SensorData, error) {
	type pair struct {
		boardID string
		path    string
	}

	s.mu.Lock()
	pairs := make([]pair, 0, len(s.boards))

	for boardID, board := range s.boards {
		for path := range board.sensors {
			pairs = append(pairs, pair{boardID: boardID, path: path})
		}
	}
	s.mu.Unlock()

	data := make([]models.SensorData, 0, len(pairs))
	expired := make([]pair, 0)

	for _, p := range pairs {
		raw, found, err := s.kv.Get(ctx, valueKey(p.boardID, p.path))
		if err != nil {
			return nil, fmt.Errorf("failed to read value for %s %s: %w", p.boardID, p.path, err)
		}

		if !found {
			expired = append(expired, p)
			continue
		}

		var value interface{}
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("failed to decode value for %s %s: %w", p.boardID, p.path, err)
		}

		data = append(data, models.SensorData{
			Board:  p.boardID,
			Sensor: p.path,
			Value:  value,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range expired {
		board, ok := s.boards[p.boardID]
		if !ok {
			continue
		}

		entry, ok := board.sensors[p.path]
		if !ok {
			continue
		}

		// The entry lock keeps a concurrent Set from landing a write
		// between the re-check and the removal; a Set that refreshed the
		// value before we got the lock shows up in the re-check.
		entry.mu.Lock()
		if _, found, err := s.kv.Get(ctx, valueKey(p.boardID, p.path)); err == nil && !found {
			entry.pruned = true
			delete(board.sensors, p.path)

			s.logger.Debug().
				Str("board", p.boardID).
				Str("path", p.path).
				Msg("Pruned expired sensor")
		}
		entry.mu.Unlock()

		if len(board.sensors) == 0 {
			delete(s.boards, p.boardID)

			s.logger.Debug().Str("board", p.boardID).Msg("Pruned board with no sensors")
		}
	}

	return data, nil
}

// BoardData returns the cache grouped as board -> path -> value, the shape
// served by the cache dump endpoint.
func (s *Store) BoardData(ctx context.Context) (map[string]map[string]interface{}, error) {
	all, err := s.AllData(ctx)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string]map[string]interface{})

	for _, d := range all {
		if _, ok := grouped[d.Board]; !ok {
			grouped[d.Board] = make(map[string]interface{})
		}

		grouped[d.Board][d.Sensor] = d.Value
	}

	return grouped, nil
}

// RemoveBoard deletes the board and all its sensors. Removing an absent
// board is not an error.
func (s *Store) RemoveBoard(ctx context.Context, boardID string) error {
	s.mu.Lock()
	board, ok := s.boards[boardID]

	var paths []string

	if ok {
		for path, entry := range board.sensors {
			entry.mu.Lock()
			entry.pruned = true
			entry.mu.Unlock()

			paths = append(paths, path)
		}

		delete(s.boards, boardID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	for _, path := range paths {
		if err := s.kv.Delete(ctx, valueKey(boardID, path)); err != nil {
			return fmt.Errorf("failed to drop cached value for %s %s: %w", boardID, path, err)
		}
	}

	s.logger.Debug().Str("board", boardID).Int("sensors", len(paths)).Msg("Removed board")

	return nil
}

// Owner reports which account currently owns a board.
func (s *Store) Owner(boardID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	board, ok := s.boards[boardID]
	if !ok {
		return "", false
	}

	return board.accountID, true
}
