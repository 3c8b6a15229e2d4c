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

package poll

import (
	"context"
	"strconv"
	"time"

	"github.com/PelionIoT/ref-wem/pkg/kv"
)

// flagStore keeps the per-account polling flags in the kv store: the stop
// request, the is-polling claim (with an expiry so a dead process's claim
// clears itself), and the consecutive failure counter.
type flagStore struct {
	kv kv.Store
}

func flagKey(accountID, name string) string {
	return "account/" + accountID + "/" + name
}

func (f flagStore) shouldStop(ctx context.Context, accountID string) (bool, error) {
	raw, found, err := f.kv.Get(ctx, flagKey(accountID, "should_stop_polling"))
	if err != nil {
		return false, err
	}

	// Absent defaults to true: nobody asked this account to poll.
	if !found {
		return true, nil
	}

	return string(raw) == "true", nil
}

func (f flagStore) setShouldStop(ctx context.Context, accountID string, stop bool) error {
	return f.kv.Put(ctx, flagKey(accountID, "should_stop_polling"), []byte(strconv.FormatBool(stop)), 0)
}

func (f flagStore) isLongPolling(ctx context.Context, accountID string) (bool, error) {
	raw, found, err := f.kv.Get(ctx, flagKey(accountID, "is_long_polling"))
	if err != nil {
		return false, err
	}

	return found && string(raw) == "true", nil
}

func (f flagStore) setLongPolling(ctx context.Context, accountID string, polling bool, ttl time.Duration) error {
	key := flagKey(accountID, "is_long_polling")

	if !polling {
		return f.kv.Delete(ctx, key)
	}

	return f.kv.Put(ctx, key, []byte("true"), ttl)
}

func (f flagStore) failures(ctx context.Context, accountID string) (int, error) {
	raw, found, err := f.kv.Get(ctx, flagKey(accountID, "long_poll_failures"))
	if err != nil || !found {
		return 0, err
	}

	count, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, nil
	}

	return count, nil
}

func (f flagStore) setFailures(ctx context.Context, accountID string, count int) error {
	return f.kv.Put(ctx, flagKey(accountID, "long_poll_failures"), []byte(strconv.Itoa(count)), 0)
}
