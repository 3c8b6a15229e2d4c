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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelionIoT/ref-wem/pkg/cloud"
	"github.com/PelionIoT/ref-wem/pkg/kv"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
)

const testAccountID = "acct-1"

var errUpstream = errors.New("upstream unavailable")

type pullResult struct {
	batch models.Batch
	err   error
}

// fakeCloud replays a scripted sequence of pull results; once the script
// is exhausted further pulls block until the context is canceled, which is
// how a real long poll behaves with no traffic.
type fakeCloud struct {
	mu     sync.Mutex
	script []pullResult
	pulls  int

	callbackURL     string
	callbackHeaders map[string]string
	deletedLongPoll int
	deletedCallback int
	presubsDeleted  int
	presubs         []models.Presubscription
}

func (c *fakeCloud) PullNotifications(ctx context.Context) (models.Batch, error) {
	c.mu.Lock()
	c.pulls++

	if len(c.script) > 0 {
		next := c.script[0]
		c.script = c.script[1:]
		c.mu.Unlock()

		return next.batch, next.err
	}
	c.mu.Unlock()

	<-ctx.Done()

	return nil, ctx.Err()
}

func (c *fakeCloud) SetCallback(_ context.Context, url string, headers map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.callbackURL = url
	c.callbackHeaders = headers

	return nil
}

func (c *fakeCloud) DeleteCallback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deletedCallback++

	return nil
}

func (c *fakeCloud) SetPresubscriptions(_ context.Context, presubs []models.Presubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.presubs = presubs

	return nil
}

func (c *fakeCloud) DeletePresubscriptions(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.presubsDeleted++

	return nil
}

func (c *fakeCloud) DeleteLongPoll(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deletedLongPoll++

	return nil
}

func (c *fakeCloud) pullCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pulls
}

type fakeAccounts struct{}

func (fakeAccounts) GetByID(_ context.Context, id string) (models.Account, error) {
	return models.Account{ID: id, APIKey: "ak_test"}, nil
}

func (fakeAccounts) WebhookAuth(_ context.Context, accountID string) (models.WebhookAuth, error) {
	return models.WebhookAuth{Token: "tok-123", AccountID: accountID}, nil
}

type fakeClients struct {
	cloud CloudAPI
}

func (f fakeClients) ClientFor(context.Context, string) (CloudAPI, error) {
	return f.cloud, nil
}

type fakeHandler struct {
	mu      sync.Mutex
	batches []models.Batch
	onBatch func(models.Batch)
}

func (h *fakeHandler) HandleBatch(_ context.Context, _ models.WebhookAuth, batch models.Batch) error {
	h.mu.Lock()
	h.batches = append(h.batches, batch)
	fn := h.onBatch
	h.mu.Unlock()

	if fn != nil {
		fn(batch)
	}

	return nil
}

func (h *fakeHandler) handled() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.batches)
}

// fakeClock records requested delays and fires them immediately so loops
// run without wall-clock sleeps.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (*fakeClock) Now() time.Time {
	return time.Unix(0, 0)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- time.Time{}

	return ch
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)

	return out
}

func newTestSupervisor(upstream *fakeCloud, handler *fakeHandler) (*Supervisor, *fakeClock, *kv.MemoryStore) {
	clock := &fakeClock{}
	store := kv.NewMemoryStore()

	config := Config{
		WebhookURL: "https://relay.example.com/live-device/webhook",
		Presubscriptions: []models.Presubscription{
			{ResourcePath: []string{"/3303/*"}},
		},
	}

	sup := New(fakeAccounts{}, fakeClients{cloud: upstream}, handler, store, config, clock, logger.NewTestLogger())
	// Deterministic jitter: always the top of the window.
	sup.rand = func() float64 { return 1 }

	return sup, clock, store
}

func TestBackoffDelayWindow(t *testing.T) {
	top := func() float64 { return 1 }

	assert.Equal(t, 1*time.Second, backoffDelay(1, top))
	assert.Equal(t, 3*time.Second, backoffDelay(2, top))
	assert.Equal(t, 7*time.Second, backoffDelay(3, top))

	// The window is capped at 2^6-1 seconds no matter how many failures.
	assert.Equal(t, 63*time.Second, backoffDelay(6, top))
	assert.Equal(t, 63*time.Second, backoffDelay(40, top))

	// Jitter can land at zero.
	assert.Zero(t, backoffDelay(5, func() float64 { return 0 }))
}

func TestSetWebhookCallbackRegistersAndCleansUp(t *testing.T) {
	upstream := &fakeCloud{}
	sup, _, _ := newTestSupervisor(upstream, &fakeHandler{})

	require.NoError(t, sup.SetWebhookCallback(context.Background(), testAccountID))

	assert.Equal(t, StateWebhookRegistered, sup.State(testAccountID))
	assert.Equal(t, "https://relay.example.com/live-device/webhook", upstream.callbackURL)
	assert.Equal(t, "Bearer tok-123", upstream.callbackHeaders["Authorization"])
	assert.Equal(t, 1, upstream.deletedLongPoll)
	assert.Equal(t, 1, upstream.deletedCallback)
	assert.Equal(t, 1, upstream.presubsDeleted)
	assert.Len(t, upstream.presubs, 1)
}

func TestStartWhileAlreadyPolling(t *testing.T) {
	upstream := &fakeCloud{} // empty script: first pull blocks
	sup, _, _ := newTestSupervisor(upstream, &fakeHandler{})
	ctx := context.Background()

	require.NoError(t, sup.StartLongPolling(ctx, testAccountID))
	assert.Equal(t, StatePolling, sup.State(testAccountID))

	err := sup.StartLongPolling(ctx, testAccountID)
	assert.ErrorIs(t, err, ErrAlreadyPolling)
	assert.Equal(t, StatePolling, sup.State(testAccountID))

	err = sup.SetWebhookCallback(ctx, testAccountID)
	assert.ErrorIs(t, err, ErrAlreadyPolling)

	sup.Shutdown()
	assert.Equal(t, StateIdle, sup.State(testAccountID))
}

func TestStartWhileStoppingInProgress(t *testing.T) {
	upstream := &fakeCloud{}
	sup, _, _ := newTestSupervisor(upstream, &fakeHandler{})
	ctx := context.Background()

	require.NoError(t, sup.StartLongPolling(ctx, testAccountID))
	require.NoError(t, sup.StopLongPolling(ctx, testAccountID))
	assert.Equal(t, StateStopping, sup.State(testAccountID))

	err := sup.StartLongPolling(ctx, testAccountID)
	assert.ErrorIs(t, err, ErrStoppingInProgress)

	// A second stop while stopping is a no-op.
	require.NoError(t, sup.StopLongPolling(ctx, testAccountID))

	sup.Shutdown()
	assert.Equal(t, StateIdle, sup.State(testAccountID))
}

func TestConsecutiveFailuresBackOffExponentially(t *testing.T) {
	upstream := &fakeCloud{
		script: []pullResult{
			{err: errUpstream},
			{err: errUpstream},
			{err: errUpstream},
		},
	}
	sup, clock, _ := newTestSupervisor(upstream, &fakeHandler{})

	require.NoError(t, sup.StartLongPolling(context.Background(), testAccountID))

	assert.Eventually(t, func() bool {
		return len(clock.recorded()) >= 3
	}, time.Second, time.Millisecond)

	sup.Shutdown()

	// With jitter pinned to the top of the window the delays are exactly
	// 2^n - 1 seconds for n = 1, 2, 3.
	delays := clock.recorded()
	assert.Equal(t, 1*time.Second, delays[0])
	assert.Equal(t, 3*time.Second, delays[1])
	assert.Equal(t, 7*time.Second, delays[2])
}

func TestTimeoutIsNotAFailure(t *testing.T) {
	stopped := make(chan struct{})
	handler := &fakeHandler{}
	upstream := &fakeCloud{
		script: []pullResult{
			{err: cloud.ErrTimeout},
			{err: cloud.ErrTimeout},
			{batch: models.Batch{"notifications": json.RawMessage(`[]`)}},
		},
	}

	sup, clock, store := newTestSupervisor(upstream, handler)
	handler.onBatch = func(models.Batch) {
		require.NoError(t, sup.StopLongPolling(context.Background(), testAccountID))
		close(stopped)
	}

	require.NoError(t, sup.StartLongPolling(context.Background(), testAccountID))

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	sup.wg.Wait()

	// Timeouts reschedule immediately and leave the failure counter alone.
	assert.Empty(t, clock.recorded())

	raw, found, err := store.Get(context.Background(), flagKey(testAccountID, "long_poll_failures"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "0", string(raw))
}

func TestCooperativeStopAtCycleEnd(t *testing.T) {
	stopped := make(chan struct{})
	handler := &fakeHandler{}
	upstream := &fakeCloud{
		script: []pullResult{
			{batch: models.Batch{"notifications": json.RawMessage(`[]`)}},
		},
	}

	sup, _, store := newTestSupervisor(upstream, handler)
	handler.onBatch = func(models.Batch) {
		require.NoError(t, sup.StopLongPolling(context.Background(), testAccountID))
		close(stopped)
	}

	ctx := context.Background()
	require.NoError(t, sup.StartLongPolling(ctx, testAccountID))

	// The claim and stop flags are set on start.
	raw, found, err := store.Get(ctx, flagKey(testAccountID, "is_long_polling"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "true", string(raw))

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	sup.wg.Wait()

	assert.Equal(t, StateIdle, sup.State(testAccountID))
	assert.Equal(t, 1, upstream.pullCount())
	assert.Equal(t, 1, handler.handled())

	// The polling claim is cleared when the loop exits.
	_, found, err = store.Get(ctx, flagKey(testAccountID, "is_long_polling"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStopFlagFromStoreStopsLoop(t *testing.T) {
	seen := make(chan struct{})
	handler := &fakeHandler{}
	upstream := &fakeCloud{
		script: []pullResult{
			{batch: models.Batch{"notifications": json.RawMessage(`[]`)}},
		},
	}

	sup, _, store := newTestSupervisor(upstream, handler)
	ctx := context.Background()

	// Another relay instance can request a stop through the shared store.
	handler.onBatch = func(models.Batch) {
		require.NoError(t, store.Put(ctx, flagKey(testAccountID, "should_stop_polling"), []byte("true"), 0))
		close(seen)
	}

	require.NoError(t, sup.StartLongPolling(ctx, testAccountID))

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	sup.wg.Wait()

	assert.Equal(t, StateIdle, sup.State(testAccountID))
	assert.Equal(t, 1, upstream.pullCount())
}

func TestIsLongPollingTracksClaim(t *testing.T) {
	stopped := make(chan struct{})
	handler := &fakeHandler{}
	upstream := &fakeCloud{
		script: []pullResult{
			{batch: models.Batch{"notifications": json.RawMessage(`[]`)}},
		},
	}

	sup, _, _ := newTestSupervisor(upstream, handler)
	ctx := context.Background()

	polling, err := sup.IsLongPolling(ctx, testAccountID)
	require.NoError(t, err)
	assert.False(t, polling)

	handler.onBatch = func(models.Batch) {
		require.NoError(t, sup.StopLongPolling(context.Background(), testAccountID))
		close(stopped)
	}

	require.NoError(t, sup.StartLongPolling(ctx, testAccountID))

	polling, err = sup.IsLongPolling(ctx, testAccountID)
	require.NoError(t, err)
	assert.True(t, polling)

	<-stopped
	sup.wg.Wait()

	polling, err = sup.IsLongPolling(ctx, testAccountID)
	require.NoError(t, err)
	assert.False(t, polling)
}

func TestRestartAfterStop(t *testing.T) {
	handler := &fakeHandler{}
	stopped := make(chan struct{})
	upstream := &fakeCloud{
		script: []pullResult{
			{batch: models.Batch{"notifications": json.RawMessage(`[]`)}},
		},
	}

	sup, _, _ := newTestSupervisor(upstream, handler)
	handler.onBatch = func(models.Batch) {
		require.NoError(t, sup.StopLongPolling(context.Background(), testAccountID))
		close(stopped)
	}

	ctx := context.Background()
	require.NoError(t, sup.StartLongPolling(ctx, testAccountID))

	<-stopped
	sup.wg.Wait()

	// Once idle the account can poll again.
	handler.onBatch = nil
	require.NoError(t, sup.StartLongPolling(ctx, testAccountID))
	assert.Equal(t, StatePolling, sup.State(testAccountID))

	sup.Shutdown()
}
