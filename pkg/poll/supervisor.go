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

// Package poll drives each account's notification transport: either a
// registered webhook callback or a long-poll loop, never both. The loop
// retries upstream failures with jittered exponential backoff and stops
// cooperatively at cycle boundaries.
package poll

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/PelionIoT/ref-wem/pkg/cloud"
	"github.com/PelionIoT/ref-wem/pkg/kv"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
	"github.com/PelionIoT/ref-wem/pkg/notify"
)

const (
	// longPollClaimTTL is the base expiry of the is_long_polling claim;
	// each cycle refreshes it with the next cycle's delay added.
	longPollClaimTTL = 60 * time.Second

	// backoffCeiling caps the backoff exponent: the jitter window never
	// exceeds 2^6-1 = 63 seconds.
	backoffCeiling = 6
)

// State of one account's transport.
type State int

const (
	StateIdle State = iota
	StateWebhookRegistered
	StatePolling
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWebhookRegistered:
		return "webhook-registered"
	case StatePolling:
		return "polling"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// CloudAPI is the slice of the cloud client the supervisor drives.
type CloudAPI interface {
	SetCallback(ctx context.Context, url string, headers map[string]string) error
	DeleteCallback(ctx context.Context) error
	SetPresubscriptions(ctx context.Context, presubs []models.Presubscription) error
	DeletePresubscriptions(ctx context.Context) error
	PullNotifications(ctx context.Context) (models.Batch, error)
	DeleteLongPoll(ctx context.Context) error
}

// BatchHandler dispatches one pulled notification batch.
type BatchHandler interface {
	HandleBatch(ctx context.Context, auth models.WebhookAuth, batch models.Batch) error
}

// AccountSource resolves accounts and their webhook credentials.
type AccountSource interface {
	GetByID(ctx context.Context, id string) (models.Account, error)
	WebhookAuth(ctx context.Context, accountID string) (models.WebhookAuth, error)
}

// ClientFactory resolves the cloud client for an account.
type ClientFactory interface {
	ClientFor(ctx context.Context, accountID string) (CloudAPI, error)
}

// Config holds the supervisor's static settings.
type Config struct {
	// WebhookURL is the public callback URL registered with the cloud,
	// composed from the site's scheme, host and webhook route.
	WebhookURL string `json:"webhook_url"`

	// Presubscriptions is the static pattern list applied on every
	// (re)registration.
	Presubscriptions []models.Presubscription `json:"presubscriptions"`
}

type accountEntry struct {
	mu    sync.Mutex
	state State
}

// Supervisor runs the per-account transport state machines.
type Supervisor struct {
	accounts AccountSource
	clients  ClientFactory
	handler  BatchHandler
	flags    flagStore
	clock    Clock
	rand     func() float64
	config   Config
	logger   logger.Logger

	mu      sync.Mutex
	entries map[string]*accountEntry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Supervisor. A nil clock uses the real time package.
func New(accountSource AccountSource, clients ClientFactory, handler BatchHandler,
	store kv.Store, config Config, clock Clock, log logger.Logger) *Supervisor {
	if clock == nil {
		clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Supervisor{
		accounts: accountSource,
		clients:  clients,
		handler:  handler,
		flags:    flagStore{kv: store},
		clock:    clock,
		rand:     rand.Float64,
		config:   config,
		logger:   log.WithComponent("poll"),
		entries:  make(map[string]*accountEntry),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

func (s *Supervisor) entry(accountID string) *accountEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[accountID]
	if !ok {
		entry = &accountEntry{state: StateIdle}
		s.entries[accountID] = entry
	}

	return entry
}

// State reports the current transport state of an account.
func (s *Supervisor) State(accountID string) State {
	entry := s.entry(accountID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	return entry.state
}

// IsLongPolling reports whether the account holds the polling claim in the
// shared store. The claim is also visible from other relay instances and
// clears itself if the process holding it dies.
func (s *Supervisor) IsLongPolling(ctx context.Context, accountID string) (bool, error) {
	return s.flags.isLongPolling(ctx, accountID)
}

// SetWebhookCallback switches the account to webhook delivery: any long
// poll registration and stale callback are removed, the new callback is
// registered with the account's webhook credential as a header, and the
// presubscription list is reapplied. Fails while a long-poll loop runs.
func (s *Supervisor) SetWebhookCallback(ctx context.Context, accountID string) error {
	entry := s.entry(accountID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.state {
	case StatePolling:
		return ErrAlreadyPolling
	case StateStopping:
		return ErrStoppingInProgress
	case StateIdle, StateWebhookRegistered:
	}

	client, auth, err := s.resolve(ctx, accountID)
	if err != nil {
		return err
	}

	if err := client.DeleteLongPoll(ctx); err != nil {
		return err
	}

	if err := client.DeleteCallback(ctx); err != nil {
		return err
	}

	headers := map[string]string{"Authorization": "Bearer " + auth.Token}

	if err := client.SetCallback(ctx, s.config.WebhookURL, headers); err != nil {
		return err
	}

	if err := s.applyPresubscriptions(ctx, client); err != nil {
		return err
	}

	entry.state = StateWebhookRegistered

	s.logger.Info().
		Str("account", accountID).
		Str("url", s.config.WebhookURL).
		Msg("Webhook callback registered")

	return nil
}

// StartLongPolling switches the account to pull delivery and schedules the
// first poll cycle. Fails with ErrAlreadyPolling if a loop is running and
// ErrStoppingInProgress while the previous loop winds down.
func (s *Supervisor) StartLongPolling(ctx context.Context, accountID string) error {
	entry := s.entry(accountID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	switch entry.state {
	case StatePolling:
		return ErrAlreadyPolling
	case StateStopping:
		return ErrStoppingInProgress
	case StateIdle, StateWebhookRegistered:
	}

	client, auth, err := s.resolve(ctx, accountID)
	if err != nil {
		return err
	}

	if err := client.DeleteLongPoll(ctx); err != nil {
		return err
	}

	if err := client.DeleteCallback(ctx); err != nil {
		return err
	}

	if err := s.applyPresubscriptions(ctx, client); err != nil {
		return err
	}

	if err := s.flags.setShouldStop(ctx, accountID, false); err != nil {
		return err
	}

	if err := s.flags.setLongPolling(ctx, accountID, true, longPollClaimTTL); err != nil {
		return err
	}

	entry.state = StatePolling

	s.logger.Info().Str("account", accountID).Msg("Starting long polling")

	s.wg.Add(1)

	go s.runLoop(accountID, entry, client, auth)

	return nil
}

// StopLongPolling requests a cooperative stop: the flag is observed at the
// running cycle's end-of-cycle check. The in-flight pull is not aborted.
func (s *Supervisor) StopLongPolling(ctx context.Context, accountID string) error {
	entry := s.entry(accountID)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.state != StatePolling && entry.state != StateStopping {
		return nil
	}

	if err := s.flags.setShouldStop(ctx, accountID, true); err != nil {
		return err
	}

	entry.state = StateStopping

	s.logger.Info().Str("account", accountID).Msg("Stop requested, finishing current cycle")

	return nil
}

// Shutdown cancels all poll loops and waits for them to finish. Unlike a
// cooperative stop this aborts in-flight pulls; it is meant for process
// shutdown only.
func (s *Supervisor) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

func (s *Supervisor) resolve(ctx context.Context, accountID string) (CloudAPI, models.WebhookAuth, error) {
	client, err := s.clients.ClientFor(ctx, accountID)
	if err != nil {
		return nil, models.WebhookAuth{}, err
	}

	auth, err := s.accounts.WebhookAuth(ctx, accountID)
	if err != nil {
		return nil, models.WebhookAuth{}, err
	}

	return client, auth, nil
}

// applyPresubscriptions deletes then sets the static list. Delete can only
// fail when the endpoint or resource is missing, in which case there is no
// point attempting the set either.
func (s *Supervisor) applyPresubscriptions(ctx context.Context, client CloudAPI) error {
	if err := client.DeletePresubscriptions(ctx); err != nil {
		return err
	}

	return client.SetPresubscriptions(ctx, s.config.Presubscriptions)
}

func (s *Supervisor) runLoop(accountID string, entry *accountEntry, client CloudAPI, auth models.WebhookAuth) {
	defer s.wg.Done()

	ctx := s.baseCtx

	for {
		delay := s.pollOnce(ctx, accountID, client, auth)

		if s.endOfCycle(ctx, accountID, entry, delay) {
			return
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				s.finishLoop(accountID, entry)
				return
			case <-s.clock.After(delay):
			}
		} else {
			select {
			case <-ctx.Done():
				s.finishLoop(accountID, entry)
				return
			default:
			}
		}
	}
}

// pollOnce runs one poll cycle and returns the delay before the next one:
// zero after data or a benign timeout, a jittered backoff after a failure.
func (s *Supervisor) pollOnce(ctx context.Context, accountID string, client CloudAPI, auth models.WebhookAuth) time.Duration {
	batch, err := client.PullNotifications(ctx)

	switch {
	case errors.Is(err, cloud.ErrTimeout):
		s.logger.Debug().Str("account", accountID).Msg("Long poll timed out")

		return 0
	case err != nil:
		failures, ferr := s.flags.failures(ctx, accountID)
		if ferr != nil {
			s.logger.Error().Err(ferr).Str("account", accountID).Msg("Failed to read failure counter")
		}

		failures++

		if ferr := s.flags.setFailures(ctx, accountID, failures); ferr != nil {
			s.logger.Error().Err(ferr).Str("account", accountID).Msg("Failed to record failure counter")
		}

		delay := backoffDelay(failures, s.rand)

		s.logger.Error().
			Err(err).
			Str("account", accountID).
			Int("failures", failures).
			Dur("delay", delay).
			Msg("Long poll failed, backing off")

		return delay
	}

	if err := s.flags.setFailures(ctx, accountID, 0); err != nil {
		s.logger.Error().Err(err).Str("account", accountID).Msg("Failed to reset failure counter")
	}

	if err := s.handler.HandleBatch(ctx, auth, batch); err != nil {
		// One bad batch must not kill the loop.
		if errors.Is(err, notify.ErrUnrecognizedBatchKey) {
			s.logger.Warn().Err(err).Str("account", accountID).Msg("Dropping unrecognized batch section")
		} else {
			s.logger.Error().Err(err).Str("account", accountID).Msg("Failed to handle pulled batch")
		}
	}

	return 0
}

// endOfCycle performs the cooperative stop check and, when the loop goes
// on, refreshes the is_long_polling claim to outlive the coming delay.
func (s *Supervisor) endOfCycle(ctx context.Context, accountID string, entry *accountEntry, delay time.Duration) bool {
	stop, err := s.flags.shouldStop(ctx, accountID)
	if err != nil {
		s.logger.Error().Err(err).Str("account", accountID).Msg("Failed to read stop flag")

		stop = false
	}

	entry.mu.Lock()
	if entry.state == StateStopping {
		stop = true
	}
	entry.mu.Unlock()

	if stop {
		s.finishLoop(accountID, entry)

		return true
	}

	if err := s.flags.setLongPolling(ctx, accountID, true, longPollClaimTTL+delay); err != nil {
		s.logger.Error().Err(err).Str("account", accountID).Msg("Failed to refresh polling claim")
	}

	return false
}

func (s *Supervisor) finishLoop(accountID string, entry *accountEntry) {
	entry.mu.Lock()
	entry.state = StateIdle
	entry.mu.Unlock()

	// The loop context may already be canceled; clear the claim anyway.
	if err := s.flags.setLongPolling(context.Background(), accountID, false, 0); err != nil {
		s.logger.Error().Err(err).Str("account", accountID).Msg("Failed to clear polling claim")
	}

	s.logger.Info().Str("account", accountID).Msg("Long polling stopped")
}

// backoffDelay computes the jittered exponential backoff delay:
// uniform(0, 2^min(failures, ceiling) - 1) seconds.
func backoffDelay(failures int, rnd func() float64) time.Duration {
	if failures > backoffCeiling {
		failures = backoffCeiling
	}

	n := math.Pow(2, float64(failures)) - 1

	return time.Duration(rnd() * n * float64(time.Second))
}
