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

package relayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PelionIoT/ref-wem/pkg/accounts"
	"github.com/PelionIoT/ref-wem/pkg/bus"
	"github.com/PelionIoT/ref-wem/pkg/cloud"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
	"github.com/PelionIoT/ref-wem/pkg/notify"
	"github.com/PelionIoT/ref-wem/pkg/poll"
)

type recordingHandler struct {
	mu      sync.Mutex
	batches []models.Batch
	auths   []models.WebhookAuth
	err     error
}

func (h *recordingHandler) HandleBatch(_ context.Context, auth models.WebhookAuth, batch models.Batch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.batches = append(h.batches, batch)
	h.auths = append(h.auths, auth)

	return h.err
}

type staticBoards struct {
	data map[string]map[string]interface{}
}

func (b staticBoards) BoardData(context.Context) (map[string]map[string]interface{}, error) {
	return b.data, nil
}

type staticSnapshot struct {
	data []models.SensorData
}

func (s staticSnapshot) AllData(context.Context) ([]models.SensorData, error) {
	return s.data, nil
}

type fakePolls struct {
	mu      sync.Mutex
	calls   []string
	err     error
	polling map[string]bool
}

func (p *fakePolls) record(op, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, op+":"+accountID)

	return p.err
}

func (p *fakePolls) SetWebhookCallback(_ context.Context, accountID string) error {
	return p.record("webhook", accountID)
}

func (p *fakePolls) StartLongPolling(_ context.Context, accountID string) error {
	return p.record("start", accountID)
}

func (p *fakePolls) StopLongPolling(_ context.Context, accountID string) error {
	return p.record("stop", accountID)
}

func (p *fakePolls) IsLongPolling(_ context.Context, accountID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.polling[accountID], nil
}

type fixture struct {
	server   *Server
	registry *accounts.MemoryRegistry
	handler  *recordingHandler
	polls    *fakePolls
	events   *bus.Bus
}

func newFixture(snapshot []models.SensorData) *fixture {
	log := logger.NewTestLogger()
	registry := accounts.NewMemoryRegistry()
	handler := &recordingHandler{}
	polls := &fakePolls{}
	events := bus.New(staticSnapshot{data: snapshot}, log)

	boards := staticBoards{data: map[string]map[string]interface{}{
		"board-1": {"/3303/0/5700": 23.5},
	}}

	server := NewServer(registry, registry, handler, boards, events, polls, log)

	return &fixture{
		server:   server,
		registry: registry,
		handler:  handler,
		polls:    polls,
		events:   events,
	}
}

func (f *fixture) webhookToken(t *testing.T) string {
	t.Helper()

	account, err := f.registry.Create(context.Background(), models.Account{APIKey: "ak_test"})
	require.NoError(t, err)

	auth, err := f.registry.WebhookAuth(context.Background(), account.ID)
	require.NoError(t, err)

	return auth.Token
}

func putWebhook(handler http.Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/live-device/webhook", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	return rec
}

func TestWebhookRejectsWrongMethod(t *testing.T) {
	f := newFixture(nil)

	req := httptest.NewRequest(http.MethodPost, "/live-device/webhook", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhookAuthFailures(t *testing.T) {
	f := newFixture(nil)
	handler := f.server.Handler()

	// No Authorization header at all.
	assert.Equal(t, http.StatusUnauthorized, putWebhook(handler, "", `{}`).Code)

	// Present but not a bearer credential.
	assert.Equal(t, http.StatusBadRequest, putWebhook(handler, "Basic abc", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, putWebhook(handler, "Bearer ", `{}`).Code)

	// Well-formed but unknown token.
	assert.Equal(t, http.StatusForbidden, putWebhook(handler, "Bearer nope", `{}`).Code)

	assert.Empty(t, f.handler.batches)
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	f := newFixture(nil)
	token := f.webhookToken(t)

	rec := putWebhook(f.server.Handler(), "Bearer "+token, `{"notifications": `)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.handler.batches)
}

func TestWebhookDispatchesBatch(t *testing.T) {
	f := newFixture(nil)
	token := f.webhookToken(t)

	body := `{"notifications": [{"ep": "board-1", "path": "/3303/0/5700", "payload": "MjMuNQ=="}]}`
	rec := putWebhook(f.server.Handler(), "Bearer "+token, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())

	require.Len(t, f.handler.batches, 1)
	assert.Contains(t, f.handler.batches[0], "notifications")
	assert.NotEmpty(t, f.handler.auths[0].AccountID)
}

func TestWebhookUnrecognizedDataIsBadRequest(t *testing.T) {
	f := newFixture(nil)
	f.handler.err = notify.ErrUnrecognizedBatchKey
	token := f.webhookToken(t)

	rec := putWebhook(f.server.Handler(), "Bearer "+token, `{"bogus": {}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheEndpoint(t *testing.T) {
	f := newFixture(nil)

	req := httptest.NewRequest(http.MethodGet, "/live-device/cache", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var data map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	assert.Equal(t, 23.5, data["board-1"]["/3303/0/5700"])
}

func TestCreateAndListAccounts(t *testing.T) {
	f := newFixture(nil)
	handler := f.server.Handler()

	body, _ := json.Marshal(models.Account{APIKey: "ak_new"})
	req := httptest.NewRequest(http.MethodPost, "/api/accounts", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var created models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.DefaultCloudURL, created.URL)

	// Same key again conflicts.
	req = httptest.NewRequest(http.MethodPost, "/api/accounts", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Missing key is the caller's mistake.
	req = httptest.NewRequest(http.MethodPost, "/api/accounts", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var all []models.Account
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 1)
}

func TestListAccountsReportsPollingStatus(t *testing.T) {
	f := newFixture(nil)

	account, err := f.registry.Create(context.Background(), models.Account{APIKey: "ak_poll"})
	require.NoError(t, err)

	f.polls.polling = map[string]bool{account.ID: true}

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var all []struct {
		ID            string `json:"id"`
		IsLongPolling bool   `json:"is_long_polling"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)
	assert.Equal(t, account.ID, all[0].ID)
	assert.True(t, all[0].IsLongPolling)
}

func TestDeliveryModeRoutes(t *testing.T) {
	f := newFixture(nil)
	handler := f.server.Handler()

	post := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec
	}

	assert.Equal(t, http.StatusNoContent, post("/api/accounts/acct-1/webhook").Code)
	assert.Equal(t, http.StatusNoContent, post("/api/accounts/acct-1/poll/start").Code)
	assert.Equal(t, http.StatusNoContent, post("/api/accounts/acct-1/poll/stop").Code)

	f.polls.err = poll.ErrAlreadyPolling
	assert.Equal(t, http.StatusConflict, post("/api/accounts/acct-1/poll/start").Code)

	f.polls.err = poll.ErrStoppingInProgress
	assert.Equal(t, http.StatusConflict, post("/api/accounts/acct-1/poll/start").Code)

	f.polls.err = &cloud.Error{Status: http.StatusInternalServerError, Body: "boom"}
	assert.Equal(t, http.StatusBadGateway, post("/api/accounts/acct-1/webhook").Code)

	f.polls.err = accounts.ErrNotFound
	assert.Equal(t, http.StatusNotFound, post("/api/accounts/acct-1/webhook").Code)

	f.polls.err = nil
	assert.Equal(t,
		[]string{"webhook:acct-1", "start:acct-1", "stop:acct-1", "start:acct-1", "start:acct-1", "webhook:acct-1", "webhook:acct-1"},
		f.polls.calls)
}
