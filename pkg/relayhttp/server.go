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

// Package relayhttp is the relay's HTTP surface: the cloud-facing webhook
// receiver, the browser-facing websocket and cache endpoints, and the
// admin routes that manage accounts and their delivery mode.
package relayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/PelionIoT/ref-wem/pkg/accounts"
	"github.com/PelionIoT/ref-wem/pkg/cloud"
	"github.com/PelionIoT/ref-wem/pkg/logger"
	"github.com/PelionIoT/ref-wem/pkg/models"
	"github.com/PelionIoT/ref-wem/pkg/poll"
)

const (
	defaultReadTimeout       = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// Server routes the relay's HTTP endpoints.
type Server struct {
	accounts AccountAdmin
	tokens   TokenSource
	handler  BatchHandler
	boards   BoardCache
	events   EventSource
	polls    PollControl
	logger   logger.Logger

	router *mux.Router
	srv    *http.Server
}

// NewServer wires the routes. All dependencies are required.
func NewServer(accountAdmin AccountAdmin, tokens TokenSource, handler BatchHandler,
	boards BoardCache, events EventSource, polls PollControl, log logger.Logger) *Server {
	s := &Server{
		accounts: accountAdmin,
		tokens:   tokens,
		handler:  handler,
		boards:   boards,
		events:   events,
		polls:    polls,
		logger:   log.WithComponent("http"),
		router:   mux.NewRouter(),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/live-device/webhook", s.handleWebhook).Methods(http.MethodPut)
	s.router.HandleFunc("/live-device/ws", s.handleWebsocket).Methods(http.MethodGet)
	s.router.HandleFunc("/live-device/cache", s.handleCache).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/api").Subrouter()
	admin.HandleFunc("/accounts", s.createAccount).Methods(http.MethodPost)
	admin.HandleFunc("/accounts", s.listAccounts).Methods(http.MethodGet)
	admin.HandleFunc("/accounts/{id}/webhook", s.registerWebhook).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/poll/start", s.startPolling).Methods(http.MethodPost)
	admin.HandleFunc("/accounts/{id}/poll/stop", s.stopPolling).Methods(http.MethodPost)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       defaultReadTimeout,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		// WriteTimeout stays zero: it would sever long-lived websocket
		// streams.
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")

	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}

	return s.srv.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug().
			Str("remote_addr", r.RemoteAddr).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request received")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	data, err := s.boards.BoardData(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read board cache")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	s.writeJSON(w, data)
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var account models.Account
	if err := json.NewDecoder(r.Body).Decode(&account); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)

		return
	}

	created, err := s.accounts.Create(r.Context(), account)

	switch {
	case errors.Is(err, accounts.ErrDuplicateAPIKey):
		http.Error(w, err.Error(), http.StatusConflict)

		return
	case errors.Is(err, accounts.ErrMissingAPIKey):
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to create account")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)

	if err := json.NewEncoder(w).Encode(created); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode account")
	}
}

// accountStatus is an account plus its live delivery state.
type accountStatus struct {
	models.Account
	IsLongPolling bool `json:"is_long_polling"`
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	all, err := s.accounts.List(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list accounts")
		http.Error(w, "Internal server error", http.StatusInternalServerError)

		return
	}

	statuses := make([]accountStatus, 0, len(all))

	for _, account := range all {
		polling, err := s.polls.IsLongPolling(r.Context(), account.ID)
		if err != nil {
			// The claim is advisory; report the account anyway.
			s.logger.Warn().Err(err).Str("account", account.ID).Msg("Failed to read polling claim")
		}

		statuses = append(statuses, accountStatus{Account: account, IsLongPolling: polling})
	}

	s.writeJSON(w, statuses)
}

func (s *Server) registerWebhook(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	if err := s.polls.SetWebhookCallback(r.Context(), accountID); err != nil {
		s.writePollError(w, accountID, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startPolling(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	if err := s.polls.StartLongPolling(r.Context(), accountID); err != nil {
		s.writePollError(w, accountID, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stopPolling(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	if err := s.polls.StopLongPolling(r.Context(), accountID); err != nil {
		s.writePollError(w, accountID, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writePollError maps delivery-mode errors onto status codes: lifecycle
// conflicts are the caller's to resolve (409), upstream cloud failures are
// reported as a bad gateway (502).
func (s *Server) writePollError(w http.ResponseWriter, accountID string, err error) {
	s.logger.Error().Err(err).Str("account", accountID).Msg("Delivery mode change failed")

	switch {
	case errors.Is(err, poll.ErrAlreadyPolling), errors.Is(err, poll.ErrStoppingInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, accounts.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		var cloudErr *cloud.Error
		if errors.As(err, &cloudErr) || errors.Is(err, cloud.ErrTimeout) {
			http.Error(w, "Upstream cloud request failed", http.StatusBadGateway)

			return
		}

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
