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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/PelionIoT/ref-wem/pkg/accounts"
	"github.com/PelionIoT/ref-wem/pkg/models"
	"github.com/PelionIoT/ref-wem/pkg/notify"
)

// handleWebhook receives push notifications from the cloud. The cloud
// presents the per-account bearer token we registered with the callback;
// that token alone identifies the account.
//
// Status codes are part of the contract with the cloud: a missing header
// is 401, a malformed one 400, an unknown token 403, and anything the
// dispatcher does not recognize 400 so the cloud backs off instead of
// retrying forever.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		w.WriteHeader(http.StatusUnauthorized)

		return
	}

	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	_, auth, err := s.tokens.GetByWebhookToken(r.Context(), token)

	switch {
	case errors.Is(err, accounts.ErrNotFound):
		w.WriteHeader(http.StatusForbidden)

		return
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to resolve webhook token")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	var batch models.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		w.WriteHeader(http.StatusBadRequest)

		return
	}

	if err := s.handler.HandleBatch(r.Context(), auth, batch); err != nil {
		if errors.Is(err, notify.ErrUnrecognizedBatchKey) {
			s.logger.Warn().Err(err).Str("account", auth.AccountID).Msg("Webhook carried unrecognized data")
			w.WriteHeader(http.StatusBadRequest)

			return
		}

		s.logger.Error().Err(err).Str("account", auth.AccountID).Msg("Failed to handle webhook batch")
		w.WriteHeader(http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusOK)
}
