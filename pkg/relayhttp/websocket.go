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
	"context"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay sits behind the site's TLS terminator, which enforces the
	// origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebsocket streams sensor events to a browser: the full cache
// snapshot first, then live updates, one JSON event per message.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade to websocket")

		return
	}

	defer conn.Close()

	sub, err := s.events.Subscribe(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to subscribe websocket client")

		return
	}

	defer s.events.Unsubscribe(sub)

	s.logger.Debug().Str("remote_addr", r.RemoteAddr).Msg("Websocket client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go discardClientMessages(conn, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}

			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket client gone")

				return
			}
		}
	}
}

// discardClientMessages drains the read side so pings are answered and a
// client close ends the stream.
func discardClientMessages(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
