// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/efchatnet/eflink/backend/contacts"
	"github.com/efchatnet/eflink/backend/logger"
	"github.com/efchatnet/eflink/backend/messages"
	"github.com/efchatnet/eflink/backend/middleware"
	"github.com/efchatnet/eflink/backend/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamHandler pushes live rosters and message logs over websockets
type StreamHandler struct {
	contacts *contacts.Service
	log      *messages.Log
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new stream handler. With no origins every
// origin is accepted.
func NewStreamHandler(svc *contacts.Service, messageLog *messages.Log, origins []string) *StreamHandler {
	return &StreamHandler{
		contacts: svc,
		log:      messageLog,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(origins) == 0 || origin == "" || slices.Contains(origins, origin)
			},
		},
	}
}

// RosterFrame is one roster snapshot
type RosterFrame struct {
	Contacts []models.ContactLink `json:"contacts"`
}

// RosterStream streams the caller's roster snapshots
// GET /api/link/contacts/stream
func (h *StreamHandler) RosterStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	st, err := h.contacts.SubscribeRoster(ctx, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer st.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(ctx).Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	serve(ctx, cancel, conn, st.C(), st.Err, func(links []models.ContactLink) any {
		return RosterFrame{Contacts: links}
	})
}

// ChannelStream streams decoded messages of a channel, history first
// GET /api/link/channels/{channelId}/stream?after=0
func (h *StreamHandler) ChannelStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}
	after, _, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	st, err := h.log.SubscribeAs(ctx, mux.Vars(r)["channelId"], userID, after)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer st.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.FromContext(ctx).Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	serve(ctx, cancel, conn, st.C(), st.Err, func(msg models.Message) any {
		return messages.Decoded(msg)
	})
}

// serve writes one JSON frame per item of c until the client goes away or
// c is closed. A stream that ended with an error is closed with 1013 so the
// client knows to reconnect.
func serve[T any](ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c <-chan T, streamErr func() error, frame func(T) any) {
	log := logger.FromContext(ctx)
	go discardReads(conn, cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case v, ok := <-c:
			if !ok {
				code, text := websocket.CloseNormalClosure, ""
				if err := streamErr(); err != nil {
					code, text = websocket.CloseTryAgainLater, "stream unavailable"
					log.Warn("stream ended", slog.Any("error", err))
				}
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame(v)); err != nil {
				log.Debug("websocket write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// discardReads keeps control frames flowing and cancels once the client is gone.
func discardReads(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
