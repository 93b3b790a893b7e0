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
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/efchatnet/eflink/backend/messages"
	"github.com/efchatnet/eflink/backend/middleware"
	"github.com/efchatnet/eflink/backend/models"
)

const maxHistoryLimit = 500

// MessageHandler appends to and reads channel message logs
type MessageHandler struct {
	log *messages.Log
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(messageLog *messages.Log) *MessageHandler {
	return &MessageHandler{log: messageLog}
}

// AppendRequest carries the plain text of a new message
type AppendRequest struct {
	Text string `json:"text" validate:"max=4096"`
}

// Append adds a message to a channel
// POST /api/link/channels/{channelId}/messages
func (h *MessageHandler) Append(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	var req AppendRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := h.log.Append(r.Context(), mux.Vars(r)["channelId"], userID, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, messages.Decoded(msg))
}

// History returns decoded messages of a channel in log order
// GET /api/link/channels/{channelId}/messages?after=0&limit=100
func (h *MessageHandler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	channelID := mux.Vars(r)["channelId"]
	channel, err := h.log.Channel(r.Context(), channelID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !channel.HasParticipant(userID) {
		writeError(w, r, messages.ErrNotParticipant)
		return
	}

	msgs, err := h.log.History(r.Context(), channelID, after, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": lo.Map(msgs, func(m models.Message, _ int) models.DecodedMessage { return messages.Decoded(m) }),
		"count":    len(msgs),
	})
}

func pageParams(r *http.Request) (int64, int, error) {
	var after int64
	var limit int
	q := r.URL.Query()
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, 0, errInvalidRequest
		}
		after = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errInvalidRequest
		}
		limit = min(n, maxHistoryLimit)
	}
	return after, limit, nil
}
