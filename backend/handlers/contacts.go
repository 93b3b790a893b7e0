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

	"github.com/efchatnet/eflink/backend/contacts"
	"github.com/efchatnet/eflink/backend/middleware"
)

// ContactHandler links accounts and lists rosters
type ContactHandler struct {
	contacts *contacts.Service
}

// NewContactHandler creates a new contact handler
func NewContactHandler(svc *contacts.Service) *ContactHandler {
	return &ContactHandler{contacts: svc}
}

// LinkRequest carries the exchange code of the account to link
type LinkRequest struct {
	Code string `json:"code" validate:"max=64"`
}

// LinkByCode links the caller with the holder of an exchange code
// POST /api/link/contacts
func (h *ContactHandler) LinkByCode(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	var req LinkRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	link, err := h.contacts.LinkByCode(r.Context(), userID, req.Code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

// Roster lists the caller's contacts
// GET /api/link/contacts
func (h *ContactHandler) Roster(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	links, err := h.contacts.Roster(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contacts": links,
		"count":    len(links),
	})
}
