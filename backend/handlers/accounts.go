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

	"github.com/gorilla/mux"

	"github.com/efchatnet/eflink/backend/directory"
	"github.com/efchatnet/eflink/backend/middleware"
)

// AccountHandler serves account profiles and exchange code lookups
type AccountHandler struct {
	directory *directory.Service
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(dir *directory.Service) *AccountHandler {
	return &AccountHandler{directory: dir}
}

// RenameRequest represents a display name change
type RenameRequest struct {
	DisplayName string `json:"display_name" validate:"max=64"`
}

// EnsureAccount returns the caller's profile, issuing an exchange code on first use
// POST /api/link/account
func (h *AccountHandler) EnsureAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	account, err := h.directory.EnsureAccount(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetAccount returns the caller's profile
// GET /api/link/account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	account, err := h.directory.Get(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// Rename changes the caller's display name
// PUT /api/link/account/name
func (h *AccountHandler) Rename(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r)
	if !ok {
		writeUnauthorized(w, r)
		return
	}

	var req RenameRequest
	if err := decodeRequest(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	account, err := h.directory.Rename(r.Context(), userID, req.DisplayName)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ResolveCode returns the public profile holding an exchange code
// GET /api/link/directory/{code}
func (h *AccountHandler) ResolveCode(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserID(r); !ok {
		writeUnauthorized(w, r)
		return
	}

	account, err := h.directory.Resolve(r.Context(), mux.Vars(r)["code"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, account.Ref())
}
