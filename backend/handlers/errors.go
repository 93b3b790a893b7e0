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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"

	"github.com/efchatnet/eflink/backend/contacts"
	"github.com/efchatnet/eflink/backend/directory"
	"github.com/efchatnet/eflink/backend/logger"
	"github.com/efchatnet/eflink/backend/messages"
	"github.com/efchatnet/eflink/backend/storage"
)

var validate = validator.New()

// errInvalidRequest marks bodies that fail to decode or validate.
var errInvalidRequest = errors.New("invalid request")

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Portuguese is the default language.
var (
	languages = []language.Tag{language.Portuguese, language.English}
	matcher   = language.NewMatcher(languages)
)

var errorMessages = map[string][2]string{
	"invalid_request":    {"Pedido inválido.", "Invalid request."},
	"unauthorized":       {"Não autenticado.", "Not authenticated."},
	"empty_code":         {"Insira um Código de Amigo.", "Enter a friend code."},
	"empty_message":      {"A mensagem está vazia.", "The message is empty."},
	"invalid_message":    {"A mensagem contém texto inválido.", "The message contains invalid text."},
	"empty_display_name": {"O nome não pode estar vazio.", "The name cannot be empty."},
	"code_not_found":     {"Código de Amigo não encontrado.", "Friend code not found."},
	"account_not_found":  {"Conta não encontrada.", "Account not found."},
	"channel_not_found":  {"Conversa não encontrada.", "Conversation not found."},
	"link_not_found":     {"Contacto não encontrado.", "Contact not found."},
	"not_participant":    {"Não participa nesta conversa.", "You are not part of this conversation."},
	"self_link":          {"Não pode adicionar a si mesmo.", "You cannot add yourself."},
	"duplicate_link":     {"Este contacto já foi adicionado.", "This contact was already added."},
	"unavailable":        {"Serviço indisponível, tente novamente.", "Service unavailable, please retry."},
	"internal":           {"Erro interno.", "Internal error."},
}

// classify maps a core error to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, directory.ErrEmptyAccountID),
		errors.Is(err, messages.ErrEmptyChannelID):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, directory.ErrEmptyCode):
		return http.StatusBadRequest, "empty_code"
	case errors.Is(err, messages.ErrEmptyMessage):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, messages.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_message"
	case errors.Is(err, directory.ErrEmptyDisplayName):
		return http.StatusBadRequest, "empty_display_name"
	case errors.Is(err, directory.ErrNotFound):
		return http.StatusNotFound, "code_not_found"
	case errors.Is(err, directory.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	case errors.Is(err, messages.ErrChannelNotFound):
		return http.StatusNotFound, "channel_not_found"
	case errors.Is(err, contacts.ErrLinkNotFound):
		return http.StatusNotFound, "link_not_found"
	case errors.Is(err, messages.ErrNotParticipant):
		return http.StatusForbidden, "not_participant"
	case errors.Is(err, contacts.ErrSelfLink):
		return http.StatusConflict, "self_link"
	case errors.Is(err, contacts.ErrDuplicateLink):
		return http.StatusConflict, "duplicate_link"
	case errors.Is(err, directory.ErrCodeSpaceExhausted),
		errors.Is(err, storage.ErrTransactionAborted),
		errors.Is(err, storage.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// localize returns the message for code in the language preferred by r.
func localize(r *http.Request, code string) string {
	texts, ok := errorMessages[code]
	if !ok {
		texts = errorMessages["internal"]
	}
	tags, _, _ := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	_, index, _ := matcher.Match(tags...)
	return texts[index]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs server-side failures through the request logger and writes
// the localized error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: localize(r, code)})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusUnauthorized, ErrorResponse{Code: "unauthorized", Message: localize(r, "unauthorized")})
}

// decodeRequest decodes a JSON body into v and validates its struct tags.
func decodeRequest(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidRequest, err)
	}
	return nil
}
