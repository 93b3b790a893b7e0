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

// Package integration embeds eflink into an existing gorilla/mux router.
package integration

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/eflink/backend/contacts"
	"github.com/efchatnet/eflink/backend/directory"
	"github.com/efchatnet/eflink/backend/handlers"
	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/logger"
	"github.com/efchatnet/eflink/backend/messages"
	"github.com/efchatnet/eflink/backend/middleware"
	"github.com/efchatnet/eflink/backend/storage"
)

// PathPrefix is where RegisterRoutes mounts the API.
const PathPrefix = "/api/link"

// Module provides contact linking and channel messaging as a plugin for efchat
type Module struct {
	store     storage.Store
	logger    *slog.Logger
	httpLog   *slog.Logger
	directory *directory.Service
	contacts  *contacts.Service
	messages  *messages.Log

	accountHandler *handlers.AccountHandler
	contactHandler *handlers.ContactHandler
	messageHandler *handlers.MessageHandler
	streamHandler  *handlers.StreamHandler

	jwtSecret string
	jwtIssuer string
}

// Config holds configuration for the module
type Config struct {
	Store     storage.Store
	Logger    *slog.Logger
	JWTSecret string
	JWTIssuer string
	// Origins accepted for websocket upgrades; empty accepts any.
	Origins []string
	// Policy bounds resubscription of live streams; zero uses live.DefaultPolicy.
	Policy live.Policy
}

// New creates a module that can be embedded into efchat
func New(config *Config) (*Module, error) {
	if config == nil || config.Store == nil {
		return nil, &ValidationError{Message: "document store is not configured"}
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	policy := config.Policy
	if policy == (live.Policy{}) {
		policy = live.DefaultPolicy()
	}

	dir := directory.NewService(log, config.Store)
	linker := contacts.NewService(log, config.Store, dir, contacts.WithPolicy(policy))
	messageLog := messages.NewLog(log, config.Store, messages.WithPolicy(policy))
	httpLog := log.With(slog.String("component", "http"))

	return &Module{
		store:          config.Store,
		logger:         log,
		httpLog:        httpLog,
		directory:      dir,
		contacts:       linker,
		messages:       messageLog,
		accountHandler: handlers.NewAccountHandler(dir),
		contactHandler: handlers.NewContactHandler(linker),
		messageHandler: handlers.NewMessageHandler(messageLog),
		streamHandler:  handlers.NewStreamHandler(linker, messageLog, config.Origins),
		jwtSecret:      config.JWTSecret,
		jwtIssuer:      config.JWTIssuer,
	}, nil
}

// RegisterRoutes adds the API routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (m *Module) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix(PathPrefix).Subrouter()
	api.Use(m.requestLogger)

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(m.jwtSecret, m.jwtIssuer))
	}

	// Account endpoints
	api.HandleFunc("/account", m.accountHandler.EnsureAccount).Methods("POST", "OPTIONS")
	api.HandleFunc("/account", m.accountHandler.GetAccount).Methods("GET", "OPTIONS")
	api.HandleFunc("/account/name", m.accountHandler.Rename).Methods("PUT", "OPTIONS")
	api.HandleFunc("/directory/{code}", m.accountHandler.ResolveCode).Methods("GET", "OPTIONS")

	// Contact endpoints
	api.HandleFunc("/contacts", m.contactHandler.LinkByCode).Methods("POST", "OPTIONS")
	api.HandleFunc("/contacts", m.contactHandler.Roster).Methods("GET", "OPTIONS")
	api.HandleFunc("/contacts/stream", m.streamHandler.RosterStream).Methods("GET")

	// Channel endpoints
	api.HandleFunc("/channels/{channelId}/messages", m.messageHandler.Append).Methods("POST", "OPTIONS")
	api.HandleFunc("/channels/{channelId}/messages", m.messageHandler.History).Methods("GET", "OPTIONS")
	api.HandleFunc("/channels/{channelId}/stream", m.streamHandler.ChannelStream).Methods("GET")
}

// requestLogger attaches the module logger to each request; the auth
// middleware narrows it to the caller.
func (m *Module) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), m.httpLog)))
	})
}

// Health reports whether the document store is reachable
// GET /health
func (m *Module) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := m.ping(ctx); err != nil {
		m.logger.Warn("health check failed", slog.Any("error", err))
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (m *Module) ping(ctx context.Context) error {
	if p, ok := m.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// ValidateSetup checks if the module is properly configured
func (m *Module) ValidateSetup(ctx context.Context) error {
	if err := m.ping(ctx); err != nil {
		return err
	}
	if m.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}
	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Service getters for bridge integration
func (m *Module) Directory() *directory.Service {
	return m.directory
}

func (m *Module) Contacts() *contacts.Service {
	return m.contacts
}

func (m *Module) Messages() *messages.Log {
	return m.messages
}
