// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/eflink/backend/codec"
	"github.com/efchatnet/eflink/backend/handlers"
	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/middleware"
	"github.com/efchatnet/eflink/backend/models"
	"github.com/efchatnet/eflink/backend/storage"
	"github.com/efchatnet/eflink/backend/storage/badger"
)

var jwtConfig = &middleware.JWTConfig{Secret: "test-secret", Issuer: "efchat"}

type env struct {
	t      *testing.T
	server *httptest.Server
	module *Module
	store  *badger.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := badger.Open("", nil)
	require.NoError(t, err)

	module, err := New(&Config{
		Store:     store,
		JWTSecret: jwtConfig.Secret,
		JWTIssuer: jwtConfig.Issuer,
		Policy:    live.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: time.Second},
	})
	require.NoError(t, err)
	require.NoError(t, module.ValidateSetup(context.Background()))

	router := mux.NewRouter()
	router.HandleFunc("/health", module.Health).Methods("GET")
	module.RegisterRoutes(router, nil)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		_ = store.Close()
	})
	return &env{t: t, server: server, module: module, store: store}
}

func (e *env) token(userID string) string {
	e.t.Helper()
	token, err := middleware.GenerateToken(jwtConfig, userID, time.Hour)
	require.NoError(e.t, err)
	return token
}

// call performs a request as userID and decodes the JSON response into out.
func (e *env) call(userID, method, path string, body any, out any, headers ...string) int {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+PathPrefix+path, reader)
	require.NoError(e.t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(userID))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) account(userID string) models.Account {
	e.t.Helper()
	var account models.Account
	require.Equal(e.t, http.StatusOK, e.call(userID, http.MethodPost, "/account", nil, &account))
	return account
}

func (e *env) dial(userID, path string) *websocket.Conn {
	e.t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + PathPrefix + path
	header := http.Header{"Authorization": []string{"Bearer " + e.token(userID)}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(e.t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame[T any](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var v T
	require.NoError(t, conn.ReadJSON(&v))
	return v
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&Config{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	store, err := badger.Open("", nil)
	require.NoError(t, err)
	defer store.Close()
	module, err := New(&Config{Store: store})
	require.NoError(t, err)
	require.ErrorAs(t, module.ValidateSetup(context.Background()), &vErr)
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, e.store.Close())
	resp, err = http.Get(e.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAccountEndpoints(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)

	var errResp handlers.ErrorResponse
	req.Equal(http.StatusUnauthorized, e.call("", http.MethodGet, "/account", nil, nil))
	req.Equal(http.StatusNotFound, e.call("acc-a", http.MethodGet, "/account", nil, &errResp))
	req.Equal("account_not_found", errResp.Code)

	created := e.account("acc-a")
	req.NotEmpty(created.ExchangeCode)
	req.Equal(created.ExchangeCode, e.account("acc-a").ExchangeCode)

	var renamed models.Account
	req.Equal(http.StatusOK, e.call("acc-a", http.MethodPut, "/account/name", handlers.RenameRequest{DisplayName: "Ana"}, &renamed))
	req.Equal("Ana", renamed.DisplayName)
	req.Equal(http.StatusBadRequest, e.call("acc-a", http.MethodPut, "/account/name", handlers.RenameRequest{DisplayName: " "}, &errResp))
	req.Equal("empty_display_name", errResp.Code)

	var ref models.AccountRef
	req.Equal(http.StatusOK, e.call("acc-b", http.MethodGet, "/directory/"+strings.ToLower(created.ExchangeCode), nil, &ref))
	req.Equal(models.AccountRef{AccountID: "acc-a", DisplayName: "Ana"}, ref)

	unknown := "LUA-999"
	if created.ExchangeCode == unknown {
		unknown = "LUA-998"
	}
	req.Equal(http.StatusNotFound, e.call("acc-b", http.MethodGet, "/directory/"+unknown, nil, &errResp))
	req.Equal("code_not_found", errResp.Code)
	req.Equal("Código de Amigo não encontrado.", errResp.Message)
}

func TestLinkAndMessageFlow(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	a := e.account("acc-a")
	b := e.account("acc-b")

	var errResp handlers.ErrorResponse
	req.Equal(http.StatusConflict, e.call("acc-a", http.MethodPost, "/contacts", handlers.LinkRequest{Code: " " + strings.ToLower(a.ExchangeCode)}, &errResp))
	req.Equal("self_link", errResp.Code)
	req.Equal("Não pode adicionar a si mesmo.", errResp.Message)

	req.Equal(http.StatusConflict, e.call("acc-a", http.MethodPost, "/contacts", handlers.LinkRequest{Code: a.ExchangeCode}, &errResp, "Accept-Language", "en-US,en;q=0.9"))
	req.Equal("You cannot add yourself.", errResp.Message)

	req.Equal(http.StatusBadRequest, e.call("acc-a", http.MethodPost, "/contacts", handlers.LinkRequest{Code: "  "}, &errResp))
	req.Equal("empty_code", errResp.Code)

	var link models.ContactLink
	req.Equal(http.StatusCreated, e.call("acc-a", http.MethodPost, "/contacts", handlers.LinkRequest{Code: b.ExchangeCode}, &link))
	req.Equal("acc-b", link.PeerID)

	req.Equal(http.StatusConflict, e.call("acc-b", http.MethodPost, "/contacts", handlers.LinkRequest{Code: a.ExchangeCode}, &errResp))
	req.Equal("duplicate_link", errResp.Code)

	var roster struct {
		Contacts []models.ContactLink `json:"contacts"`
		Count    int                  `json:"count"`
	}
	req.Equal(http.StatusOK, e.call("acc-b", http.MethodGet, "/contacts", nil, &roster))
	req.Equal(1, roster.Count)
	req.Equal(link.ChannelID, roster.Contacts[0].ChannelID)

	path := "/channels/" + link.ChannelID + "/messages"
	var sent models.DecodedMessage
	req.Equal(http.StatusCreated, e.call("acc-a", http.MethodPost, path, handlers.AppendRequest{Text: "Hello"}, &sent))
	req.Equal("Hello", sent.Text)
	req.Equal(http.StatusCreated, e.call("acc-b", http.MethodPost, path, handlers.AppendRequest{Text: "Olá"}, &sent))

	req.Equal(http.StatusBadRequest, e.call("acc-a", http.MethodPost, path, handlers.AppendRequest{Text: " "}, &errResp))
	req.Equal("empty_message", errResp.Code)
	e.account("acc-c")
	req.Equal(http.StatusForbidden, e.call("acc-c", http.MethodPost, path, handlers.AppendRequest{Text: "hi"}, &errResp))
	req.Equal("not_participant", errResp.Code)
	req.Equal(http.StatusForbidden, e.call("acc-c", http.MethodGet, path, nil, &errResp))
	req.Equal(http.StatusNotFound, e.call("acc-a", http.MethodPost, "/channels/nope/messages", handlers.AppendRequest{Text: "hi"}, &errResp))
	req.Equal("channel_not_found", errResp.Code)

	var history struct {
		Messages []models.DecodedMessage `json:"messages"`
		Count    int                     `json:"count"`
	}
	req.Equal(http.StatusOK, e.call("acc-b", http.MethodGet, path, nil, &history))
	req.Equal(2, history.Count)
	req.Equal("Hello", history.Messages[0].Text)
	req.Equal("Olá", history.Messages[1].Text)

	req.Equal(http.StatusOK, e.call("acc-b", http.MethodGet, path+"?limit=1&after="+itoa(history.Messages[0].Seq), nil, &history))
	req.Equal(1, history.Count)
	req.Equal("Olá", history.Messages[0].Text)
	req.Equal(http.StatusBadRequest, e.call("acc-b", http.MethodGet, path+"?after=x", nil, &errResp))

	doc, err := e.store.Get(context.Background(), storage.MessagesCollection(link.ChannelID), sent.MessageID)
	req.NoError(err)
	var stored models.Message
	req.NoError(doc.Decode(&stored))
	req.Equal(codec.Encode("Olá"), stored.StoredPayload)
}

func TestStreams(t *testing.T) {
	req := require.New(t)
	e := newEnv(t)
	e.account("acc-a")
	b := e.account("acc-b")

	rosterB := e.dial("acc-b", "/contacts/stream")
	req.Empty(readFrame[handlers.RosterFrame](t, rosterB).Contacts)

	var link models.ContactLink
	req.Equal(http.StatusCreated, e.call("acc-a", http.MethodPost, "/contacts", handlers.LinkRequest{Code: b.ExchangeCode}, &link))

	frame := readFrame[handlers.RosterFrame](t, rosterB)
	req.Len(frame.Contacts, 1)
	req.Equal("acc-a", frame.Contacts[0].PeerID)
	req.Equal(link.ChannelID, frame.Contacts[0].ChannelID)

	path := "/channels/" + link.ChannelID
	req.Equal(http.StatusCreated, e.call("acc-a", http.MethodPost, path+"/messages", handlers.AppendRequest{Text: "first"}, nil))

	chanA := e.dial("acc-a", path+"/stream")
	chanB := e.dial("acc-b", path+"/stream")
	req.Equal("first", readFrame[models.DecodedMessage](t, chanA).Text)
	req.Equal("first", readFrame[models.DecodedMessage](t, chanB).Text)

	req.Equal(http.StatusCreated, e.call("acc-b", http.MethodPost, path+"/messages", handlers.AppendRequest{Text: "second"}, nil))
	req.Equal("second", readFrame[models.DecodedMessage](t, chanA).Text)
	req.Equal("second", readFrame[models.DecodedMessage](t, chanB).Text)
}

func TestStreamRefusesOutsiders(t *testing.T) {
	e := newEnv(t)
	e.account("acc-a")
	b := e.account("acc-b")
	e.account("acc-c")

	var link models.ContactLink
	require.Equal(t, http.StatusCreated, e.call("acc-a", http.MethodPost, "/contacts", handlers.LinkRequest{Code: b.ExchangeCode}, &link))

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + PathPrefix + "/channels/" + link.ChannelID + "/stream"
	header := http.Header{"Authorization": []string{"Bearer " + e.token("acc-c")}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
