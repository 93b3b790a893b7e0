// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package contacts

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/eflink/backend/directory"
	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/models"
	"github.com/efchatnet/eflink/backend/storage"
	"github.com/efchatnet/eflink/backend/storage/badger"
)

var ctx = context.Background()

var fast = live.Policy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: 2 * time.Second}

type fixture struct {
	store *breakableStore
	dir   *directory.Service
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := badger.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := &breakableStore{Store: db}
	dir := directory.NewService(nil, store)
	return &fixture{store: store, dir: dir, svc: NewService(nil, store, dir, WithPolicy(fast))}
}

func (f *fixture) account(t *testing.T, id string) models.Account {
	t.Helper()
	account, err := f.dir.EnsureAccount(ctx, id)
	require.NoError(t, err)
	return account
}

// breakableStore can drop every open subscription to simulate a lost
// connection, and abort batches before they reach the store.
type breakableStore struct {
	*badger.Store
	mu       sync.Mutex
	subs     []storage.Subscription
	lists    atomic.Int32
	batchErr error
}

func (b *breakableStore) AtomicBatch(ctx context.Context, ops []storage.Op) ([]storage.Document, error) {
	b.mu.Lock()
	err := b.batchErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.Store.AtomicBatch(ctx, ops)
}

func (b *breakableStore) failBatches(err error) {
	b.mu.Lock()
	b.batchErr = err
	b.mu.Unlock()
}

func (b *breakableStore) List(ctx context.Context, collection string, afterSeq int64, limit int) ([]storage.Document, error) {
	if afterSeq == 0 && limit == 0 {
		b.lists.Add(1)
	}
	return b.Store.List(ctx, collection, afterSeq, limit)
}

func (b *breakableStore) Subscribe(ctx context.Context, collection string, afterSeq int64) (storage.Subscription, error) {
	sub, err := b.Store.Subscribe(ctx, collection, afterSeq)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *breakableStore) dropSubscriptions() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}

func next(t *testing.T, st *RosterStream) []models.ContactLink {
	t.Helper()
	select {
	case links, ok := <-st.C():
		require.True(t, ok, "roster stream closed: %v", st.Err())
		return links
	case <-time.After(2 * time.Second):
		t.Fatalf("no roster snapshot")
		return nil
	}
}

func TestLinkByCode(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	link, err := f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.NoError(err)
	req.Equal("acc-a", link.OwnerID)
	req.Equal("acc-b", link.PeerID)
	req.Equal(b.DisplayName, link.PeerDisplayName)
	req.NotEmpty(link.ChannelID)
	req.False(link.CreatedAt.IsZero())

	back, err := f.svc.Link(ctx, "acc-b", "acc-a")
	req.NoError(err)
	req.Equal(link.ChannelID, back.ChannelID)
	req.Equal(a.DisplayName, back.PeerDisplayName)

	doc, err := f.store.Get(ctx, storage.ChannelsCollection, link.ChannelID)
	req.NoError(err)
	var channel models.Channel
	req.NoError(doc.Decode(&channel))
	req.True(channel.HasParticipant("acc-a"))
	req.True(channel.HasParticipant("acc-b"))

	rosterA, err := f.svc.Roster(ctx, "acc-a")
	req.NoError(err)
	req.Len(rosterA, 1)
	rosterB, err := f.svc.Roster(ctx, "acc-b")
	req.NoError(err)
	req.Len(rosterB, 1)
	req.Equal(link.ChannelID, rosterB[0].ChannelID)
}

func TestLinkByCodeRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	a := f.account(t, "acc-a")

	unknown := "LUA-999"
	if a.ExchangeCode == unknown {
		unknown = "LUA-998"
	}

	tests := []struct {
		name string
		code string
		want error
	}{
		{"blank", "  \t", directory.ErrEmptyCode},
		{"unknown", unknown, directory.ErrNotFound},
		{"own code", a.ExchangeCode, ErrSelfLink},
		{"own code lowercase", strings.ToLower(a.ExchangeCode), ErrSelfLink},
		{"own code padded", "  " + strings.ToLower(a.ExchangeCode) + "\n", ErrSelfLink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.LinkByCode(ctx, "acc-a", tt.code)
			require.ErrorIs(t, err, tt.want)
		})
	}

	roster, err := f.svc.Roster(ctx, "acc-a")
	require.NoError(t, err)
	require.Empty(t, roster)
}

func TestLinkByCodeWithoutProfile(t *testing.T) {
	f := newFixture(t)
	b := f.account(t, "acc-b")

	_, err := f.svc.LinkByCode(ctx, "ghost", b.ExchangeCode)
	require.ErrorIs(t, err, directory.ErrAccountNotFound)

	channels, err := f.store.List(ctx, storage.ChannelsCollection, 0, 0)
	require.NoError(t, err)
	require.Empty(t, channels)
}

func TestLinkByCodeDuplicate(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	_, err := f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.NoError(err)

	_, err = f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.ErrorIs(err, ErrDuplicateLink)
	_, err = f.svc.LinkByCode(ctx, "acc-b", a.ExchangeCode)
	req.ErrorIs(err, ErrDuplicateLink)
}

func TestConcurrentLinkingCreatesOneChannel(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	a := f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	const attempts = 16
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			requester, code := "acc-a", b.ExchangeCode
			if i%2 == 1 {
				requester, code = "acc-b", a.ExchangeCode
			}
			_, err := f.svc.LinkByCode(ctx, requester, code)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrDuplicateLink)
		}(i)
	}
	wg.Wait()

	req.EqualValues(1, wins.Load())
	channels, err := f.store.List(ctx, storage.ChannelsCollection, 0, 0)
	req.NoError(err)
	req.Len(channels, 1)
	for _, owner := range []string{"acc-a", "acc-b"} {
		roster, err := f.svc.Roster(ctx, owner)
		req.NoError(err)
		req.Len(roster, 1)
		req.Equal(channels[0].ID, roster[0].ChannelID)
	}
}

func TestRenameKeepsLinkSnapshot(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	_, err := f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.NoError(err)
	_, err = f.dir.Rename(ctx, "acc-b", "Bruno")
	req.NoError(err)

	link, err := f.svc.Link(ctx, "acc-a", "acc-b")
	req.NoError(err)
	req.Equal(b.DisplayName, link.PeerDisplayName)

	_, err = f.svc.Link(ctx, "acc-a", "acc-c")
	req.ErrorIs(err, ErrLinkNotFound)
}

func TestRosterOrder(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")
	for _, id := range []string{"acc-d", "acc-b", "acc-c"} {
		peer := f.account(t, id)
		_, err := f.svc.LinkByCode(ctx, "acc-a", peer.ExchangeCode)
		req.NoError(err)
	}

	roster, err := f.svc.Roster(ctx, "acc-a")
	req.NoError(err)
	req.Len(roster, 3)
	for i := 1; i < len(roster); i++ {
		req.False(roster[i].CreatedAt.Before(roster[i-1].CreatedAt))
	}
}

func TestSortLinks(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	links := []models.ContactLink{
		{PeerID: "z", CreatedAt: t0.Add(time.Second)},
		{PeerID: "b", CreatedAt: t0},
		{PeerID: "a", CreatedAt: t0},
	}
	sortLinks(links)
	assert.Equal(t, []string{"a", "b", "z"}, []string{links[0].PeerID, links[1].PeerID, links[2].PeerID})
}

func TestSubscribeRosterBothSidesUpdate(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	streamA, err := f.svc.SubscribeRoster(ctx, "acc-a")
	req.NoError(err)
	defer streamA.Close()
	streamB, err := f.svc.SubscribeRoster(ctx, "acc-b")
	req.NoError(err)
	defer streamB.Close()

	req.Empty(next(t, streamA))
	req.Empty(next(t, streamB))

	link, err := f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.NoError(err)

	gotA := next(t, streamA)
	req.Len(gotA, 1)
	req.Equal("acc-b", gotA[0].PeerID)
	req.Equal(link.ChannelID, gotA[0].ChannelID)

	gotB := next(t, streamB)
	req.Len(gotB, 1)
	req.Equal("acc-a", gotB[0].PeerID)
	req.Equal(link.ChannelID, gotB[0].ChannelID)
}

func TestSubscribeRosterKeepsLatestSnapshot(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")

	st, err := f.svc.SubscribeRoster(ctx, "acc-a")
	req.NoError(err)
	defer st.Close()

	for _, id := range []string{"acc-b", "acc-c", "acc-d"} {
		peer := f.account(t, id)
		_, err := f.svc.LinkByCode(ctx, "acc-a", peer.ExchangeCode)
		req.NoError(err)
	}

	received := 0
	req.Eventually(func() bool {
		select {
		case links := <-st.C():
			received++
			return len(links) == 3
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	req.LessOrEqual(received, 4)
}

func TestSubscribeRosterResubscribesWithFreshSnapshot(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	st, err := f.svc.SubscribeRoster(ctx, "acc-a")
	req.NoError(err)
	defer st.Close()
	req.Empty(next(t, st))
	listed := f.store.lists.Load()

	f.store.dropSubscriptions()
	_, err = f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.NoError(err)

	req.Eventually(func() bool {
		select {
		case links := <-st.C():
			return len(links) == 1
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	req.Greater(f.store.lists.Load(), listed, "resubscribe reads a fresh roster")
}

func TestRosterStreamClose(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")

	_, err := f.svc.SubscribeRoster(ctx, " ")
	req.ErrorIs(err, directory.ErrEmptyAccountID)

	st, err := f.svc.SubscribeRoster(ctx, "acc-a")
	req.NoError(err)
	st.Close()
	st.Close()

	_, ok := <-st.C()
	req.False(ok)
	req.NoError(st.Err())
}

func TestLinkByCodeAbortedIsRetryable(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	f.store.failBatches(fmt.Errorf("commit: %w", storage.ErrTransactionAborted))
	_, err := f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.ErrorIs(err, storage.ErrTransactionAborted)
	req.NotErrorIs(err, ErrDuplicateLink)

	f.store.failBatches(nil)
	link, err := f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.NoError(err)
	req.Equal("acc-b", link.PeerID)
}

func TestLinkByCodeLateFailureWritesNothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.account(t, "acc-a")
	b := f.account(t, "acc-b")

	// A stale link on the peer side makes the last create of the batch fail.
	stale, err := storage.NewOp(storage.ContactsCollection("acc-b"), "acc-a", models.ContactLink{OwnerID: "acc-b", PeerID: "acc-a", ChannelID: "ch-stale"}, true)
	req.NoError(err)
	_, err = f.store.Set(ctx, stale.Collection, stale.ID, stale.Data)
	req.NoError(err)

	_, err = f.svc.LinkByCode(ctx, "acc-a", b.ExchangeCode)
	req.ErrorIs(err, ErrDuplicateLink)

	for _, collection := range []string{
		storage.ChannelsCollection,
		storage.ChannelPairsCollection,
		storage.ContactsCollection("acc-a"),
	} {
		docs, err := f.store.List(ctx, collection, 0, 0)
		req.NoError(err)
		req.Empty(docs, collection)
	}
}
