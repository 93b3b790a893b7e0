// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package contacts

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/efchatnet/eflink/backend/directory"
	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/models"
	"github.com/efchatnet/eflink/backend/storage"
)

// RosterStream delivers complete roster snapshots. Only the latest
// undelivered snapshot is kept, so a slow reader skips intermediate ones.
type RosterStream struct {
	c      chan []models.ContactLink
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// SubscribeRoster streams the roster of accountID. The first snapshot is the
// current roster, possibly empty; every new link delivers a new snapshot.
// After a transient failure the stream resubscribes and delivers a fresh
// snapshot.
func (s *Service) SubscribeRoster(ctx context.Context, accountID string) (*RosterStream, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, directory.ErrEmptyAccountID
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &RosterStream{
		c:      make(chan []models.ContactLink, 1),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	collection := storage.ContactsCollection(accountID)
	byPeer := make(map[string]models.ContactLink)

	open := func(ctx context.Context) (storage.Subscription, error) {
		links, last, err := s.roster(ctx, accountID)
		if err != nil {
			return nil, err
		}
		clear(byPeer)
		for _, link := range links {
			byPeer[link.PeerID] = link
		}
		st.publish(links)
		return s.store.Subscribe(ctx, collection, last)
	}
	handle := func(_ context.Context, doc storage.Document) error {
		link, err := toLink(doc)
		if err != nil {
			return err
		}
		byPeer[link.PeerID] = link
		st.publish(snapshot(byPeer))
		return nil
	}

	first, err := open(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		defer close(st.c)
		defer close(st.done)
		st.err = live.Follow(ctx, s.logger.With(slog.String("roster", accountID)), s.policy,
			func(ctx context.Context) (storage.Subscription, error) {
				if first != nil {
					sub := first
					first = nil
					return sub, nil
				}
				return open(ctx)
			}, handle)
	}()
	return st, nil
}

// publish replaces any undelivered snapshot with links. It never blocks.
func (r *RosterStream) publish(links []models.ContactLink) {
	for {
		select {
		case r.c <- links:
			return
		default:
		}
		select {
		case <-r.c:
		default:
		}
	}
}

func (r *RosterStream) C() <-chan []models.ContactLink {
	return r.c
}

// Err reports why C was closed: nil after Close or cancellation, otherwise
// the error that ended the stream.
func (r *RosterStream) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Close ends the stream. No snapshot is delivered after Close returns.
func (r *RosterStream) Close() {
	r.once.Do(func() {
		r.cancel()
		<-r.done
		for range r.c {
		}
	})
}
