// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const pageSize = 256

// ListFunc reads documents with Seq > afterSeq in Seq order.
type ListFunc func(ctx context.Context, collection string, afterSeq int64, limit int) ([]Document, error)

// cursorSubscription turns wake-up signals into an ordered document feed.
// Each wake-up re-reads from the last delivered Seq, so the feed is gapless
// as long as the store commits in Seq order within a collection.
type cursorSubscription struct {
	out    chan Document
	exited chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewCursorSubscription starts a subscription reading through list and
// waking on signals. release is called once the subscription has stopped.
func NewCursorSubscription(ctx context.Context, list ListFunc, collection string, afterSeq int64, signals <-chan struct{}, release func()) Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &cursorSubscription{
		out:    make(chan Document),
		exited: make(chan struct{}),
		cancel: cancel,
	}
	go s.run(ctx, list, collection, afterSeq, signals, release)
	return s
}

func (s *cursorSubscription) run(ctx context.Context, list ListFunc, collection string, cursor int64, signals <-chan struct{}, release func()) {
	defer close(s.exited)
	defer close(s.out)
	if release != nil {
		defer release()
	}
	for {
		docs, err := list(ctx, collection, cursor, pageSize)
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
		for _, doc := range docs {
			select {
			case s.out <- doc:
				cursor = doc.Seq
			case <-ctx.Done():
				return
			}
		}
		if len(docs) == pageSize {
			continue
		}
		select {
		case _, ok := <-signals:
			if !ok {
				if ctx.Err() == nil {
					s.fail(ErrNetworkUnavailable)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *cursorSubscription) fail(err error) {
	if !errors.Is(err, ErrNetworkUnavailable) {
		err = fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *cursorSubscription) C() <-chan Document {
	return s.out
}

func (s *cursorSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the feed and waits until no further document can be delivered.
func (s *cursorSubscription) Close() {
	s.cancel()
	<-s.exited
}
