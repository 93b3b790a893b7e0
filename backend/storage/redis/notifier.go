// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/eflink/backend/storage"
)

const (
	// Redis channel prefix
	notifyPrefix = "doc:notify:" // doc:notify:{collection} - change signals
)

// Notifier fans change signals out to every server instance through Redis
// pub/sub. Payloads are irrelevant: receivers re-read the collection.
type Notifier struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewNotifier(rdb *redis.Client, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		rdb: rdb,
		log: log.With(slog.String("notifier", "redis")),
	}
}

func channelName(collection string) string {
	return notifyPrefix + collection
}

// Publish signals that collection has new writes.
func (n *Notifier) Publish(ctx context.Context, collection string) error {
	if err := n.rdb.Publish(ctx, channelName(collection), "1").Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Watch subscribes to change signals of collection. It returns once Redis has
// confirmed the subscription, so no write committed afterwards goes unnoticed.
// Every (re)subscription confirmation also produces a signal, which makes a
// watcher catch up on writes published while its connection was down.
func (n *Notifier) Watch(ctx context.Context, collection string) (<-chan struct{}, func(), error) {
	pubsub := n.rdb.Subscribe(ctx, channelName(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	signals := make(chan struct{}, 1)
	incoming := pubsub.ChannelWithSubscriptions()
	go func() {
		defer close(signals)
		for range incoming {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
		n.log.Debug("watch ended", slog.String("collection", collection))
	}()

	cancel := func() {
		// Close is idempotent on the go-redis side and ends the forwarding loop.
		_ = pubsub.Close()
	}
	return signals, cancel, nil
}

// Ping reports whether Redis is reachable.
func (n *Notifier) Ping(ctx context.Context) error {
	if err := n.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis: %v", storage.ErrNetworkUnavailable, err)
	}
	return nil
}

// Close closes the Redis client.
func (n *Notifier) Close() error {
	return n.rdb.Close()
}
