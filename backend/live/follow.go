// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package live keeps store subscriptions running across transient failures.
package live

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/efchatnet/eflink/backend/storage"
)

// Policy bounds the resubscribe backoff. A zero MaxElapsed retries forever.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsed:      2 * time.Minute,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// OpenFunc opens a subscription positioned after whatever the caller has
// already delivered.
type OpenFunc func(ctx context.Context) (storage.Subscription, error)

// HandleFunc consumes one document. A non-nil error stops Follow.
type HandleFunc func(ctx context.Context, doc storage.Document) error

// Follow runs open/handle until ctx is done. Transient failures
// (storage.ErrNetworkUnavailable) reopen the subscription with exponential
// backoff; the error is returned only once the policy gives up. Any other
// error is returned immediately. Cancellation returns nil.
func Follow(ctx context.Context, log *slog.Logger, policy Policy, open OpenFunc, handle HandleFunc) error {
	if log == nil {
		log = slog.Default()
	}
	b := policy.backOff()
	for {
		delivered, err := follow(ctx, open, handle)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = storage.ErrNetworkUnavailable
		}
		if !errors.Is(err, storage.ErrNetworkUnavailable) {
			return err
		}
		if delivered {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			log.Error("stream lost, giving up", slog.Any("error", err))
			return err
		}
		log.Warn("stream interrupted, resubscribing", slog.Any("error", err), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func follow(ctx context.Context, open OpenFunc, handle HandleFunc) (bool, error) {
	sub, err := open(ctx)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	delivered := false
	for {
		select {
		case doc, ok := <-sub.C():
			if !ok {
				return delivered, sub.Err()
			}
			if err := handle(ctx, doc); err != nil {
				return delivered, err
			}
			delivered = true
		case <-ctx.Done():
			return delivered, nil
		}
	}
}
