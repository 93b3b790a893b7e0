// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messages

import (
	"context"
	"log/slog"
	"sync"

	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/models"
	"github.com/efchatnet/eflink/backend/storage"
)

// Stream delivers the messages of one channel in log order: history first,
// then live appends. Nothing is dropped; a slow reader holds back only its
// own stream.
type Stream struct {
	c      chan models.Message
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
	err    error
}

// Subscribe streams every message of channelID.
func (l *Log) Subscribe(ctx context.Context, channelID string) (*Stream, error) {
	return l.SubscribeAfter(ctx, channelID, 0)
}

// SubscribeAs is Subscribe restricted to the participants of the channel.
func (l *Log) SubscribeAs(ctx context.Context, channelID, accountID string, afterSeq int64) (*Stream, error) {
	channel, err := l.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !channel.HasParticipant(accountID) {
		return nil, ErrNotParticipant
	}
	return l.SubscribeAfter(ctx, channelID, afterSeq)
}

// SubscribeAfter streams the messages of channelID with Seq > afterSeq.
// After a transient failure the stream resumes after the last delivered
// message.
func (l *Log) SubscribeAfter(ctx context.Context, channelID string, afterSeq int64) (*Stream, error) {
	channel, err := l.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	collection := storage.MessagesCollection(channel.ChannelID)
	cursor := max(afterSeq, 0)

	ctx, cancel := context.WithCancel(ctx)
	first, err := l.store.Subscribe(ctx, collection, cursor)
	if err != nil {
		cancel()
		return nil, err
	}
	st := &Stream{
		c:      make(chan models.Message),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(st.c)
		defer close(st.done)
		st.err = live.Follow(ctx, l.logger.With(slog.String("channel_id", channel.ChannelID)), l.policy,
			func(ctx context.Context) (storage.Subscription, error) {
				if first != nil {
					sub := first
					first = nil
					return sub, nil
				}
				return l.store.Subscribe(ctx, collection, cursor)
			},
			func(ctx context.Context, doc storage.Document) error {
				msg, err := toMessage(doc)
				if err != nil {
					return err
				}
				select {
				case st.c <- msg:
					cursor = doc.Seq
					return nil
				case <-ctx.Done():
					return nil
				}
			})
	}()
	return st, nil
}

func (s *Stream) C() <-chan models.Message {
	return s.c
}

// Err reports why C was closed: nil after Close or cancellation, otherwise
// the error that ended the stream.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the stream. No message is delivered after Close returns.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
}
