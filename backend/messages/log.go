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

// Package messages keeps the append-only message log of each channel.
package messages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/efchatnet/eflink/backend/codec"
	"github.com/efchatnet/eflink/backend/live"
	"github.com/efchatnet/eflink/backend/models"
	"github.com/efchatnet/eflink/backend/storage"
)

type Store interface {
	storage.DocumentReader
	storage.DocumentWriter
	storage.DocumentSubscriber
}

type Log struct {
	store  Store
	logger *slog.Logger
	policy live.Policy
}

type Option func(*Log)

// WithPolicy sets the resubscribe policy of message streams.
func WithPolicy(p live.Policy) Option {
	return func(l *Log) { l.policy = p }
}

func NewLog(log *slog.Logger, store Store, opts ...Option) *Log {
	if log == nil {
		log = slog.Default()
	}
	l := &Log{
		store:  store,
		logger: log.With(slog.String("service", "messages")),
		policy: live.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append stores text in the log of channelID. The payload is encoded before
// storage; the store assigns the timestamp and sequence number.
func (l *Log) Append(ctx context.Context, channelID, senderID, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if !utf8.ValidString(text) {
		return models.Message{}, ErrInvalidMessage
	}
	channel, err := l.Channel(ctx, channelID)
	if err != nil {
		return models.Message{}, err
	}
	if !channel.HasParticipant(senderID) {
		return models.Message{}, ErrNotParticipant
	}

	msg := models.Message{
		MessageID:     uuid.NewString(),
		ChannelID:     channel.ChannelID,
		SenderID:      senderID,
		StoredPayload: codec.Encode(text),
	}
	op, err := storage.NewOp(storage.MessagesCollection(channel.ChannelID), msg.MessageID, msg, true)
	if err != nil {
		return models.Message{}, err
	}
	docs, err := l.store.AtomicBatch(ctx, []storage.Op{op})
	if err != nil {
		return models.Message{}, fmt.Errorf("append message: %w", err)
	}
	msg.CreatedAt = docs[0].CreatedAt
	msg.Seq = docs[0].Seq

	l.logger.Debug("message appended",
		slog.String("channel_id", msg.ChannelID),
		slog.String("message_id", msg.MessageID),
		slog.Int64("seq", msg.Seq),
	)
	return msg, nil
}

// Channel returns the channel channelID.
func (l *Log) Channel(ctx context.Context, channelID string) (models.Channel, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return models.Channel{}, ErrEmptyChannelID
	}
	doc, err := l.store.Get(ctx, storage.ChannelsCollection, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Channel{}, ErrChannelNotFound
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("get channel: %w", err)
	}
	var channel models.Channel
	if err := doc.Decode(&channel); err != nil {
		return models.Channel{}, err
	}
	if channel.ChannelID == "" {
		channel.ChannelID = doc.ID
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = doc.CreatedAt
	}
	return channel, nil
}

// History returns up to limit messages with Seq > afterSeq in log order.
func (l *Log) History(ctx context.Context, channelID string, afterSeq int64, limit int) ([]models.Message, error) {
	channel, err := l.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	docs, err := l.store.List(ctx, storage.MessagesCollection(channel.ChannelID), max(afterSeq, 0), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		msg, err := toMessage(doc)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Decoded returns the subscriber view of msg. Corrupt payloads show the
// fixed placeholder text.
func Decoded(msg models.Message) models.DecodedMessage {
	return models.DecodedMessage{
		MessageID: msg.MessageID,
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Text:      codec.Reveal(msg.StoredPayload),
		CreatedAt: msg.CreatedAt,
		Seq:       msg.Seq,
	}
}

func toMessage(doc storage.Document) (models.Message, error) {
	var msg models.Message
	if err := doc.Decode(&msg); err != nil {
		return models.Message{}, err
	}
	if msg.MessageID == "" {
		msg.MessageID = doc.ID
	}
	msg.CreatedAt = doc.CreatedAt
	msg.Seq = doc.Seq
	return msg, nil
}
