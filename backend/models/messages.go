// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Message is one immutable entry of a channel log.
// StoredPayload holds the codec representation, never the plain text.
type Message struct {
	MessageID     string    `json:"message_id" db:"message_id"`
	ChannelID     string    `json:"channel_id" db:"channel_id"`
	SenderID      string    `json:"sender_id" db:"sender_id"`
	StoredPayload string    `json:"stored_payload" db:"stored_payload"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	Seq           int64     `json:"seq" db:"seq"`
}

// DecodedMessage is the subscriber view of a Message.
type DecodedMessage struct {
	MessageID string    `json:"message_id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}
