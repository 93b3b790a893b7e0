// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package messages

import "errors"

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrInvalidMessage  = errors.New("message is not valid UTF-8")
	ErrEmptyChannelID  = errors.New("channel id is empty")
	ErrChannelNotFound = errors.New("channel not found")
	ErrNotParticipant  = errors.New("sender is not a participant of the channel")
)

const defaultHistoryLimit = 100
