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

package models

import (
	"sort"
	"time"
)

// Channel is the shared two-party context created by linking.
// It is immutable after creation.
type Channel struct {
	ChannelID      string    `json:"channel_id" db:"channel_id"`
	ParticipantIDs [2]string `json:"participant_ids" db:"participant_ids"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// HasParticipant reports whether accountID is one of the two participants.
func (c Channel) HasParticipant(accountID string) bool {
	return accountID != "" && (c.ParticipantIDs[0] == accountID || c.ParticipantIDs[1] == accountID)
}

// Peer returns the participant that is not accountID.
func (c Channel) Peer(accountID string) string {
	if c.ParticipantIDs[0] == accountID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// ChannelPair reserves an unordered account pair for exactly one channel.
type ChannelPair struct {
	ChannelID string `json:"channel_id"`
}

// PairKey returns the order-independent key of two account ids.
// Users are ordered like the dm_spaces table so (a,b) and (b,a) collide.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + ":" + ids[1]
}

// ContactLink is one account's record of a linked peer.
// PeerDisplayName is a snapshot taken when the link was created.
type ContactLink struct {
	OwnerID         string    `json:"owner_id" db:"owner_id"`
	PeerID          string    `json:"peer_id" db:"peer_id"`
	PeerDisplayName string    `json:"peer_display_name" db:"peer_display_name"`
	ChannelID       string    `json:"channel_id" db:"channel_id"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
