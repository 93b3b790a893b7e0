// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

const (
	AccountsCollection      = "accounts"
	ExchangeCodesCollection = "exchange_codes"
	ChannelsCollection      = "channels"
	ChannelPairsCollection  = "channel_pairs"
)

// ContactsCollection holds the contact links owned by accountID.
func ContactsCollection(accountID string) string {
	return AccountsCollection + "/" + accountID + "/contacts"
}

// MessagesCollection holds the message log of channelID.
func MessagesCollection(channelID string) string {
	return ChannelsCollection + "/" + channelID + "/messages"
}
