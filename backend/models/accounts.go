// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

// Account is the directory profile of one identity.
type Account struct {
	AccountID    string    `json:"account_id" db:"account_id"`
	ExchangeCode string    `json:"exchange_code" db:"exchange_code"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// AccountRef is the public view of an account returned by code lookups.
type AccountRef struct {
	AccountID   string `json:"account_id"`
	DisplayName string `json:"display_name"`
}

// Ref returns the public view of the account.
func (a Account) Ref() AccountRef {
	return AccountRef{AccountID: a.AccountID, DisplayName: a.DisplayName}
}

// CodeReservation marks an exchange code as taken by one account.
type CodeReservation struct {
	AccountID string `json:"account_id"`
}
