// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package directory

import "errors"

// Errors returned by directory operations.
var (
	ErrEmptyCode          = errors.New("exchange code is empty")
	ErrNotFound           = errors.New("exchange code not found")
	ErrAccountNotFound    = errors.New("account not found")
	ErrEmptyAccountID     = errors.New("account id is empty")
	ErrEmptyDisplayName   = errors.New("display name is empty")
	ErrCodeSpaceExhausted = errors.New("exchange code collision after retries")
)

// Words are the exchange code prefixes.
var Words = []string{"FLOR", "SOL", "LUA", "RIO", "MAR", "ESTRELA", "CASA", "LUZ"}

const (
	suffixMin      = 100
	suffixMax      = 999
	maxCodeRetries = 16

	displayNamePrefix = "Utilizador-"
)
