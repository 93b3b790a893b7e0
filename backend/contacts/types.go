// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package contacts

import "errors"

var (
	ErrSelfLink      = errors.New("cannot link to own exchange code")
	ErrDuplicateLink = errors.New("contact already linked")
	ErrLinkNotFound  = errors.New("contact link not found")
)
