// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package postgres

import (
	"context"

	"github.com/efchatnet/eflink/backend/storage"
)

// LocalNotifier delivers change signals inside one process.
type LocalNotifier struct {
	hub *storage.Hub
}

func NewLocalNotifier(hub *storage.Hub) *LocalNotifier {
	return &LocalNotifier{hub: hub}
}

func (n *LocalNotifier) Publish(_ context.Context, collection string) error {
	n.hub.Notify(collection)
	return nil
}

func (n *LocalNotifier) Watch(_ context.Context, collection string) (<-chan struct{}, func(), error) {
	ch, cancel := n.hub.Watch(collection)
	return ch, cancel, nil
}

// Close ends every watch.
func (n *LocalNotifier) Close() error {
	n.hub.Shutdown()
	return nil
}
