// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package storage

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Hub is an in-process signal dispatcher keyed by collection. A signal only
// says "something was written"; watchers read the documents themselves, so a
// missed signal never loses data and a slow watcher never blocks a writer.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[string]chan struct{}
	closed  bool
}

func NewHub() *Hub {
	return &Hub{
		streams: map[string]map[string]chan struct{}{},
	}
}

// Notify wakes every watcher of collection.
func (h *Hub) Notify(collection string) {
	if h == nil {
		return
	}
	collection = strings.TrimSpace(collection)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.streams[collection] {
		select {
		case ch <- struct{}{}:
		default:
			// a wake-up is already pending
		}
	}
}

// Watch registers a watcher for collection. The returned channel is closed by
// the cancel function or by Shutdown. Cancel is safe to call more than once.
func (h *Hub) Watch(collection string) (<-chan struct{}, func()) {
	collection = strings.TrimSpace(collection)
	ch := make(chan struct{}, 1)
	if h == nil || collection == "" {
		close(ch)
		return ch, func() {}
	}

	streamID := uuid.NewString()
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	streams, ok := h.streams[collection]
	if !ok {
		streams = map[string]chan struct{}{}
		h.streams[collection] = streams
	}
	streams[streamID] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			streams := h.streams[collection]
			if streams == nil {
				return
			}
			if current, ok := streams[streamID]; ok {
				delete(streams, streamID)
				close(current)
			}
			if len(streams) == 0 {
				delete(h.streams, collection)
			}
		})
	}
	return ch, cancel
}

// Shutdown closes every watcher channel and refuses new ones.
func (h *Hub) Shutdown() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for collection, streams := range h.streams {
		for id, ch := range streams {
			close(ch)
			delete(streams, id)
		}
		delete(h.streams, collection)
	}
}
