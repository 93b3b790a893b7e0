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

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrAlreadyExists      = errors.New("document already exists")
	ErrTransactionAborted = errors.New("transaction aborted")
	ErrNetworkUnavailable = errors.New("store unavailable")
)

// Document is one stored record. CreatedAt, UpdatedAt and Seq are assigned
// by the store at commit time; Seq increases with every write.
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Seq        int64           `json:"seq"`
}

// Decode unmarshals the document payload into v.
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", d.Collection, d.ID, err)
	}
	return nil
}

// Op is one write of an atomic batch. With Create set the write fails the
// whole batch with ErrAlreadyExists when the document is present.
type Op struct {
	Collection string
	ID         string
	Data       json.RawMessage
	Create     bool
}

// NewOp marshals v into an Op.
func NewOp(collection, id string, v any, create bool) (Op, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("marshal %s/%s: %w", collection, id, err)
	}
	return Op{Collection: collection, ID: id, Data: data, Create: create}, nil
}

// Subscription is a live, ordered feed of writes to one collection.
// C is closed after Close, context cancellation or a failure; Err then tells
// which (nil for the first two).
type Subscription interface {
	C() <-chan Document
	Err() error
	Close()
}

type DocumentReader interface {
	Get(ctx context.Context, collection, id string) (Document, error)
	QueryEquals(ctx context.Context, collection, field string, value any) ([]Document, error)
	// List returns documents with Seq > afterSeq in Seq order; limit <= 0 means all.
	List(ctx context.Context, collection string, afterSeq int64, limit int) ([]Document, error)
}

type DocumentWriter interface {
	Set(ctx context.Context, collection, id string, data json.RawMessage) (Document, error)
	AtomicBatch(ctx context.Context, ops []Op) ([]Document, error)
}

type DocumentSubscriber interface {
	// Subscribe delivers every write with Seq > afterSeq, existing ones first.
	Subscribe(ctx context.Context, collection string, afterSeq int64) (Subscription, error)
}

type Store interface {
	DocumentReader
	DocumentWriter
	DocumentSubscriber
	Close() error
}

// CompactJSON validates data and strips insignificant whitespace so stored
// payloads compare byte for byte.
func CompactJSON(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return json.RawMessage("{}"), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}
	return buf.Bytes(), nil
}
