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

// Package badger implements the document store on an embedded BadgerDB.
//
// Key layout:
//
//	d/{collection}\x00{id}          -> JSON Document
//	s/{collection}\x00{seq padded}  -> id
//
// The zero-padded sequence keeps the order index lexicographically sorted.
// Writes go through a single writer lock so commit order equals Seq order,
// which is what lets subscribers read forward from a cursor without gaps.
package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/efchatnet/eflink/backend/storage"
)

const (
	docPrefix   = "d/"
	seqPrefix   = "s/"
	sequenceKey = "meta/seq"
	bandwidth   = 1000
)

type Store struct {
	db  *badger.DB
	seq *badger.Sequence
	hub *storage.Hub
	log *slog.Logger

	writeMu  sync.Mutex
	lastTime time.Time
	now      func() time.Time

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) a store at path. An empty path opens an in-memory store.
func Open(path string, log *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return New(db, log)
}

// New wraps an already opened database.
func New(db *badger.DB, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	seq, err := db.GetSequence([]byte(sequenceKey), bandwidth)
	if err != nil {
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	return &Store{
		db:  db,
		seq: seq,
		hub: storage.NewHub(),
		log: log.With(slog.String("store", "badger")),
		now: time.Now,
	}, nil
}

// Close ends every subscription and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.hub.Shutdown()
		if err := s.seq.Release(); err != nil {
			s.log.Warn("release sequence", slog.Any("error", err))
		}
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

// Ping fails once the database is closed.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.db.IsClosed() {
		return storage.ErrNetworkUnavailable
	}
	return nil
}

func docKey(collection, id string) []byte {
	return []byte(docPrefix + collection + "\x00" + id)
}

func seqCollectionPrefix(collection string) []byte {
	return []byte(seqPrefix + collection + "\x00")
}

func seqKey(collection string, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%020d", seqPrefix, collection, seq))
}

func (s *Store) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return storage.Document{}, err
	}
	var doc storage.Document
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = readDoc(txn, collection, id)
		return err
	})
	return doc, mapErr(err)
}

func readDoc(txn *badger.Txn, collection, id string) (storage.Document, error) {
	item, err := txn.Get(docKey(collection, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return storage.Document{}, err
	}
	var doc storage.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return storage.Document{}, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (s *Store) List(ctx context.Context, collection string, afterSeq int64, limit int) ([]storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []storage.Document
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := seqCollectionPrefix(collection)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seqKey(collection, afterSeq+1)); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(docs) == limit {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			doc, err := readDoc(txn, collection, string(id))
			if err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return docs, nil
}

func (s *Store) QueryEquals(ctx context.Context, collection, field string, value any) ([]storage.Document, error) {
	want, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal query value: %w", err)
	}
	docs, err := s.List(ctx, collection, 0, 0)
	if err != nil {
		return nil, err
	}
	var matches []storage.Document
	for _, doc := range docs {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(doc.Data, &fields); err != nil {
			continue
		}
		if got, ok := fields[field]; ok && bytes.Equal(got, want) {
			matches = append(matches, doc)
		}
	}
	return matches, nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data json.RawMessage) (storage.Document, error) {
	docs, err := s.AtomicBatch(ctx, []storage.Op{{Collection: collection, ID: id, Data: data}})
	if err != nil {
		return storage.Document{}, err
	}
	return docs[0], nil
}

// AtomicBatch applies ops in one badger transaction.
func (s *Store) AtomicBatch(ctx context.Context, ops []storage.Op) ([]storage.Document, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := make([]json.RawMessage, len(ops))
	for i, op := range ops {
		compacted, err := storage.CompactJSON(op.Data)
		if err != nil {
			return nil, fmt.Errorf("op %d %s/%s: %w", i, op.Collection, op.ID, err)
		}
		data[i] = compacted
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.db.IsClosed() {
		return nil, mapErr(badger.ErrDBClosed)
	}

	now := s.now().UTC()
	if now.Before(s.lastTime) {
		now = s.lastTime
	}

	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	docs := make([]storage.Document, 0, len(ops))
	touched := map[string]struct{}{}
	for i, op := range ops {
		prev, err := readDoc(txn, op.Collection, op.ID)
		switch {
		case err == nil && op.Create:
			return nil, fmt.Errorf("%s/%s: %w", op.Collection, op.ID, storage.ErrAlreadyExists)
		case err == nil:
			if err := txn.Delete(seqKey(op.Collection, prev.Seq)); err != nil {
				return nil, mapErr(err)
			}
		case !errors.Is(err, storage.ErrNotFound):
			return nil, mapErr(err)
		}

		next, err := s.seq.Next()
		if err != nil {
			return nil, mapErr(err)
		}
		doc := storage.Document{
			Collection: op.Collection,
			ID:         op.ID,
			Data:       data[i],
			CreatedAt:  now,
			UpdatedAt:  now,
			Seq:        int64(next) + 1,
		}
		if !prev.CreatedAt.IsZero() {
			doc.CreatedAt = prev.CreatedAt
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		if err := txn.Set(docKey(op.Collection, op.ID), raw); err != nil {
			return nil, mapErr(err)
		}
		if err := txn.Set(seqKey(op.Collection, doc.Seq), []byte(op.ID)); err != nil {
			return nil, mapErr(err)
		}
		docs = append(docs, doc)
		touched[op.Collection] = struct{}{}
	}

	if err := txn.Commit(); err != nil {
		return nil, mapErr(err)
	}
	s.lastTime = now
	for collection := range touched {
		s.hub.Notify(collection)
	}
	return docs, nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, afterSeq int64) (storage.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signals, cancel := s.hub.Watch(collection)
	return storage.NewCursorSubscription(ctx, s.List, collection, afterSeq, signals, cancel), nil
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict), errors.Is(err, badger.ErrTxnTooBig):
		return fmt.Errorf("%w: %v", storage.ErrTransactionAborted, err)
	case errors.Is(err, badger.ErrDBClosed):
		return fmt.Errorf("%w: %v", storage.ErrNetworkUnavailable, err)
	default:
		return err
	}
}
