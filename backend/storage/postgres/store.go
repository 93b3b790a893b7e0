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

package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/efchatnet/eflink/backend/storage"
)

// Notifier carries "collection changed" signals between writers and subscribers.
type Notifier interface {
	Publish(ctx context.Context, collection string) error
	Watch(ctx context.Context, collection string) (<-chan struct{}, func(), error)
}

type Store struct {
	db       *sql.DB
	notifier Notifier
	log      *slog.Logger
}

// NewStore creates a document store on db. With a nil notifier, change
// signals stay in process, which is only correct for a single server.
func NewStore(db *sql.DB, notifier Notifier, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if notifier == nil {
		notifier = NewLocalNotifier(storage.NewHub())
	}
	return &Store{
		db:       db,
		notifier: notifier,
		log:      log.With(slog.String("store", "postgres")),
	}
}

// Close closes the database and the notifier when it holds resources.
func (s *Store) Close() error {
	err := s.db.Close()
	if c, ok := s.notifier.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	return err
}

// Ping reports whether the database, and the notifier when it can tell,
// are reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return mapErr(err)
	}
	if p, ok := s.notifier.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

const selectColumns = `id, data, seq, created_at, updated_at`

func scanDoc(collection string, row interface{ Scan(...any) error }) (storage.Document, error) {
	doc := storage.Document{Collection: collection}
	var data []byte
	if err := row.Scan(&doc.ID, &data, &doc.Seq, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return storage.Document{}, err
	}
	doc.Data = data
	doc.CreatedAt = doc.CreatedAt.UTC()
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return doc, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (storage.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+` FROM documents
		WHERE collection = $1 AND id = $2`, collection, id)
	doc, err := scanDoc(collection, row)
	if err == sql.ErrNoRows {
		return storage.Document{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Document{}, mapErr(err)
	}
	return doc, nil
}

func (s *Store) List(ctx context.Context, collection string, afterSeq int64, limit int) ([]storage.Document, error) {
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM documents
		WHERE collection = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3`, collection, afterSeq, lim)
	if err != nil {
		return nil, mapErr(err)
	}
	return collect(collection, rows)
}

// QueryEquals matches by jsonb containment so the GIN index on data serves
// the lookup. value must be a scalar.
func (s *Store) QueryEquals(ctx context.Context, collection, field string, value any) ([]storage.Document, error) {
	want, err := containment(field, value)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM documents
		WHERE collection = $1 AND data @> $2::jsonb
		ORDER BY seq`, collection, want)
	if err != nil {
		return nil, mapErr(err)
	}
	return collect(collection, rows)
}

func containment(field string, value any) (string, error) {
	switch value.(type) {
	case map[string]any, []any:
		return "", fmt.Errorf("query %s: value must be a scalar", field)
	}
	doc, err := json.Marshal(map[string]any{field: value})
	if err != nil {
		return "", fmt.Errorf("marshal query value: %w", err)
	}
	return string(doc), nil
}

func collect(collection string, rows *sql.Rows) ([]storage.Document, error) {
	defer rows.Close()

	var docs []storage.Document
	for rows.Next() {
		doc, err := scanDoc(collection, rows)
		if err != nil {
			return nil, mapErr(err)
		}
		docs = append(docs, doc)
	}
	return docs, mapErr(rows.Err())
}

func (s *Store) Set(ctx context.Context, collection, id string, data json.RawMessage) (storage.Document, error) {
	docs, err := s.AtomicBatch(ctx, []storage.Op{{Collection: collection, ID: id, Data: data}})
	if err != nil {
		return storage.Document{}, err
	}
	return docs[0], nil
}

// AtomicBatch writes ops in one transaction. Every touched collection is
// locked for the duration of the transaction so that, within a collection,
// commit order matches seq order.
func (s *Store) AtomicBatch(ctx context.Context, ops []storage.Op) ([]storage.Document, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	ops = slices.Clone(ops)
	for i, op := range ops {
		compacted, err := storage.CompactJSON(op.Data)
		if err != nil {
			return nil, fmt.Errorf("op %d %s/%s: %w", i, op.Collection, op.ID, err)
		}
		ops[i].Data = compacted
	}
	collections := touchedCollections(ops)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	defer tx.Rollback()

	for _, collection := range collections {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, collection); err != nil {
			return nil, mapErr(err)
		}
	}

	ts, err := batchTimestamp(ctx, tx, collections)
	if err != nil {
		return nil, mapErr(err)
	}

	docs := make([]storage.Document, 0, len(ops))
	for _, op := range ops {
		var row *sql.Row
		if op.Create {
			row = tx.QueryRowContext(ctx, `
				INSERT INTO documents (collection, id, data, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $4)
				ON CONFLICT (collection, id) DO NOTHING
				RETURNING `+selectColumns, op.Collection, op.ID, string(op.Data), ts)
		} else {
			row = tx.QueryRowContext(ctx, `
				INSERT INTO documents (collection, id, data, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $4)
				ON CONFLICT (collection, id) DO UPDATE
				SET data = EXCLUDED.data,
				    updated_at = EXCLUDED.updated_at,
				    seq = nextval(pg_get_serial_sequence('documents', 'seq'))
				RETURNING `+selectColumns, op.Collection, op.ID, string(op.Data), ts)
		}
		doc, err := scanDoc(op.Collection, row)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s/%s: %w", op.Collection, op.ID, storage.ErrAlreadyExists)
		}
		if err != nil {
			return nil, mapErr(err)
		}
		docs = append(docs, doc)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}

	for _, collection := range collections {
		if err := s.notifier.Publish(ctx, collection); err != nil {
			// Subscribers catch up on the next signal or resubscribe.
			s.log.Warn("publish change", slog.String("collection", collection), slog.Any("error", err))
		}
	}
	return docs, nil
}

// batchTimestamp returns the server clock, clamped so that it never precedes
// the newest write of any touched collection.
func batchTimestamp(ctx context.Context, tx *sql.Tx, collections []string) (time.Time, error) {
	var ts time.Time
	for _, collection := range collections {
		var t time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT GREATEST(clock_timestamp(), COALESCE(
				(SELECT updated_at FROM documents WHERE collection = $1 ORDER BY seq DESC LIMIT 1),
				'-infinity'::timestamptz))`, collection).Scan(&t)
		if err != nil {
			return time.Time{}, err
		}
		if t.After(ts) {
			ts = t
		}
	}
	return ts.UTC(), nil
}

// touchedCollections returns the distinct collections of ops in lock order.
func touchedCollections(ops []storage.Op) []string {
	seen := map[string]struct{}{}
	var collections []string
	for _, op := range ops {
		if _, ok := seen[op.Collection]; ok {
			continue
		}
		seen[op.Collection] = struct{}{}
		collections = append(collections, op.Collection)
	}
	sort.Strings(collections)
	return collections
}

func (s *Store) Subscribe(ctx context.Context, collection string, afterSeq int64) (storage.Subscription, error) {
	signals, cancel, err := s.notifier.Watch(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrNetworkUnavailable, err)
	}
	return storage.NewCursorSubscription(ctx, s.List, collection, afterSeq, signals, cancel), nil
}

// mapErr translates driver errors into storage errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %v", storage.ErrAlreadyExists, err)
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", storage.ErrTransactionAborted, err)
		case "57P01", "57P02", "57P03", "08000", "08003", "08006":
			return fmt.Errorf("%w: %v", storage.ErrNetworkUnavailable, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", storage.ErrNetworkUnavailable, err)
	}
	return err
}
