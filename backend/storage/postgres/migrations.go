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

import "context"

func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		// Documents table: one row per (collection, id)
		`CREATE TABLE IF NOT EXISTS documents (
			collection VARCHAR(512) NOT NULL,
			id VARCHAR(255) NOT NULL,
			data JSONB NOT NULL,
			seq BIGSERIAL NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, id)
		)`,

		// Cursor reads and subscriptions walk a collection in seq order
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_collection_seq
		ON documents(collection, seq)`,

		// Equality queries on document fields (exchange code lookup)
		`CREATE INDEX IF NOT EXISTS idx_documents_data
		ON documents USING GIN (data jsonb_path_ops)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
