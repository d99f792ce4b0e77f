// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package state provides the Postgres-backed checkpoint and dedup store.
// Per folder tag it tracks the last synchronized received time, the set of
// already-emitted record keys for file destinations, and the set of
// already-read message ids. Only the owning sync run mutates a folder's
// state.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	connectAttempts = 5
	connectBackoff  = 500 * time.Millisecond
)

// Store persists per-source sync state in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against dsn with bounded retries and a linearly
// increasing backoff, then ensures the state schema exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	var pool *pgxpool.Pool
	var err error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				break
			}
			pool.Close()
			pool = nil
		}
		if attempt < connectAttempts {
			delay := time.Duration(attempt) * connectBackoff
			slog.Warn("state store connect failed, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect state store after %d attempts: %w", connectAttempts, err)
	}
	return NewStore(ctx, pool)
}

// NewStore wraps an existing pool and ensures the state schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure state schema: %w", err)
	}
	slog.Info("state store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			folder_tag    TEXT PRIMARY KEY,
			last_received TEXT NOT NULL,
			updated_at    TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS exports (
			folder_tag TEXT NOT NULL,
			key        TEXT NOT NULL,
			PRIMARY KEY (folder_tag, key)
		);
		CREATE TABLE IF NOT EXISTS processed_messages (
			folder_tag TEXT NOT NULL,
			entry_id   TEXT NOT NULL,
			PRIMARY KEY (folder_tag, entry_id)
		);
	`)
	return err
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Checkpoint returns the last synchronized received time for a folder,
// empty when the folder has never completed a run.
func (s *Store) Checkpoint(ctx context.Context, folderTag string) (string, error) {
	var last string
	err := s.pool.QueryRow(ctx, `
		SELECT last_received FROM checkpoints WHERE folder_tag = $1
	`, folderTag).Scan(&last)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read checkpoint for %s: %w", folderTag, err)
	}
	return last, nil
}

// SetCheckpoint advances a folder's checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, folderTag, lastReceived string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (folder_tag, last_received)
		VALUES ($1, $2)
		ON CONFLICT (folder_tag) DO UPDATE SET
			last_received = EXCLUDED.last_received,
			updated_at    = NOW()
	`, folderTag, lastReceived)
	if err != nil {
		return fmt.Errorf("set checkpoint for %s: %w", folderTag, err)
	}
	return nil
}

// ExportKeys loads the set of record keys already emitted to file
// destinations for a folder.
func (s *Store) ExportKeys(ctx context.Context, folderTag string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key FROM exports WHERE folder_tag = $1
	`, folderTag)
	if err != nil {
		return nil, fmt.Errorf("load export keys for %s: %w", folderTag, err)
	}
	defer rows.Close()
	return collectSet(rows)
}

// MarkExport records an emitted key. Re-marking an existing key is a no-op.
func (s *Store) MarkExport(ctx context.Context, folderTag, key string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exports (folder_tag, key) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, folderTag, key)
	if err != nil {
		return fmt.Errorf("mark export for %s: %w", folderTag, err)
	}
	return nil
}

// ProcessedIDs loads the set of message ids already read for a folder.
func (s *Store) ProcessedIDs(ctx context.Context, folderTag string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id FROM processed_messages WHERE folder_tag = $1
	`, folderTag)
	if err != nil {
		return nil, fmt.Errorf("load processed ids for %s: %w", folderTag, err)
	}
	defer rows.Close()
	return collectSet(rows)
}

// MarkProcessed records a read message id. Idempotent.
func (s *Store) MarkProcessed(ctx context.Context, folderTag, entryID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_messages (folder_tag, entry_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, folderTag, entryID)
	if err != nil {
		return fmt.Errorf("mark processed for %s: %w", folderTag, err)
	}
	return nil
}

// Reset clears a single folder's state, or all state when folderTag is
// empty. Used before a forced full re-scan.
func (s *Store) Reset(ctx context.Context, folderTag string) error {
	var err error
	if folderTag == "" {
		_, err = s.pool.Exec(ctx, `
			DELETE FROM checkpoints;
			DELETE FROM exports;
			DELETE FROM processed_messages;
		`)
	} else {
		_, err = s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE folder_tag = $1`, folderTag)
		if err == nil {
			_, err = s.pool.Exec(ctx, `DELETE FROM exports WHERE folder_tag = $1`, folderTag)
		}
		if err == nil {
			_, err = s.pool.Exec(ctx, `DELETE FROM processed_messages WHERE folder_tag = $1`, folderTag)
		}
	}
	if err != nil {
		return fmt.Errorf("reset state for %q: %w", folderTag, err)
	}
	return nil
}

func collectSet(rows pgx.Rows) (map[string]bool, error) {
	out := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out[v] = true
	}
	return out, rows.Err()
}
