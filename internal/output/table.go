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

package output

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orawny/buoysync/internal/models"
)

var tableNameRE = regexp.MustCompile(`\W+`)

// TableName derives the destination table name from a folder tag.
func TableName(folderTag string) string {
	s := strings.ReplaceAll(folderTag, " ", "_")
	s = tableNameRE.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "inbox"
	}
	return strings.ToLower(s)
}

// TableWriter inserts records into per-folder Postgres tables whose data
// columns grow as new field names appear. Existing columns are never
// dropped or renamed. The dedup index for the relational destination lives
// beside the data tables.
type TableWriter struct {
	pool *pgxpool.Pool
	// known caches the column sets already ensured this run.
	known map[string]map[string]bool
}

// NewTableWriter wraps a pool and ensures the dedup index table exists.
func NewTableWriter(ctx context.Context, pool *pgxpool.Pool) (*TableWriter, error) {
	w := &TableWriter{pool: pool, known: make(map[string]map[string]bool)}
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS _dedupe_index (
			folder_tag TEXT NOT NULL,
			key        TEXT NOT NULL,
			PRIMARY KEY (folder_tag, key)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("ensure dedupe index: %w", err)
	}
	return w, nil
}

// Has reports whether a dedup key was already inserted for a folder.
func (w *TableWriter) Has(ctx context.Context, folderTag, key string) (bool, error) {
	var one int
	err := w.pool.QueryRow(ctx, `
		SELECT 1 FROM _dedupe_index WHERE folder_tag = $1 AND key = $2 LIMIT 1
	`, folderTag, key).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return true, nil
}

// Mark records a dedup key. Idempotent.
func (w *TableWriter) Mark(ctx context.Context, folderTag, key string) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO _dedupe_index (folder_tag, key) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, folderTag, key)
	if err != nil {
		return fmt.Errorf("dedupe mark: %w", err)
	}
	return nil
}

// Insert writes one record, first adding any data column the table does
// not have yet.
func (w *TableWriter) Insert(ctx context.Context, table string, rec *models.Record) error {
	if err := w.ensureColumns(ctx, table, rec.Headers); err != nil {
		return err
	}

	cols := append([]string{"subject", "sender", "received_time"}, rec.Headers...)
	vals := []any{rec.Subject, rec.Sender, rec.ReceivedTime}
	for _, h := range rec.Headers {
		vals = append(vals, rec.Fields[h])
	}

	quoted := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}

	sql := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(params, ", "))
	if _, err := w.pool.Exec(ctx, sql, vals...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// ensureColumns creates the table on first touch and adds missing data
// columns afterwards, all TEXT typed.
func (w *TableWriter) ensureColumns(ctx context.Context, table string, headers []string) error {
	existing, ok := w.known[table]
	if !ok {
		loaded, err := w.loadColumns(ctx, table)
		if err != nil {
			return err
		}
		existing = loaded
		w.known[table] = existing
	}

	if len(existing) == 0 {
		var dataCols []string
		for _, h := range headers {
			dataCols = append(dataCols, fmt.Sprintf("%s TEXT", quoteIdent(h)))
		}
		extra := ""
		if len(dataCols) > 0 {
			extra = ",\n" + strings.Join(dataCols, ",\n")
		}
		sql := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id            BIGSERIAL PRIMARY KEY,
				subject       TEXT,
				sender        TEXT,
				received_time TEXT%s
			)
		`, quoteIdent(table), extra)
		if _, err := w.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
		for _, c := range append([]string{"id", "subject", "sender", "received_time"}, headers...) {
			existing[c] = true
		}
		return nil
	}

	for _, h := range headers {
		if existing[h] {
			continue
		}
		sql := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT`,
			quoteIdent(table), quoteIdent(h))
		if _, err := w.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("add column %s to %s: %w", h, table, err)
		}
		existing[h] = true
	}
	return nil
}

func (w *TableWriter) loadColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns for %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
