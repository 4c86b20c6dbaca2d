// Package sqlitefixture provides a pure-Go, in-memory stand-in for
// docstore.Store, implementing the same driver.DocFetcher and
// driver.Querier contracts over modernc.org/sqlite instead of Postgres, so
// driver tests can exercise a real storage round-trip without paying for a
// testcontainers-backed Postgres instance.
package sqlitefixture

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	_ "modernc.org/sqlite"

	"github.com/jsnelgro/oplogwatch/internal/matcher"
)

const schema = `
CREATE TABLE documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	doc        TEXT NOT NULL,
	version    INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE version_seq (next INTEGER NOT NULL);
INSERT INTO version_seq (next) VALUES (1);
`

// Fixture is an in-memory documents store, API-compatible with
// docstore.Store's Fetch/RunQuery/Put/Delete.
type Fixture struct {
	db *sql.DB
}

// New opens a fresh in-memory fixture.
func New() (*Fixture, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("sqlitefixture: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitefixture: create schema: %w", err)
	}
	return &Fixture{db: db}, nil
}

// Close releases the underlying database handle.
func (f *Fixture) Close() error { return f.db.Close() }

func (f *Fixture) nextVersion(tx *sql.Tx) (int64, error) {
	var v int64
	if err := tx.QueryRow(`SELECT next FROM version_seq`).Scan(&v); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE version_seq SET next = next + 1`); err != nil {
		return 0, err
	}
	return v, nil
}

// Put upserts a document and returns its assigned version.
func (f *Fixture) Put(ctx context.Context, collection, id string, doc map[string]any) (int64, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("sqlitefixture: marshal doc: %w", err)
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlitefixture: begin tx: %w", err)
	}
	defer tx.Rollback()

	version, err := f.nextVersion(tx)
	if err != nil {
		return 0, fmt.Errorf("sqlitefixture: assign version: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO documents (collection, id, doc, version) VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET doc = excluded.doc, version = excluded.version`,
		collection, id, string(raw), version,
	); err != nil {
		return 0, fmt.Errorf("sqlitefixture: put %s/%s: %w", collection, id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlitefixture: commit put %s/%s: %w", collection, id, err)
	}
	return version, nil
}

// Delete removes a document. Returns false if it didn't exist.
func (f *Fixture) Delete(ctx context.Context, collection, id string) (bool, error) {
	res, err := f.db.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return false, fmt.Errorf("sqlitefixture: delete %s/%s: %w", collection, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlitefixture: rows affected for delete %s/%s: %w", collection, id, err)
	}
	return n > 0, nil
}

// Fetch implements driver.DocFetcher. Unlike docstore.Store, the fixture is
// a single in-process connection with no replica lag, so cacheKey is
// accepted for interface compatibility but never causes a retry.
func (f *Fixture) Fetch(ctx context.Context, collection, id string, cacheKey int64, cb func(doc map[string]any, err error)) {
	go func() {
		var raw string
		err := f.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
		if err == sql.ErrNoRows {
			cb(nil, nil)
			return
		}
		if err != nil {
			cb(nil, fmt.Errorf("sqlitefixture: fetch %s/%s: %w", collection, id, err))
			return
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			cb(nil, fmt.Errorf("sqlitefixture: unmarshal %s/%s: %w", collection, id, err))
			return
		}
		doc["_id"] = id
		cb(doc, nil)
	}()
}

// RunQuery implements driver.Querier, filtering in memory with the same
// matcher package the driver itself uses (see docstore.Store.RunQuery). A
// non-empty sort orders the matched set with matcher.BuildComparator before
// limit is applied, matching docstore.Store.RunQuery's behavior.
func (f *Fixture) RunQuery(ctx context.Context, collection string, selector map[string]any, fields map[string]int, sort []matcher.SortField, limit int, cb func(doc map[string]any) error) (int, error) {
	m := matcher.Compile(matcher.Selector(selector))

	rows, err := f.db.QueryContext(ctx, `SELECT id, doc FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return 0, fmt.Errorf("sqlitefixture: run query on %s: %w", collection, err)
	}
	defer rows.Close()

	var matched []map[string]any
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return 0, fmt.Errorf("sqlitefixture: scan row in %s: %w", collection, err)
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return 0, fmt.Errorf("sqlitefixture: unmarshal row %s/%s: %w", collection, id, err)
		}
		doc["_id"] = id
		if !m.DocumentMatches(doc) {
			continue
		}
		matched = append(matched, doc)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlitefixture: iterate rows in %s: %w", collection, err)
	}

	if len(sort) > 0 {
		cmp := matcher.BuildComparator(sort)
		slices.SortFunc(matched, func(a, b map[string]any) int {
			switch {
			case cmp(a, b):
				return -1
			case cmp(b, a):
				return 1
			default:
				return 0
			}
		})
	}

	fetched := 0
	for _, doc := range matched {
		if limit > 0 && fetched >= limit {
			break
		}
		fetched++
		if err := cb(doc); err != nil {
			return fetched, err
		}
	}
	return fetched, nil
}
