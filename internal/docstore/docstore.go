// Package docstore implements the driver's DocFetcher and Querier against
// the documents table: a namespaced jsonb row store where every write is
// versioned by a Postgres sequence, giving the driver a cheap, monotonic
// cache key to gate reads against (see Fetch).
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jsnelgro/oplogwatch/internal/matcher"
	"github.com/jsnelgro/oplogwatch/internal/storage"
)

// Store is a documents-table-backed collection store.
type Store struct {
	db *storage.DB

	// maxReadYourWritesWait bounds how long Fetch retries a stale read
	// before giving up and returning whatever it last saw. Defaults to
	// 2 seconds when zero.
	maxReadYourWritesWait time.Duration
}

// Writes and the query scan go through storage.WithRetry: a fresh row
// version is assigned by a shared sequence, so two concurrent upserts to
// the same id can collide on a serialization failure under the stricter
// isolation levels; deadlock_detected is possible too once a transaction
// touches more than one document. Both are transient and safe to retry.
const (
	dbMaxRetries     = 3
	dbRetryBaseDelay = 25 * time.Millisecond
)

// New constructs a Store backed by db.
func New(db *storage.DB) *Store {
	return &Store{db: db, maxReadYourWritesWait: 2 * time.Second}
}

// Put upserts a document and returns the version assigned to this write,
// suitable for use as an oplogfeed entry's timestamp / a Fetch cacheKey.
func (s *Store) Put(ctx context.Context, collection, id string, doc map[string]any) (int64, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return 0, fmt.Errorf("docstore: marshal doc: %w", err)
	}

	var version int64
	err = storage.WithRetry(ctx, dbMaxRetries, dbRetryBaseDelay, func() error {
		return s.db.Pool().QueryRow(ctx, `
			INSERT INTO documents (collection, id, doc, version)
			VALUES ($1, $2, $3, nextval('documents_version_seq'))
			ON CONFLICT (collection, id) DO UPDATE
				SET doc = $3, version = nextval('documents_version_seq'), updated_at = now()
			RETURNING version`,
			collection, id, raw,
		).Scan(&version)
	})
	if err != nil {
		return 0, fmt.Errorf("docstore: put %s/%s: %w", collection, id, err)
	}
	return version, nil
}

// Delete removes a document. Returns false if it didn't exist.
func (s *Store) Delete(ctx context.Context, collection, id string) (bool, error) {
	tag, err := s.db.Pool().Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return false, fmt.Errorf("docstore: delete %s/%s: %w", collection, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Fetch implements driver.DocFetcher. It resolves a single document by id,
// retrying briefly with exponential backoff if the row it reads is older than
// cacheKey — a replica-lag-style guard against handing the driver a version
// of the document that predates the oplog entry that triggered the fetch.
func (s *Store) Fetch(ctx context.Context, collection, id string, cacheKey int64, cb func(doc map[string]any, err error)) {
	go func() {
		doc, err := s.fetchFreshEnough(ctx, collection, id, cacheKey)
		cb(doc, err)
	}()
}

func (s *Store) fetchFreshEnough(ctx context.Context, collection, id string, cacheKey int64) (map[string]any, error) {
	wait := s.maxReadYourWritesWait
	if wait == 0 {
		wait = 2 * time.Second
	}
	deadline := time.Now().Add(wait)
	backoff := 10 * time.Millisecond

	for {
		doc, version, err := s.fetchOnce(ctx, collection, id)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		if doc == nil || version >= cacheKey || time.Now().After(deadline) {
			return doc, nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Store) fetchOnce(ctx context.Context, collection, id string) (map[string]any, int64, error) {
	var raw []byte
	var version int64
	err := s.db.Pool().QueryRow(ctx,
		`SELECT doc, version FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, storage.ErrNotFound
		}
		return nil, 0, fmt.Errorf("docstore: fetch %s/%s: %w", collection, id, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, fmt.Errorf("docstore: unmarshal %s/%s: %w", collection, id, err)
	}
	doc["_id"] = id
	return doc, version, nil
}

// RunQuery implements driver.Querier. fields is accepted for interface
// compatibility but not applied: documents are always returned whole — the
// documents table has no per-field columns to push a projection down into. Selector matching happens in this package
// rather than in SQL: the documents table stores arbitrary jsonb, so
// translating the full Mongo-style operator set into a WHERE clause isn't
// worth it for a demo store — the same matcher the driver itself uses is
// applied here. When sort is non-empty the matched set is ordered with the
// same comparator the driver's own cache heaps use, so a limit cuts the
// same top-N the driver expects; an empty sort falls back to id order.
func (s *Store) RunQuery(ctx context.Context, collection string, selector map[string]any, fields map[string]int, sort []matcher.SortField, limit int, cb func(doc map[string]any) error) (int, error) {
	m := matcher.Compile(matcher.Selector(selector))

	var rows pgx.Rows
	err := storage.WithRetry(ctx, dbMaxRetries, dbRetryBaseDelay, func() error {
		var qerr error
		rows, qerr = s.db.Pool().Query(ctx,
			`SELECT id, doc FROM documents WHERE collection = $1 ORDER BY id`,
			collection,
		)
		return qerr
	})
	if err != nil {
		return 0, fmt.Errorf("docstore: run query on %s: %w", collection, err)
	}
	defer rows.Close()

	var matched []map[string]any
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return 0, fmt.Errorf("docstore: scan row in %s: %w", collection, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return 0, fmt.Errorf("docstore: unmarshal row %s/%s: %w", collection, id, err)
		}
		doc["_id"] = id
		if !m.DocumentMatches(doc) {
			continue
		}
		matched = append(matched, doc)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("docstore: iterate rows in %s: %w", collection, err)
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
