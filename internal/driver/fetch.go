package driver

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// runFetchLoop resolves every id in needToFetch against the store, applying
// handleDoc to each result as it arrives, until a full round finishes with
// nothing left queued — at which point it transitions to STEADY (unless a
// repoll was requested meanwhile, in which case runPollQuery's goroutine
// owns the next transition).
func (d *Driver) runFetchLoop() {
	ctx := context.Background()
	for {
		d.mu.Lock()
		if d.phase != PhaseFetching {
			d.mu.Unlock()
			return
		}
		if len(d.needToFetch) == 0 {
			d.mu.Unlock()
			break
		}
		d.currentlyFetching = d.needToFetch
		batch := make([]fetchItem, 0, len(d.needToFetch))
		for id, ts := range d.needToFetch {
			batch = append(batch, fetchItem{id: id, ts: ts})
		}
		d.needToFetch = make(map[string]int64)
		d.fetchGeneration++
		gen := d.fetchGeneration
		d.mu.Unlock()

		if err := d.fetchBatch(ctx, batch, gen); err != nil {
			d.fail(fmt.Errorf("driver: fetch batch failed: %w", err))
			return
		}

		d.mu.Lock()
		d.currentlyFetching = nil
		stillFetching := d.phase == PhaseFetching
		d.mu.Unlock()
		if !stillFetching {
			return
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase == PhaseFetching {
		d.transitionTo(PhaseSteady)
	}
}

// fetchItem is one (id, timestamp) pair queued for a point fetch.
type fetchItem struct {
	id string
	ts int64
}

// fetchBatch fetches every item in batch concurrently, applying handleDoc to
// each as it completes. It returns the first fetch error, if any, but still
// waits for every in-flight fetch to finish before returning.
//
// batch is a snapshot taken under d.mu, not a live reference to
// d.currentlyFetching: handleOplogEntry mutates that map concurrently (under
// d.mu) for oplog entries that arrive on ids already in flight, and ranging
// the live map here without holding the lock would race with those writes.
func (d *Driver) fetchBatch(ctx context.Context, batch []fetchItem, gen int64) error {
	fctx := ctx
	var cancel context.CancelFunc
	if d.fetchTimeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, d.fetchTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(fctx)
	for _, item := range batch {
		id, ts := item.id, item.ts
		g.Go(func() error {
			doc, err := d.fetchOne(gctx, id, ts)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", id, err)
			}

			d.mu.Lock()
			defer d.mu.Unlock()
			if d.stopped || d.phase != PhaseFetching || d.fetchGeneration != gen {
				return nil // Superseded by a repoll or a newer generation; discard.
			}
			d.handleDoc(id, d.sharedProj.Apply(doc))
			return nil
		})
	}
	return g.Wait()
}

func (d *Driver) fetchOne(ctx context.Context, id string, ts int64) (map[string]any, error) {
	type result struct {
		doc map[string]any
		err error
	}
	ch := make(chan result, 1)
	d.fetcher.Fetch(ctx, d.cursor.CollectionName, id, ts, func(doc map[string]any, err error) {
		ch <- result{doc, err}
	})
	select {
	case r := <-ch:
		return r.doc, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
