package driver

import (
	"context"
	"fmt"
)

// runInitialQuery performs the driver's first query, publishing every
// matching document it finds up to 2x the limit (so the overflow can seed
// the buffer), then waits for the oplog to catch up before settling into
// FETCHING or STEADY. The cut at 2x the limit is only meaningful because
// RunQuery delivers results in the cursor's sort order (admissibility.go
// forbids a limit without a sort) — cutting by arrival order would risk
// excluding documents that belong in the top-limit by sort.
func (d *Driver) runInitialQuery(ctx context.Context) {
	queryLimit := 0
	if d.limit > 0 {
		queryLimit = d.limit * 2
	}

	// Results arrive in sort order and stop at 2x the limit, so everything
	// past the published limit belongs in the buffer while the query runs.
	d.mu.Lock()
	d.safeAppendToBuffer = true
	d.mu.Unlock()

	fetched, err := d.querier.RunQuery(ctx, d.cursor.CollectionName, d.cursor.Selector, d.sharedProj, toMatcherSort(d.cursor.Options.Sort), queryLimit, func(doc map[string]any) error {
		d.mu.Lock()
		d.addMatching(docID(doc), doc)
		d.mu.Unlock()
		return nil
	})
	if err != nil {
		d.fail(fmt.Errorf("driver: initial query failed: %w", err))
		return
	}

	d.mu.Lock()
	if d.limit > 0 {
		d.safeAppendToBuffer = fetched < queryLimit
	} else {
		d.safeAppendToBuffer = true
	}
	d.mu.Unlock()

	d.mux.Ready()
	d.doneQuerying(ctx)
}

// needToPollQueryLocked requests a full requery: if one isn't already in
// flight it starts immediately, otherwise it's deferred until the in-flight
// one finishes. Caller must hold d.mu.
func (d *Driver) needToPollQueryLocked() {
	if d.phase != PhaseQuerying {
		d.pollQueryLocked()
		return
	}
	d.requeryWhenDoneThisQuery = true
}

// pollQueryLocked resets fetch-tracking state, transitions to QUERYING, and
// launches the actual requery asynchronously. Caller must hold d.mu.
func (d *Driver) pollQueryLocked() {
	d.needToFetch = make(map[string]int64)
	d.currentlyFetching = nil
	d.fetchGeneration++
	d.transitionTo(PhaseQuerying)
	go d.runPollQuery(context.Background())
}

// runPollQuery re-runs the cursor's selector and splits the first limit
// results into newResults and the overflow into newBuffer, by arrival
// order — which is only correct because RunQuery delivers results sorted
// by the cursor's sort, keeping the split aligned with invariant §8.5
// (max(published) <= min(buffer)).
func (d *Driver) runPollQuery(ctx context.Context) {
	queryLimit := 0
	if d.limit > 0 {
		queryLimit = d.limit * 2
	}

	newResults := make(map[string]map[string]any)
	newBuffer := make(map[string]map[string]any)
	order := 0
	_, err := d.querier.RunQuery(ctx, d.cursor.CollectionName, d.cursor.Selector, d.sharedProj, toMatcherSort(d.cursor.Options.Sort), queryLimit, func(doc map[string]any) error {
		if d.limit > 0 && order >= d.limit {
			newBuffer[docID(doc)] = doc
		} else {
			newResults[docID(doc)] = doc
		}
		order++
		return nil
	})
	if err != nil {
		d.fail(fmt.Errorf("driver: poll query failed: %w", err))
		return
	}

	d.mu.Lock()
	d.publishNewResultsLocked(newResults, newBuffer)
	d.mu.Unlock()

	d.doneQuerying(ctx)
}

// publishNewResultsLocked reconciles the cache against a freshly-fetched
// result set: removes anything published that's no longer in newResults,
// runs handleDoc over everything in newResults (publishing new arrivals and
// updating survivors in place), then reseeds the buffer. Caller must hold d.mu.
func (d *Driver) publishNewResultsLocked(newResults, newBuffer map[string]map[string]any) {
	if d.limit > 0 {
		d.unpublishedBuffer.Clear()
	}

	var toRemove []string
	d.published.ForEach(func(id string, _ map[string]any) {
		if _, ok := newResults[id]; !ok {
			toRemove = append(toRemove, id)
		}
	})
	for _, id := range toRemove {
		d.removePublished(id)
	}

	for id, doc := range newResults {
		d.handleDoc(id, doc)
	}

	if d.published.Size() != len(newResults) {
		panic("driver: publishNewResults invariant violation: published size does not match new result set")
	}

	for id, doc := range newBuffer {
		if !d.unpublishedBuffer.Has(id) {
			d.addBuffered(id, doc)
		}
	}
	if d.limit > 0 {
		d.safeAppendToBuffer = len(newBuffer) < d.limit
	} else {
		d.safeAppendToBuffer = true
	}
}

// doneQuerying is called once a query (initial or requery) has finished
// publishing its results, and decides the driver's next phase: another
// requery if one was requested meanwhile, FETCHING if oplog entries piled
// up during the query, or STEADY.
func (d *Driver) doneQuerying(ctx context.Context) {
	if err := d.oplog.WaitUntilCaughtUp(ctx); err != nil {
		d.fail(fmt.Errorf("driver: wait until caught up: %w", err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.requeryWhenDoneThisQuery {
		d.requeryWhenDoneThisQuery = false
		d.pollQueryLocked()
		return
	}
	if len(d.needToFetch) == 0 {
		d.transitionTo(PhaseSteady)
		return
	}
	d.transitionTo(PhaseFetching)
	go d.runFetchLoop()
}
