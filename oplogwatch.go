// Package oplogwatch keeps a client-visible result set synchronized with a
// Postgres-backed document collection by tailing a change feed (the "oplog")
// instead of re-running the query on every write. A query starts in the
// QUERYING phase (an initial full query fills the cache while incoming
// change events are queued), moves to FETCHING while any ids discovered
// during that queue are resolved against the store, and settles into STEADY,
// where change events are applied to the cache directly.
package oplogwatch

import (
	"context"
	"fmt"

	"github.com/jsnelgro/oplogwatch/internal/driver"
	"github.com/jsnelgro/oplogwatch/internal/matcher"
)

// Deps are the collaborators a Watch call wires into its driver. Construct
// these once per process — an *oplogfeed.Feed and *docstore.Store are
// typically shared across every watch, while Mux and Fence are usually
// created fresh per watch (one multiplex.Fanout topic per live query).
type Deps struct {
	Oplog   OplogHandle
	Fetcher DocFetcher
	Querier Querier
	Mux     Multiplexer
	Fence   WriteFence
	Metrics MetricsSink
}

// Handle controls one running live query.
type Handle struct {
	d *driver.Driver
}

// Watch starts a live query over collection matching selector, publishing
// every subsequent addition, change, and removal to deps.Mux until Stop is
// called. selector uses the same operators as internal/matcher: $and, $or,
// $nor, $eq, $ne, $gt, $gte, $lt, $lte, $in, $nin, $exists, plus implicit
// equality and dotted field paths.
func Watch(ctx context.Context, collection string, selector map[string]any, deps Deps, opts ...Option) (*Handle, error) {
	cfg := watchConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	cursor := driver.CursorDescription{
		CollectionName: collection,
		Selector:       selector,
		Options: driver.CursorOptions{
			Sort:         cfg.sort,
			Limit:        cfg.limit,
			Skip:         cfg.skip,
			Fields:       cfg.fields,
			DisableOplog: cfg.disableOplog,
		},
	}

	m := matcher.Compile(selector)

	d, err := driver.New(cursor, m, deps.Oplog, deps.Fetcher, deps.Querier, deps.Mux, deps.Fence, driver.Options{
		Logger:            cfg.logger,
		Metrics:           deps.Metrics,
		FetchTimeout:      cfg.fetchTimeout,
		FetchStallTimeout: cfg.fetchStallTimeout,
		OnPrimaryFailover: cfg.onPrimaryFailover,
		OnFailure:         cfg.onFailure,
	})
	if err != nil {
		return nil, fmt.Errorf("oplogwatch: %w", err)
	}

	d.Start(ctx)
	return &Handle{d: d}, nil
}

// Phase reports which of QUERYING, FETCHING, or STEADY the watch is
// currently in.
func (h *Handle) Phase() Phase {
	return h.d.Phase()
}

// CacheSizes returns the current published and buffered cache sizes.
func (h *Handle) CacheSizes() (published, buffered int) {
	return h.d.CacheSizes()
}

// CaptureWrite registers a write fence token for a write the caller just
// made and returns without blocking. The token is committed in the
// background once the oplog has caught up and this watch has flushed in
// STEADY (or at once if the watch is stopped or the catch-up wait fails),
// which gives a writer waiting on the fence a "read your own write"
// guarantee against this watch.
func (h *Handle) CaptureWrite(ctx context.Context) {
	h.d.CaptureWrite(ctx)
}

// Stop tears down the watch: it unsubscribes from the oplog and releases
// its caches. Safe to call more than once.
func (h *Handle) Stop() {
	h.d.Stop()
}
