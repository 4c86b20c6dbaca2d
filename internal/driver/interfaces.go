package driver

import (
	"context"

	"github.com/jsnelgro/oplogwatch/internal/matcher"
)

// Matcher tests documents against the cursor's selector and reasons about
// whether a modifier could change the verdict. Satisfied by *matcher.Matcher.
type Matcher interface {
	DocumentMatches(doc map[string]any) bool
	CanBecomeTrueByModifier(mod map[string]any) bool
	HasWhere() bool
	HasGeoQuery() bool
}

// OplogEntry is one change-stream record, abstracted away from any
// particular wire format.
type OplogEntry struct {
	Op             byte // 'i' insert, 'u' update, 'd' delete
	ID             string
	O              map[string]any // inserted doc, replacement doc, or modifier
	Timestamp      int64
	DropCollection bool
}

// OplogFilter scopes an OplogHandle subscription to one collection.
type OplogFilter struct {
	CollectionName string
}

// OplogHandle is the driver's view of the underlying change stream.
type OplogHandle interface {
	// OnOplogEntry registers cb for every entry matching filter and returns
	// a function that cancels the subscription.
	OnOplogEntry(filter OplogFilter, cb func(OplogEntry)) (stop func())
	// WaitUntilCaughtUp blocks until the oplog reader has processed every
	// entry that existed at the time of the call.
	WaitUntilCaughtUp(ctx context.Context) error
}

// DocFetcher resolves a single document by id, asynchronously.
type DocFetcher interface {
	// Fetch looks up id in collection and calls cb exactly once with the
	// result. cacheKey lets the fetcher apply a read-your-writes guard
	// (e.g. skip the fetch if the cached version is already newer).
	Fetch(ctx context.Context, collection, id string, cacheKey int64, cb func(doc map[string]any, err error))
}

// Querier runs the cursor's initial/requery selector against the store.
type Querier interface {
	// RunQuery streams up to limit matching documents (0 = unlimited) to cb,
	// ordered by sort (or an unspecified but stable order if sort is empty),
	// and reports how many were seen. Callers that pass a non-zero limit
	// must also pass a non-empty sort, since only a sorted order makes the
	// cut at limit deterministic.
	RunQuery(ctx context.Context, collection string, selector map[string]any, fields map[string]int, sort []matcher.SortField, limit int, cb func(doc map[string]any) error) (fetched int, err error)
}

// Multiplexer is the client-facing sink the driver reports result set
// changes to.
type Multiplexer interface {
	Added(id string, fields map[string]any)
	Changed(id string, fields map[string]any)
	Removed(id string)
	Ready()
	// OnFlush registers cb to run once the multiplexer has flushed
	// everything published so far out to its consumer.
	OnFlush(cb func())
}

// WriteToken is returned by WriteFence.BeginWrite and must be marked
// Committed once the driver has decided the write is safe to acknowledge.
type WriteToken interface {
	Committed()
}

// WriteFence lets a concurrent writer register a token that the driver
// gates until the corresponding write is visible in its result set.
type WriteFence interface {
	BeginWrite() WriteToken
}

// MetricsSink receives phase-duration observations.
type MetricsSink interface {
	ObservePhaseDuration(collection string, phase Phase, seconds float64)
}
