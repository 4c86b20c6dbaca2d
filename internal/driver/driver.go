package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jsnelgro/oplogwatch/internal/heap"
	"github.com/jsnelgro/oplogwatch/internal/matcher"
)

// Options configures a Driver beyond its required collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics MetricsSink

	// FetchTimeout bounds each batch of concurrent point fetches. Zero disables it.
	FetchTimeout time.Duration
	// FetchStallTimeout forces a full repoll if the driver stays in
	// PhaseFetching this long without completing. Zero disables it.
	FetchStallTimeout time.Duration
	// OnPrimaryFailover, if set, forces a full repoll whenever it fires —
	// wire it to a primary-failover detector (e.g. a pg_is_in_recovery poller).
	OnPrimaryFailover <-chan struct{}
	// OnFailure is called (at most once) when the driver gives up after an
	// unrecoverable error. The driver is stopped by the time it's called.
	OnFailure func(error)
}

// Driver serves one live query: it keeps Multiplexer informed of every
// added/changed/removed event needed to make the client's result set match
// CursorDescription against the live collection.
type Driver struct {
	mu sync.Mutex // serializes every state mutation below (the driver's single-threaded core)

	cursor     CursorDescription
	matcher    Matcher
	pubProj    matcher.Projection
	sharedProj matcher.Projection
	cmp        heap.Comparator
	limit      int

	oplog   OplogHandle
	fetcher DocFetcher
	querier Querier
	mux     Multiplexer
	fence   WriteFence
	metrics MetricsSink
	logger  *slog.Logger

	phase          Phase
	phaseStartTime time.Time

	published          *heap.IDHeap
	unpublishedBuffer  *heap.IDHeap
	safeAppendToBuffer bool

	needToFetch       map[string]int64
	currentlyFetching map[string]int64
	fetchGeneration   int64

	requeryWhenDoneThisQuery        bool
	writesToCommitWhenWeReachSteady []WriteToken

	stopped   bool
	stopOplog func()

	fetchTimeout      time.Duration
	fetchStallTimeout time.Duration
	onPrimaryFailover <-chan struct{}
	onFailure         func(error)

	done chan struct{}
}

// New validates cursor against m via CanUseOplog and, if admissible,
// constructs a Driver ready to Start.
func New(cursor CursorDescription, m Matcher, oplog OplogHandle, fetcher DocFetcher, querier Querier, mux Multiplexer, fence WriteFence, opts Options) (*Driver, error) {
	admit := CanUseOplog(cursor, m)
	if !admit.OK {
		return nil, fmt.Errorf("driver: cursor cannot use oplog: %s", admit.Reason)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pubProj := matcher.Projection(cursor.Options.Fields)
	sharedProj := matcher.CombineIntoProjection(pubProj, cursor.Selector)
	cmp := matcher.BuildComparator(toMatcherSort(cursor.Options.Sort))

	d := &Driver{
		cursor:     cursor,
		matcher:    m,
		pubProj:    pubProj,
		sharedProj: sharedProj,
		cmp:        heap.Comparator(cmp),
		limit:      cursor.Options.Limit,

		oplog:   oplog,
		fetcher: fetcher,
		querier: querier,
		mux:     mux,
		fence:   fence,
		metrics: opts.Metrics,
		logger:  logger,

		phase:          PhaseQuerying,
		phaseStartTime: time.Now(),

		published:         heap.New(heap.Comparator(cmp)),
		unpublishedBuffer: heap.New(heap.Comparator(cmp)),
		needToFetch:       make(map[string]int64),

		fetchTimeout:      opts.FetchTimeout,
		fetchStallTimeout: opts.FetchStallTimeout,
		onPrimaryFailover: opts.OnPrimaryFailover,
		onFailure:         opts.OnFailure,

		done: make(chan struct{}),
	}
	return d, nil
}

func toMatcherSort(s []SortField) []matcher.SortField {
	out := make([]matcher.SortField, len(s))
	for i, sf := range s {
		out[i] = matcher.SortField{Field: sf.Field, Ascending: sf.Ascending}
	}
	return out
}

// Start begins serving the live query: it subscribes to the oplog and
// kicks off the initial query. ctx governs only the initial query, not the
// driver's lifetime or its optional background watchers, which run until
// Stop — call Stop to tear the driver down.
func (d *Driver) Start(ctx context.Context) {
	d.stopOplog = d.oplog.OnOplogEntry(OplogFilter{CollectionName: d.cursor.CollectionName}, d.handleOplogEntry)

	if d.fetchStallTimeout > 0 {
		go d.watchFetchStall()
	}
	if d.onPrimaryFailover != nil {
		go d.watchPrimaryFailover()
	}

	go d.runInitialQuery(ctx)
}

// Stop tears the driver down: it cancels the oplog subscription, commits
// any write tokens still pending, and clears the cache. Safe to call more than once.
func (d *Driver) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	pending := d.writesToCommitWhenWeReachSteady
	d.writesToCommitWhenWeReachSteady = nil
	d.published.Clear()
	d.unpublishedBuffer.Clear()
	d.needToFetch = nil
	d.currentlyFetching = nil
	d.mu.Unlock()

	if d.stopOplog != nil {
		d.stopOplog()
	}
	for _, t := range pending {
		t.Committed()
	}
	close(d.done)
}

// Phase returns the driver's current phase.
func (d *Driver) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// CacheSizes returns the current published and buffered cache sizes, for health reporting.
func (d *Driver) CacheSizes() (published, buffered int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.published.Size(), d.unpublishedBuffer.Size()
}

func (d *Driver) fail(err error) {
	d.mu.Lock()
	alreadyStopped := d.stopped
	d.mu.Unlock()
	if alreadyStopped {
		return
	}
	d.logger.Error("driver: unrecoverable error, stopping", "error", err, "collection", d.cursor.CollectionName)
	d.Stop()
	if d.onFailure != nil {
		d.onFailure(err)
	}
}

func (d *Driver) watchFetchStall() {
	ticker := time.NewTicker(d.fetchStallTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.mu.Lock()
			if !d.stopped && d.phase == PhaseFetching && time.Since(d.phaseStartTime) > d.fetchStallTimeout {
				d.logger.Warn("driver: fetching phase stalled, forcing a repoll",
					"collection", d.cursor.CollectionName, "stalled_for", time.Since(d.phaseStartTime))
				d.needToPollQueryLocked()
			}
			d.mu.Unlock()
		}
	}
}

func (d *Driver) watchPrimaryFailover() {
	for {
		select {
		case <-d.done:
			return
		case _, ok := <-d.onPrimaryFailover:
			d.logger.Warn("driver: primary failover detected, forcing a repoll", "collection", d.cursor.CollectionName)
			d.mu.Lock()
			if !d.stopped {
				d.needToPollQueryLocked()
			}
			d.mu.Unlock()
			if !ok {
				return
			}
		}
	}
}
