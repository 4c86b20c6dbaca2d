package oplogwatch

import (
	"log/slog"
	"time"

	"github.com/jsnelgro/oplogwatch/internal/driver"
)

// SortField orders a live query's result set by one field.
type SortField = driver.SortField

// Option configures a Watch call.
type Option func(*watchConfig)

type watchConfig struct {
	sort              []SortField
	limit             int
	skip              int
	fields            map[string]int
	disableOplog      bool
	logger            *slog.Logger
	fetchTimeout      time.Duration
	fetchStallTimeout time.Duration
	onPrimaryFailover <-chan struct{}
	onFailure         func(error)
}

// WithSort orders the result set by fields, most significant first. Required
// when WithLimit is also given, so the truncation point is deterministic.
func WithSort(fields ...SortField) Option {
	return func(c *watchConfig) { c.sort = fields }
}

// WithLimit caps the result set to n documents, ranked by the sort order.
// Requires WithSort — an unsorted limit is rejected by CanUseOplog.
func WithLimit(n int) Option {
	return func(c *watchConfig) { c.limit = n }
}

// WithSkip skips the first n documents of the sorted result. Non-zero skip
// cannot be served via the oplog and is rejected by CanUseOplog.
func WithSkip(n int) Option {
	return func(c *watchConfig) { c.skip = n }
}

// WithFields limits published documents to the named fields. The document
// id is always passed alongside; "_id" is among the fields only if named.
func WithFields(fields ...string) Option {
	return func(c *watchConfig) {
		m := make(map[string]int, len(fields))
		for _, f := range fields {
			m[f] = 1
		}
		c.fields = m
	}
}

// WithoutOplog forces this query to run in plain poll mode, skipping the
// oplog admissibility check entirely.
func WithoutOplog() Option {
	return func(c *watchConfig) { c.disableOplog = true }
}

// WithLogger sets the structured logger used for this watch's driver.
func WithLogger(logger *slog.Logger) Option {
	return func(c *watchConfig) { c.logger = logger }
}

// WithFetchTimeout bounds each batch of concurrent point fetches during the
// FETCHING phase. Zero (the default) disables the bound.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *watchConfig) { c.fetchTimeout = d }
}

// WithFetchStallTimeout forces a full repoll if FETCHING does not complete
// within d. Zero (the default) disables the bound.
func WithFetchStallTimeout(d time.Duration) Option {
	return func(c *watchConfig) { c.fetchStallTimeout = d }
}

// WithPrimaryFailover forces a full repoll every time ch fires — wire it to
// a primary-failover detector (e.g. a pg_is_in_recovery poller) so a replica
// promotion doesn't leave the cache silently stale.
func WithPrimaryFailover(ch <-chan struct{}) Option {
	return func(c *watchConfig) { c.onPrimaryFailover = ch }
}

// WithOnFailure registers a callback invoked at most once if the watch gives
// up after an unrecoverable error. The driver is already stopped by the time
// it's called.
func WithOnFailure(fn func(error)) Option {
	return func(c *watchConfig) { c.onFailure = fn }
}
