package oplogwatch

import "github.com/jsnelgro/oplogwatch/internal/driver"

// OplogHandle is the driver's view of the underlying change stream.
// Satisfied by *internal/oplogfeed.Feed.
type OplogHandle = driver.OplogHandle

// DocFetcher resolves a single document by id. Satisfied by
// *internal/docstore.Store.
type DocFetcher = driver.DocFetcher

// Querier runs a selector against the store. Satisfied by
// *internal/docstore.Store.
type Querier = driver.Querier

// Multiplexer is the client-facing sink a watch reports result-set changes
// to. Satisfied by *internal/multiplex.Fanout.
type Multiplexer = driver.Multiplexer

// WriteFence lets a concurrent writer register a token the driver gates
// until the write is visible in its result set. Satisfied by
// *internal/fence.Fence.
type WriteFence = driver.WriteFence

// WriteToken is returned by WriteFence.BeginWrite.
type WriteToken = driver.WriteToken

// MetricsSink receives phase-duration observations. Satisfied by
// *internal/metrics.Sink.
type MetricsSink = driver.MetricsSink

// Phase is one of QUERYING, FETCHING, or STEADY.
type Phase = driver.Phase

const (
	PhaseQuerying = driver.PhaseQuerying
	PhaseFetching = driver.PhaseFetching
	PhaseSteady   = driver.PhaseSteady
)
