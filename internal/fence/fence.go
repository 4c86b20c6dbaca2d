// Package fence implements a write-fence: a way for a writer that just
// mutated a collection to learn when that write has become visible in a
// particular live query's result set, instead of guessing at a sleep or
// polling the query itself.
package fence

import (
	"sync"

	"github.com/google/uuid"

	"github.com/jsnelgro/oplogwatch/internal/driver"
)

// Token is issued by Fence.BeginWrite and satisfies driver.WriteToken. The
// caller that issued the write blocks on Wait until the corresponding
// driver.Driver calls Committed.
type Token struct {
	id   string
	done chan struct{}
	once sync.Once
}

// Committed marks the token resolved. Safe to call more than once; only the
// first call has any effect.
func (t *Token) Committed() {
	t.once.Do(func() { close(t.done) })
}

// Wait blocks until Committed is called.
func (t *Token) Wait() <-chan struct{} { return t.done }

// ID returns the token's identifier, useful for logging and metrics.
func (t *Token) ID() string { return t.id }

// Fence hands out Tokens. A single Fence can be shared by every Driver
// watching the same collection; each Driver only ever calls BeginWrite on
// tokens it's told about via driver.CaptureWrite, so Fence itself carries no
// per-query state.
type Fence struct{}

// New constructs a Fence.
func New() *Fence { return &Fence{} }

// BeginWrite returns a fresh, uncommitted Token satisfying driver.WriteToken.
func (f *Fence) BeginWrite() driver.WriteToken {
	return &Token{id: uuid.NewString(), done: make(chan struct{})}
}
