// Package oplogfeed implements driver.OplogHandle on top of Postgres
// LISTEN/NOTIFY: a trigger installed on each watched table publishes a JSON
// change record to a well-known channel, and Feed tails that channel the
// way a MongoDB driver tails the real oplog collection.
package oplogfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jsnelgro/oplogwatch/internal/driver"
	"github.com/jsnelgro/oplogwatch/internal/storage"
)

// entryPayload is the JSON shape published by the watched-table trigger.
type entryPayload struct {
	Op             string         `json:"op"` // "i", "u", "d"
	Collection     string         `json:"collection"`
	ID             string         `json:"id"`
	Doc            map[string]any `json:"doc,omitempty"`
	Timestamp      int64          `json:"ts"`
	DropCollection bool           `json:"drop_collection,omitempty"`
}

type subscription struct {
	collection string
	cb         func(driver.OplogEntry)
}

// Feed tails storage.ChannelOplog and fans entries out to every subscriber
// registered for the entry's collection. A single Feed can back every
// Driver in a process; each Driver subscribes independently via OnOplogEntry.
type Feed struct {
	db     *storage.DB
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[int64]*subscription
	nextSubID int64

	fenceMu      sync.Mutex
	fenceWaiters map[string]chan struct{}

	done   chan struct{}
	closed sync.Once
}

// New starts listening on the oplog and fence channels and begins the
// background dispatch loop.
func New(ctx context.Context, db *storage.DB, logger *slog.Logger) (*Feed, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := db.Listen(ctx, storage.ChannelOplog); err != nil {
		return nil, fmt.Errorf("oplogfeed: listen %s: %w", storage.ChannelOplog, err)
	}
	if err := db.Listen(ctx, storage.ChannelFence); err != nil {
		return nil, fmt.Errorf("oplogfeed: listen %s: %w", storage.ChannelFence, err)
	}

	f := &Feed{
		db:           db,
		logger:       logger,
		subs:         make(map[int64]*subscription),
		fenceWaiters: make(map[string]chan struct{}),
		done:         make(chan struct{}),
	}
	go f.run(ctx)
	return f, nil
}

// Close stops the dispatch loop. Safe to call more than once.
func (f *Feed) Close() {
	f.closed.Do(func() { close(f.done) })
}

func (f *Feed) run(ctx context.Context) {
	for {
		select {
		case <-f.done:
			return
		default:
		}

		channel, payload, err := f.db.WaitForNotificationWithReconnect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("oplogfeed: notification loop failed, giving up on this attempt", "error", err)
			continue
		}

		switch channel {
		case storage.ChannelFence:
			f.resolveFence(payload)
		case storage.ChannelOplog:
			f.dispatch(payload)
		}
	}
}

func (f *Feed) dispatch(payload string) {
	var p entryPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		f.logger.Error("oplogfeed: malformed notification payload, dropping", "error", err)
		return
	}
	if len(p.Op) == 0 && !p.DropCollection {
		f.logger.Error("oplogfeed: notification payload missing op, dropping")
		return
	}

	entry := driver.OplogEntry{
		ID:             p.ID,
		O:              p.Doc,
		Timestamp:      p.Timestamp,
		DropCollection: p.DropCollection,
	}
	if len(p.Op) > 0 {
		entry.Op = p.Op[0]
	}

	f.mu.Lock()
	var targets []*subscription
	for _, s := range f.subs {
		if s.collection == p.Collection {
			targets = append(targets, s)
		}
	}
	f.mu.Unlock()

	for _, s := range targets {
		s.cb(entry)
	}
}

// OnOplogEntry registers cb for every entry on filter.CollectionName,
// returning a function that cancels the subscription.
func (f *Feed) OnOplogEntry(filter driver.OplogFilter, cb func(driver.OplogEntry)) func() {
	f.mu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.subs[id] = &subscription{collection: filter.CollectionName, cb: cb}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

// WaitUntilCaughtUp blocks until a round-trip notification sent right now
// has been observed by the dispatch loop, which — since Postgres delivers
// notifications on one session connection in commit order — means every
// oplog entry committed before this call was made has already been
// dispatched to subscribers.
func (f *Feed) WaitUntilCaughtUp(ctx context.Context) error {
	nonce := uuid.NewString()
	waiter := make(chan struct{})

	f.fenceMu.Lock()
	f.fenceWaiters[nonce] = waiter
	f.fenceMu.Unlock()

	defer func() {
		f.fenceMu.Lock()
		delete(f.fenceWaiters, nonce)
		f.fenceMu.Unlock()
	}()

	if err := f.db.Notify(ctx, storage.ChannelFence, nonce); err != nil {
		return fmt.Errorf("oplogfeed: send fence marker: %w", err)
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-f.done:
		return fmt.Errorf("oplogfeed: feed closed while waiting to catch up")
	}
}

func (f *Feed) resolveFence(nonce string) {
	f.fenceMu.Lock()
	waiter, ok := f.fenceWaiters[nonce]
	f.fenceMu.Unlock()
	if ok {
		close(waiter)
	}
}
