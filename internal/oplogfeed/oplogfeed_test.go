package oplogfeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jsnelgro/oplogwatch/internal/driver"
)

func newTestFeed() *Feed {
	return &Feed{
		subs:         make(map[int64]*subscription),
		fenceWaiters: make(map[string]chan struct{}),
		done:         make(chan struct{}),
	}
}

func TestDispatchOnlyNotifiesMatchingCollection(t *testing.T) {
	f := newTestFeed()

	var itemsEntries, usersEntries []driver.OplogEntry
	f.OnOplogEntry(driver.OplogFilter{CollectionName: "items"}, func(e driver.OplogEntry) {
		itemsEntries = append(itemsEntries, e)
	})
	f.OnOplogEntry(driver.OplogFilter{CollectionName: "users"}, func(e driver.OplogEntry) {
		usersEntries = append(usersEntries, e)
	})

	f.dispatch(`{"op":"i","collection":"items","id":"1","doc":{"_id":"1"},"ts":1}`)

	require.Len(t, itemsEntries, 1)
	require.Empty(t, usersEntries)
	require.Equal(t, byte('i'), itemsEntries[0].Op)
	require.Equal(t, "1", itemsEntries[0].ID)
}

func TestDispatchDropCollection(t *testing.T) {
	f := newTestFeed()

	var got []driver.OplogEntry
	f.OnOplogEntry(driver.OplogFilter{CollectionName: "items"}, func(e driver.OplogEntry) {
		got = append(got, e)
	})

	f.dispatch(`{"collection":"items","drop_collection":true}`)

	require.Len(t, got, 1)
	require.True(t, got[0].DropCollection)
}

func TestDispatchMalformedPayloadIsIgnored(t *testing.T) {
	f := newTestFeed()

	called := false
	f.OnOplogEntry(driver.OplogFilter{CollectionName: "items"}, func(driver.OplogEntry) {
		called = true
	})

	f.dispatch(`not json`)
	require.False(t, called)
}

func TestUnsubscribeStopsFurtherDispatch(t *testing.T) {
	f := newTestFeed()

	count := 0
	stop := f.OnOplogEntry(driver.OplogFilter{CollectionName: "items"}, func(driver.OplogEntry) {
		count++
	})

	f.dispatch(`{"op":"i","collection":"items","id":"1","ts":1}`)
	stop()
	f.dispatch(`{"op":"i","collection":"items","id":"2","ts":2}`)

	require.Equal(t, 1, count)
}

func TestResolveFenceUnblocksRegisteredWaiter(t *testing.T) {
	f := newTestFeed()

	waiter := make(chan struct{})
	f.fenceMu.Lock()
	f.fenceWaiters["nonce-1"] = waiter
	f.fenceMu.Unlock()

	f.resolveFence("nonce-1")

	select {
	case <-waiter:
	case <-time.After(time.Second):
		t.Fatal("resolveFence did not close the waiter channel")
	}
}

func TestResolveFenceUnknownNonceIsNoop(t *testing.T) {
	f := newTestFeed()
	require.NotPanics(t, func() { f.resolveFence("unknown") })
}
