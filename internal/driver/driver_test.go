package driver

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jsnelgro/oplogwatch/internal/matcher"
)

// --- fakes -------------------------------------------------------------

type fakeMatcher struct {
	m *matcher.Matcher
}

func newFakeMatcher(sel matcher.Selector) *fakeMatcher { return &fakeMatcher{m: matcher.Compile(sel)} }

func (f *fakeMatcher) DocumentMatches(doc map[string]any) bool { return f.m.DocumentMatches(doc) }
func (f *fakeMatcher) CanBecomeTrueByModifier(mod map[string]any) bool {
	return f.m.CanBecomeTrueByModifier(mod)
}
func (f *fakeMatcher) HasWhere() bool    { return f.m.HasWhere() }
func (f *fakeMatcher) HasGeoQuery() bool { return f.m.HasGeoQuery() }

type fakeOplog struct {
	mu      sync.Mutex
	cb      func(OplogEntry)
	caughtUpErr error
}

func (f *fakeOplog) OnOplogEntry(_ OplogFilter, cb func(OplogEntry)) func() {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cb = nil
		f.mu.Unlock()
	}
}

func (f *fakeOplog) WaitUntilCaughtUp(ctx context.Context) error { return f.caughtUpErr }

func (f *fakeOplog) emit(e OplogEntry) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

type fakeStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
}

func newFakeStore() *fakeStore { return &fakeStore{docs: make(map[string]map[string]any)} }

func (s *fakeStore) put(doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[docID(doc)] = cloneDoc(doc)
}

func (s *fakeStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

func (s *fakeStore) Fetch(_ context.Context, _, id string, _ int64, cb func(doc map[string]any, err error)) {
	s.mu.Lock()
	doc, ok := s.docs[id]
	s.mu.Unlock()
	if !ok {
		cb(nil, nil)
		return
	}
	cb(cloneDoc(doc), nil)
}

func (s *fakeStore) RunQuery(_ context.Context, _ string, selector map[string]any, _ map[string]int, sort []matcher.SortField, limit int, cb func(doc map[string]any) error) (int, error) {
	m := matcher.Compile(matcher.Selector(selector))
	s.mu.Lock()
	docs := make([]map[string]any, 0, len(s.docs))
	for _, d := range s.docs {
		if m.DocumentMatches(d) {
			docs = append(docs, cloneDoc(d))
		}
	}
	s.mu.Unlock()

	if len(sort) > 0 {
		cmp := matcher.BuildComparator(sort)
		slices.SortFunc(docs, func(a, b map[string]any) int {
			switch {
			case cmp(a, b):
				return -1
			case cmp(b, a):
				return 1
			default:
				return 0
			}
		})
	}

	fetched := 0
	for _, d := range docs {
		if limit > 0 && fetched >= limit {
			break
		}
		fetched++
		if err := cb(d); err != nil {
			return fetched, err
		}
	}
	return fetched, nil
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

type fakeMux struct {
	mu      sync.Mutex
	added   []string
	changed []string
	removed []string
	ready   int
	onFlush []func()
}

func (m *fakeMux) Added(id string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, id)
}
func (m *fakeMux) Changed(id string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = append(m.changed, id)
}
func (m *fakeMux) Removed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
}
func (m *fakeMux) Ready() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready++
}
func (m *fakeMux) OnFlush(cb func()) {
	m.mu.Lock()
	m.onFlush = append(m.onFlush, cb)
	m.mu.Unlock()
	cb() // This fake flushes synchronously; real multiplexers flush on their own schedule.
}

func (m *fakeMux) snapshotAdded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.added...)
}

type fakeFence struct{}

type fakeToken struct{ committed chan struct{} }

func (t *fakeToken) Committed() { close(t.committed) }

func (fakeFence) BeginWrite() WriteToken { return &fakeToken{committed: make(chan struct{})} }

// --- helpers -------------------------------------------------------------

func waitFor(t *testing.T, desc string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", desc)
}

func newTestDriver(t *testing.T, store *fakeStore, oplog *fakeOplog, mux *fakeMux, sel matcher.Selector, limit int, sort []SortField) *Driver {
	t.Helper()
	cursor := CursorDescription{
		CollectionName: "items",
		Selector:       map[string]any(sel),
		Options:        CursorOptions{Limit: limit, Sort: sort},
	}
	d, err := New(cursor, newFakeMatcher(sel), oplog, store, store, mux, fakeFence{}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// --- scenarios -----------------------------------------------------------

func TestInitialQueryPublishesMatchingDocs(t *testing.T) {
	store := newFakeStore()
	store.put(map[string]any{"_id": "1", "status": "open"})
	store.put(map[string]any{"_id": "2", "status": "closed"})

	oplog := &fakeOplog{}
	mux := &fakeMux{}
	d := newTestDriver(t, store, oplog, mux, matcher.Selector{"status": "open"}, 0, nil)
	d.Start(context.Background())

	waitFor(t, "driver reaches STEADY", func() bool { return d.Phase() == PhaseSteady })
	if got := mux.snapshotAdded(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("added = %v, want [1]", got)
	}
	d.Stop()
}

func TestInsertOplogEntryPublishesMatchingDoc(t *testing.T) {
	store := newFakeStore()
	oplog := &fakeOplog{}
	mux := &fakeMux{}
	d := newTestDriver(t, store, oplog, mux, matcher.Selector{"status": "open"}, 0, nil)
	d.Start(context.Background())
	waitFor(t, "driver reaches STEADY", func() bool { return d.Phase() == PhaseSteady })

	oplog.emit(OplogEntry{Op: 'i', ID: "5", O: map[string]any{"_id": "5", "status": "open"}})

	waitFor(t, "doc 5 published", func() bool {
		got := mux.snapshotAdded()
		return len(got) == 1 && got[0] == "5"
	})
	d.Stop()
}

func TestUpdateModifierAppliedLocallyWithoutFetch(t *testing.T) {
	store := newFakeStore()
	store.put(map[string]any{"_id": "1", "status": "open", "n": float64(1)})
	oplog := &fakeOplog{}
	mux := &fakeMux{}
	d := newTestDriver(t, store, oplog, mux, matcher.Selector{"status": "open"}, 0, nil)
	d.Start(context.Background())
	waitFor(t, "initial publish", func() bool { return len(mux.snapshotAdded()) == 1 })

	// Delete from the store entirely — a local $set apply must not need to
	// refetch, so the cache still reflects the modifier, not the store.
	store.delete("1")
	oplog.emit(OplogEntry{Op: 'u', ID: "1", O: map[string]any{"$set": map[string]any{"n": float64(2)}}})

	waitFor(t, "local modifier changes n without going to FETCHING", func() bool {
		doc, ok := d.published.Get("1")
		return ok && doc["n"] == float64(2)
	})
	if d.Phase() != PhaseSteady {
		t.Fatalf("phase = %v, want STEADY (locally-applicable modifiers shouldn't trigger a fetch)", d.Phase())
	}
	d.Stop()
}

func TestUpdateReplacementNoLongerMatchingRemovesDoc(t *testing.T) {
	store := newFakeStore()
	store.put(map[string]any{"_id": "1", "status": "open"})
	oplog := &fakeOplog{}
	mux := &fakeMux{}
	d := newTestDriver(t, store, oplog, mux, matcher.Selector{"status": "open"}, 0, nil)
	d.Start(context.Background())
	waitFor(t, "initial publish", func() bool { return len(mux.snapshotAdded()) == 1 })

	oplog.emit(OplogEntry{Op: 'u', ID: "1", O: map[string]any{"status": "closed"}})

	waitFor(t, "doc removed after no longer matching", func() bool {
		m := mux
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.removed) == 1 && m.removed[0] == "1"
	})
	d.Stop()
}

func TestLimitOverflowBuffersAndPromotes(t *testing.T) {
	store := newFakeStore()
	store.put(map[string]any{"_id": "1", "n": float64(10)})
	store.put(map[string]any{"_id": "2", "n": float64(20)})
	store.put(map[string]any{"_id": "3", "n": float64(30)})
	store.put(map[string]any{"_id": "4", "n": float64(40)})

	oplog := &fakeOplog{}
	mux := &fakeMux{}
	d := newTestDriver(t, store, oplog, mux, matcher.Selector{}, 2, []SortField{{Field: "n", Ascending: true}})
	d.Start(context.Background())
	waitFor(t, "driver reaches STEADY", func() bool { return d.Phase() == PhaseSteady })

	if d.published.Size() != 2 {
		t.Fatalf("published.Size() = %d, want 2", d.published.Size())
	}
	if d.unpublishedBuffer.Size() != 2 {
		t.Fatalf("unpublishedBuffer.Size() = %d, want 2", d.unpublishedBuffer.Size())
	}
	if !d.published.Has("1") || !d.published.Has("2") {
		t.Fatalf("expected docs 1 and 2 (smallest n) published")
	}

	// Remove a published doc: doc 3 (smallest buffered) should be promoted.
	store.delete("1")
	oplog.emit(OplogEntry{Op: 'd', ID: "1"})

	waitFor(t, "doc 3 promoted into published", func() bool {
		return d.published.Has("3") && !d.unpublishedBuffer.Has("3")
	})
	if d.published.Size() != 2 {
		t.Fatalf("published.Size() = %d, want 2 after promotion", d.published.Size())
	}
	d.Stop()
}

func TestPendingWriteTokenCommittedOnReachingSteady(t *testing.T) {
	store := newFakeStore()
	oplog := &fakeOplog{}
	mux := &fakeMux{}
	d := newTestDriver(t, store, oplog, mux, matcher.Selector{}, 0, nil)
	d.Start(context.Background())
	waitFor(t, "driver reaches STEADY", func() bool { return d.Phase() == PhaseSteady })

	token := &fakeToken{committed: make(chan struct{})}
	d.mu.Lock()
	d.writesToCommitWhenWeReachSteady = append(d.writesToCommitWhenWeReachSteady, token)
	d.mu.Unlock()

	d.mu.Lock()
	d.transitionTo(PhaseFetching)
	d.transitionTo(PhaseSteady)
	d.mu.Unlock()

	select {
	case <-token.committed:
	case <-time.After(time.Second):
		t.Fatal("token was not committed after reaching STEADY")
	}
	d.Stop()
}

func TestStopClearsCacheAndStopsOplog(t *testing.T) {
	store := newFakeStore()
	store.put(map[string]any{"_id": "1", "status": "open"})
	oplog := &fakeOplog{}
	mux := &fakeMux{}
	d := newTestDriver(t, store, oplog, mux, matcher.Selector{"status": "open"}, 0, nil)
	d.Start(context.Background())
	waitFor(t, "initial publish", func() bool { return len(mux.snapshotAdded()) == 1 })

	d.Stop()
	if d.published.Size() != 0 {
		t.Fatalf("published.Size() after Stop = %d, want 0", d.published.Size())
	}
	oplog.mu.Lock()
	stillSubscribed := oplog.cb != nil
	oplog.mu.Unlock()
	if stillSubscribed {
		t.Fatal("expected oplog subscription to be cancelled after Stop")
	}
}
