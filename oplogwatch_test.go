package oplogwatch

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/jsnelgro/oplogwatch/internal/matcher"
)

func TestWatchPublishesInitialMatchingDocs(t *testing.T) {
	store := newFakeStore()
	store.put(map[string]any{"_id": "1", "status": "open"})
	store.put(map[string]any{"_id": "2", "status": "closed"})

	oplog := &fakeOplogHandle{}
	mux := &fakeMux{}

	h, err := Watch(context.Background(), "items", map[string]any{"status": "open"}, Deps{
		Oplog:   oplog,
		Fetcher: store,
		Querier: store,
		Mux:     mux,
		Fence:   fakeFence{},
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer h.Stop()

	waitFor(t, "watch reaches STEADY", func() bool { return h.Phase() == PhaseSteady })
	if got := mux.snapshotAdded(); len(got) != 1 || got[0] != "1" {
		t.Fatalf("added = %v, want [1]", got)
	}
}

func TestWatchRejectsLimitWithoutSort(t *testing.T) {
	store := newFakeStore()
	oplog := &fakeOplogHandle{}
	mux := &fakeMux{}

	_, err := Watch(context.Background(), "items", map[string]any{}, Deps{
		Oplog:   oplog,
		Fetcher: store,
		Querier: store,
		Mux:     mux,
		Fence:   fakeFence{},
	}, WithLimit(5))
	if err == nil {
		t.Fatal("expected Watch to reject a limit without a sort")
	}
}

func TestCaptureWriteReturnsOnceSteady(t *testing.T) {
	store := newFakeStore()
	oplog := &fakeOplogHandle{}
	mux := &fakeMux{}

	h, err := Watch(context.Background(), "items", map[string]any{}, Deps{
		Oplog:   oplog,
		Fetcher: store,
		Querier: store,
		Mux:     mux,
		Fence:   fakeFence{},
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer h.Stop()

	waitFor(t, "watch reaches STEADY", func() bool { return h.Phase() == PhaseSteady })

	done := make(chan struct{})
	go func() {
		h.CaptureWrite(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CaptureWrite did not return once already STEADY")
	}
}

// --- fakes -------------------------------------------------------------

type fakeOplogHandle struct {
	mu sync.Mutex
	cb func(OplogEntry)
}

func (f *fakeOplogHandle) OnOplogEntry(_ OplogFilter, cb func(OplogEntry)) func() {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.cb = nil
		f.mu.Unlock()
	}
}

func (f *fakeOplogHandle) WaitUntilCaughtUp(context.Context) error { return nil }

type fakeStore struct {
	mu   sync.Mutex
	docs map[string]map[string]any
}

func newFakeStore() *fakeStore { return &fakeStore{docs: make(map[string]map[string]any)} }

func (s *fakeStore) put(doc map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc["_id"].(string)] = cloneDoc(doc)
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
	s.mu.Lock()
	docs := make([]map[string]any, 0, len(s.docs))
	for _, d := range s.docs {
		if matches(selector, d) {
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

// matches is a minimal equality-only matcher sufficient for this test's
// fixtures — the real selector language is exercised by internal/matcher's
// own tests, not duplicated here.
func matches(selector map[string]any, doc map[string]any) bool {
	for k, v := range selector {
		if doc[k] != v {
			return false
		}
	}
	return true
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

type fakeMux struct {
	mu    sync.Mutex
	added []string
}

func (m *fakeMux) Added(id string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, id)
}
func (m *fakeMux) Changed(string, map[string]any) {}
func (m *fakeMux) Removed(string)                 {}
func (m *fakeMux) Ready()                         {}
func (m *fakeMux) OnFlush(cb func())              { cb() }

func (m *fakeMux) snapshotAdded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.added...)
}

type fakeFence struct{}
type fakeToken struct{}

func (fakeToken) Committed()             {}
func (fakeFence) BeginWrite() WriteToken { return fakeToken{} }

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
