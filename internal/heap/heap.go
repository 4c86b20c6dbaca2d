// Package heap provides an id-indexed priority container: a binary heap
// ordered by a caller-supplied comparator, paired with a hash index so
// documents can also be looked up by id in O(1) (amortized) time, and
// updated or removed by id in O(log n), instead of only by heap position.
package heap

import stdheap "container/heap"

// Doc is the opaque cached representation of a document: a field map keyed
// by field name, always including an "_id" entry.
type Doc = map[string]any

// Comparator reports whether a sorts strictly before b under some
// cursor's sort specification. It must be a strict weak ordering.
type Comparator func(a, b Doc) bool

type entry struct {
	id  string
	doc Doc
}

// IDHeap caches documents by id, ordered by a Comparator. The document at
// the root of the heap is always the minimum under Comparator; finding the
// maximum requires a linear scan, which is acceptable because the driver
// never lets a single IDHeap grow past roughly twice the cursor's limit.
type IDHeap struct {
	cmp     Comparator
	entries []*entry
	index   map[string]int
}

// New creates an empty IDHeap ordered by cmp.
func New(cmp Comparator) *IDHeap {
	return &IDHeap{cmp: cmp, index: make(map[string]int)}
}

// The following five methods implement container/heap.Interface. They are
// exported only because the standard library requires that; callers should
// use Set/Get/Has/Remove instead of calling these directly.

func (h *IDHeap) Len() int { return len(h.entries) }

func (h *IDHeap) Less(i, j int) bool { return h.cmp(h.entries[i].doc, h.entries[j].doc) }

func (h *IDHeap) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.index[h.entries[i].id] = i
	h.index[h.entries[j].id] = j
}

func (h *IDHeap) Push(x any) {
	e := x.(*entry)
	h.index[e.id] = len(h.entries)
	h.entries = append(h.entries, e)
}

func (h *IDHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.entries = old[:n-1]
	delete(h.index, e.id)
	return e
}

// Set inserts id/doc, or if id is already cached, updates its doc and
// repositions it in the heap.
func (h *IDHeap) Set(id string, doc Doc) {
	if pos, ok := h.index[id]; ok {
		h.entries[pos].doc = doc
		stdheap.Fix(h, pos)
		return
	}
	stdheap.Push(h, &entry{id: id, doc: doc})
}

// Get returns the cached doc for id, if any.
func (h *IDHeap) Get(id string) (Doc, bool) {
	pos, ok := h.index[id]
	if !ok {
		return nil, false
	}
	return h.entries[pos].doc, true
}

// Has reports whether id is cached.
func (h *IDHeap) Has(id string) bool {
	_, ok := h.index[id]
	return ok
}

// Remove deletes id from the heap. A no-op if id isn't cached.
func (h *IDHeap) Remove(id string) {
	pos, ok := h.index[id]
	if !ok {
		return
	}
	stdheap.Remove(h, pos)
}

// Size returns the number of cached documents.
func (h *IDHeap) Size() int { return len(h.entries) }

// MinElementID returns the id of the document that sorts first under Comparator.
func (h *IDHeap) MinElementID() (string, bool) {
	if len(h.entries) == 0 {
		return "", false
	}
	return h.entries[0].id, true
}

// MaxElementID returns the id of the document that sorts last under Comparator.
func (h *IDHeap) MaxElementID() (string, bool) {
	if len(h.entries) == 0 {
		return "", false
	}
	max := h.entries[0]
	for _, e := range h.entries[1:] {
		if h.cmp(max.doc, e.doc) {
			max = e
		}
	}
	return max.id, true
}

// Clear removes all cached documents.
func (h *IDHeap) Clear() {
	h.entries = nil
	h.index = make(map[string]int)
}

// ForEach calls fn for every cached id/doc pair, in unspecified order. fn
// must not mutate the heap; collect ids to remove and call Remove afterward.
func (h *IDHeap) ForEach(fn func(id string, doc Doc)) {
	for _, e := range h.entries {
		fn(e.id, e.doc)
	}
}
