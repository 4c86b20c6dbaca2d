package driver

import "fmt"

// addPublished adds id to the published set and notifies the multiplexer.
// If this overflows the cursor's limit, the worst (max, under the sort
// comparator) published document is evicted into the buffer.
func (d *Driver) addPublished(id string, doc map[string]any) {
	if d.published.Has(id) {
		panic(fmt.Sprintf("driver: addPublished invariant violation: %s already published", id))
	}
	d.published.Set(id, doc)
	d.mux.Added(id, d.pubProj.Apply(doc))

	if d.limit > 0 && d.published.Size() > d.limit {
		maxID, ok := d.published.MaxElementID()
		if !ok {
			panic("driver: addPublished invariant violation: overflow with no max element")
		}
		if maxID == id {
			panic("driver: addPublished invariant violation: overflow evicted the just-added id")
		}
		overflow, _ := d.published.Get(maxID)
		d.published.Remove(maxID)
		d.mux.Removed(maxID)
		if d.published.Size() > d.limit {
			panic("driver: addPublished invariant violation: published still over limit after one eviction")
		}
		d.addBuffered(maxID, overflow)
	}
}

// removePublished drops id from the published set and, if this leaves room
// under the limit, promotes the best buffered document to take its place.
func (d *Driver) removePublished(id string) {
	if !d.published.Has(id) {
		panic(fmt.Sprintf("driver: removePublished invariant violation: %s not published", id))
	}
	d.published.Remove(id)
	d.mux.Removed(id)

	if d.limit > 0 && d.published.Size() < d.limit && d.unpublishedBuffer.Size() > 0 {
		minID, _ := d.unpublishedBuffer.MinElementID()
		promoted, _ := d.unpublishedBuffer.Get(minID)
		d.removeBuffered(minID)
		d.addPublished(minID, promoted)
	}
}

// changePublished updates a published document's cached value and tells the
// multiplexer about whatever part of its publish projection changed.
func (d *Driver) changePublished(id string, newDoc map[string]any) {
	oldDoc, ok := d.published.Get(id)
	if !ok {
		panic(fmt.Sprintf("driver: changePublished invariant violation: %s not published", id))
	}
	d.published.Set(id, newDoc)
	if diff := projectionDiff(oldDoc, newDoc, d.pubProj); len(diff) > 0 {
		d.mux.Changed(id, diff)
	}
}

// addBuffered adds id to the unpublished buffer. If this overflows the
// limit, the worst buffered document is dropped and safeAppendToBuffer is
// cleared, since the buffer can no longer be trusted to hold every
// candidate between the published set and the true next document.
func (d *Driver) addBuffered(id string, doc map[string]any) {
	if d.unpublishedBuffer.Has(id) {
		panic(fmt.Sprintf("driver: addBuffered invariant violation: %s already buffered", id))
	}
	d.unpublishedBuffer.Set(id, doc)
	if d.limit > 0 && d.unpublishedBuffer.Size() > d.limit {
		maxID, _ := d.unpublishedBuffer.MaxElementID()
		d.unpublishedBuffer.Remove(maxID)
		d.safeAppendToBuffer = false
	}
}

// removeBuffered drops id from the unpublished buffer. If this empties the
// buffer while it's no longer safe to treat as exhaustive, a repoll is needed.
func (d *Driver) removeBuffered(id string) {
	if !d.unpublishedBuffer.Has(id) {
		panic(fmt.Sprintf("driver: removeBuffered invariant violation: %s not buffered", id))
	}
	d.unpublishedBuffer.Remove(id)
	if d.unpublishedBuffer.Size() == 0 && !d.safeAppendToBuffer {
		d.needToPollQueryLocked()
	}
}
