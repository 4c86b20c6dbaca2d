package driver

import "fmt"

// addMatching classifies a newly-matching document as published, buffered,
// or dropped entirely, per spec: publish if there's room or the document
// outranks the current published max; otherwise buffer it if the buffer is
// known-exhaustive or the document doesn't outrank the buffered max;
// otherwise the buffer is no longer trustworthy as exhaustive.
func (d *Driver) addMatching(id string, doc map[string]any) {
	if d.published.Has(id) || d.unpublishedBuffer.Has(id) {
		panic(fmt.Sprintf("driver: addMatching invariant violation: %s already cached", id))
	}

	if d.limit == 0 || d.published.Size() < d.limit {
		d.addPublished(id, doc)
		return
	}

	maxPubID, _ := d.published.MaxElementID()
	maxPub, _ := d.published.Get(maxPubID)
	if d.cmp(doc, maxPub) {
		d.addPublished(id, doc)
		return
	}

	if d.safeAppendToBuffer && d.unpublishedBuffer.Size() < d.limit {
		d.addBuffered(id, doc)
		return
	}
	if maxBufID, ok := d.unpublishedBuffer.MaxElementID(); ok {
		maxBuf, _ := d.unpublishedBuffer.Get(maxBufID)
		if !d.cmp(maxBuf, doc) { // cmp(doc, maxBuffered) <= 0
			d.addBuffered(id, doc)
			return
		}
	}
	d.safeAppendToBuffer = false
}

// removeMatching drops a document that no longer matches the selector from
// whichever cache (published or buffered) currently holds it.
func (d *Driver) removeMatching(id string) {
	if d.published.Has(id) {
		d.removePublished(id)
		return
	}
	if d.unpublishedBuffer.Has(id) {
		d.removeBuffered(id)
		return
	}
	panic(fmt.Sprintf("driver: removeMatching invariant violation: %s not cached", id))
}
