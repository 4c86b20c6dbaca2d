package driver

// handleDoc classifies an incoming doc (the result of a fetch, a query row,
// or a fully-known update/insert) against its current cache state and
// drives whichever cache mutators apply. newDoc == nil means "known to no
// longer exist or no longer match".
func (d *Driver) handleDoc(id string, newDoc map[string]any) {
	matchesNow := newDoc != nil && d.matcher.DocumentMatches(newDoc)
	publishedBefore := d.published.Has(id)
	bufferedBefore := d.unpublishedBuffer.Has(id)
	cachedBefore := publishedBefore || bufferedBefore

	switch {
	case matchesNow && !cachedBefore:
		d.addMatching(id, newDoc)

	case !matchesNow && cachedBefore:
		d.removeMatching(id)

	case !matchesNow && !cachedBefore:
		// Not cached and still doesn't match: nothing to do.

	case matchesNow && publishedBefore:
		d.handleChangedPublished(id, newDoc)

	case matchesNow && bufferedBefore:
		d.handleChangedBuffered(id, newDoc)
	}
}

// handleChangedPublished updates an already-published document in place
// unless the change makes it rank worse than the best buffered candidate,
// in which case it's demoted and the best buffered candidate promoted.
func (d *Driver) handleChangedPublished(id string, newDoc map[string]any) {
	minBufID, hasBuf := d.unpublishedBuffer.MinElementID()
	if d.limit == 0 || !hasBuf {
		d.changePublished(id, newDoc)
		return
	}

	minBuf, _ := d.unpublishedBuffer.Get(minBufID)
	if !d.cmp(minBuf, newDoc) { // cmp(newDoc, minBuffered) <= 0
		d.changePublished(id, newDoc)
		return
	}

	d.removePublished(id)
	d.reinsertIntoBufferOrDrop(id, newDoc)
}

// handleChangedBuffered re-evaluates a buffered document that changed in
// place (no multiplexer event, since buffered documents aren't client-visible).
func (d *Driver) handleChangedBuffered(id string, newDoc map[string]any) {
	d.unpublishedBuffer.Remove(id)

	maxPubID, hasPub := d.published.MaxElementID()
	if !hasPub {
		d.addPublished(id, newDoc)
		return
	}
	maxPub, _ := d.published.Get(maxPubID)
	if d.cmp(newDoc, maxPub) {
		d.addPublished(id, newDoc)
		return
	}

	if d.safeAppendToBuffer {
		d.unpublishedBuffer.Set(id, newDoc)
		return
	}
	if maxBufID, ok := d.unpublishedBuffer.MaxElementID(); ok {
		maxBuf, _ := d.unpublishedBuffer.Get(maxBufID)
		if !d.cmp(maxBuf, newDoc) {
			d.unpublishedBuffer.Set(id, newDoc)
			return
		}
	}
	d.safeAppendToBuffer = false
}

// reinsertIntoBufferOrDrop is the shared tail of handleChangedPublished's
// demotion path: buffer the just-demoted document if possible, otherwise
// drop it and mark the buffer no longer exhaustive.
func (d *Driver) reinsertIntoBufferOrDrop(id string, doc map[string]any) {
	if d.safeAppendToBuffer {
		d.addBuffered(id, doc)
		return
	}
	if maxBufID, ok := d.unpublishedBuffer.MaxElementID(); ok {
		maxBuf, _ := d.unpublishedBuffer.Get(maxBufID)
		if !d.cmp(maxBuf, doc) {
			d.addBuffered(id, doc)
			return
		}
	}
	d.safeAppendToBuffer = false
}
