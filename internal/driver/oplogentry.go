package driver

import (
	"fmt"
	"strings"

	"github.com/jsnelgro/oplogwatch/internal/matcher"
)

// handleOplogEntry is the driver's sole entry point for change-stream
// records. It runs synchronously and must never suspend: anything that
// needs to look up or wait for something is queued into needToFetch and
// picked up by the fetch loop instead.
func (d *Driver) handleOplogEntry(e OplogEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if e.DropCollection {
		d.needToPollQueryLocked()
		return
	}

	if d.phase == PhaseQuerying {
		d.queueFetchLocked(e.ID, e.Timestamp)
		return
	}

	if ts, fetching := d.currentlyFetching[e.ID]; fetching {
		if e.Timestamp > ts {
			d.currentlyFetching[e.ID] = e.Timestamp
		}
		return
	}
	if ts, queued := d.needToFetch[e.ID]; queued {
		if e.Timestamp > ts {
			d.needToFetch[e.ID] = e.Timestamp
		}
		return
	}

	switch e.Op {
	case 'd':
		if d.published.Has(e.ID) || d.unpublishedBuffer.Has(e.ID) {
			d.removeMatching(e.ID)
		}

	case 'i':
		if d.published.Has(e.ID) || d.unpublishedBuffer.Has(e.ID) {
			panic(fmt.Sprintf("driver: insert oplog entry for already-cached id %s", e.ID))
		}
		if d.matcher.DocumentMatches(e.O) {
			d.addMatching(e.ID, d.sharedProj.Apply(e.O))
		}

	case 'u':
		d.handleUpdate(e)

	default:
		panic(fmt.Sprintf("driver: unsupported oplog operation %q", string(e.Op)))
	}
}

func (d *Driver) handleUpdate(e OplogEntry) {
	if !isModifier(e.O) {
		replacement := make(map[string]any, len(e.O)+1)
		for k, v := range e.O {
			replacement[k] = v
		}
		replacement["_id"] = e.ID
		d.handleDoc(e.ID, d.sharedProj.Apply(replacement))
		return
	}

	cached := d.published.Has(e.ID) || d.unpublishedBuffer.Has(e.ID)
	if cached && matcher.ModifierAppliesLocally(e.O) {
		var cur map[string]any
		if d.published.Has(e.ID) {
			cur, _ = d.published.Get(e.ID)
		} else {
			cur, _ = d.unpublishedBuffer.Get(e.ID)
		}
		updated := matcher.ApplyModifierLocally(cur, e.O)
		d.handleDoc(e.ID, d.sharedProj.Apply(updated))
		return
	}

	if d.matcher.CanBecomeTrueByModifier(e.O) || cached {
		d.queueFetchLocked(e.ID, e.Timestamp)
		return
	}
	// Document doesn't match now, isn't cached, and this modifier provably
	// can't make it match: safe to ignore without a refetch.
}

// queueFetchLocked records that id needs to be resolved against the store,
// entering PhaseFetching if the driver was STEADY. Caller must hold d.mu.
func (d *Driver) queueFetchLocked(id string, ts int64) {
	d.needToFetch[id] = ts
	if d.phase == PhaseSteady {
		d.transitionTo(PhaseFetching)
		go d.runFetchLoop()
	}
}

func isModifier(o map[string]any) bool {
	for k := range o {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}
