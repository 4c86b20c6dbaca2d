package matcher

import "strings"

// Projection lists the top-level fields to include when publishing a
// document to clients. A nil or empty Projection means "include everything".
type Projection map[string]int

// CombineIntoProjection unions the fields a client asked to publish with the
// fields the selector needs to re-evaluate matches against an updated
// document, so the driver never has to refetch a doc just to check whether
// an update still matches. "_id" is always included.
func CombineIntoProjection(publish Projection, selector Selector) Projection {
	if len(publish) == 0 {
		return nil // Unrestricted: caller wants every field anyway.
	}
	combined := make(Projection, len(publish)+4)
	for f, v := range publish {
		combined[f] = v
	}
	for f := range selectorTopLevelFields(selector) {
		combined[f] = 1
	}
	combined["_id"] = 1
	return combined
}

func selectorTopLevelFields(sel Selector) map[string]struct{} {
	fields := make(map[string]struct{})
	var walk func(Selector)
	walk = func(s Selector) {
		for k, v := range s {
			switch k {
			case "$and", "$or", "$nor":
				if clauses, ok := v.([]any); ok {
					for _, c := range clauses {
						if sub, ok := c.(map[string]any); ok {
							walk(Selector(sub))
						}
					}
				}
			default:
				top, _, _ := strings.Cut(k, ".")
				fields[top] = struct{}{}
			}
		}
	}
	walk(sel)
	return fields
}

// Apply returns a copy of doc containing only the projected fields; "_id"
// is kept only if the projection lists it. A nil/empty Projection returns
// doc unchanged.
func (p Projection) Apply(doc map[string]any) map[string]any {
	if len(p) == 0 || doc == nil {
		return doc
	}
	out := make(map[string]any, len(p))
	for f := range p {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Diff computes the fields of newDoc's projection that differ from oldDoc's,
// for use as the "fields" argument to Multiplexer.Changed. A field present
// in oldDoc's projection but absent from newDoc's is reported with a nil value.
func Diff(oldDoc, newDoc map[string]any, p Projection) map[string]any {
	oldProj, newProj := p.Apply(oldDoc), p.Apply(newDoc)
	diff := make(map[string]any)
	for f, v := range newProj {
		if old, ok := oldProj[f]; !ok || !deepEqual(old, v) {
			diff[f] = v
		}
	}
	for f := range oldProj {
		if _, ok := newProj[f]; !ok {
			diff[f] = nil
		}
	}
	return diff
}

func deepEqual(a, b any) bool {
	am, aok := a.(map[string]any)
	bm, bok := b.(map[string]any)
	if aok != bok {
		return false
	}
	if aok {
		if len(am) != len(bm) {
			return false
		}
		for k, v := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(v, bv) {
				return false
			}
		}
		return true
	}

	as, aIsSlice := a.([]any)
	bs, bIsSlice := b.([]any)
	if aIsSlice != bIsSlice {
		return false
	}
	if aIsSlice {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !deepEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	return a == b
}
