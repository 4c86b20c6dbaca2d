// Package matcher compiles cursor selectors into in-memory document
// matchers, builds sort comparators and field projections, and applies
// simple modifiers locally so the driver can avoid a refetch when possible.
package matcher

import "strings"

// Selector is a MongoDB-style query selector: field names (possibly using
// operator sub-documents) mapped to the value or condition they must satisfy.
type Selector map[string]any

// Matcher tests whether a document satisfies a compiled Selector.
type Matcher struct {
	selector Selector
}

// Compile compiles selector into a Matcher. Compilation never fails — any
// selector that is syntactically a map compiles; operators this package
// can't evaluate later make DocumentMatches conservatively return false,
// and admissibility is decided separately by HasWhere/HasGeoQuery.
func Compile(selector Selector) *Matcher {
	if selector == nil {
		selector = Selector{}
	}
	return &Matcher{selector: selector}
}

// DocumentMatches reports whether doc satisfies the compiled selector.
func (m *Matcher) DocumentMatches(doc map[string]any) bool {
	return matchSelector(m.selector, doc)
}

// HasWhere reports whether the selector contains a $where clause, which
// requires executing arbitrary code against each candidate document and
// cannot be evaluated by this in-memory matcher.
func (m *Matcher) HasWhere() bool {
	return hasKey(m.selector, "$where")
}

var geoOperators = []string{"$near", "$nearSphere", "$geoWithin", "$geoIntersects"}

// HasGeoQuery reports whether the selector contains a geospatial operator.
func (m *Matcher) HasGeoQuery() bool {
	for _, op := range geoOperators {
		if hasKey(m.selector, op) {
			return true
		}
	}
	return false
}

// CanBecomeTrueByModifier conservatively reports whether applying mod to
// some document that currently does not match could make it start
// matching. It returns true unless every field referenced by mod is
// provably absent from the selector, in which case the modifier cannot
// possibly change the selector's verdict.
func (m *Matcher) CanBecomeTrueByModifier(mod map[string]any) bool {
	touched := modifierFields(mod)
	if len(touched) == 0 {
		return true // Unrecognized modifier shape: be conservative.
	}
	for f := range touched {
		if selectorReferencesField(m.selector, f) {
			return true
		}
	}
	return false
}

func hasKey(sel Selector, key string) bool {
	for k, v := range sel {
		if k == key {
			return true
		}
		switch k {
		case "$and", "$or", "$nor":
			if clauses, ok := v.([]any); ok {
				for _, c := range clauses {
					if sub, ok := c.(map[string]any); ok && hasKey(Selector(sub), key) {
						return true
					}
				}
			}
		default:
			if sub, ok := v.(map[string]any); ok && hasKey(Selector(sub), key) {
				return true
			}
		}
	}
	return false
}

func selectorReferencesField(sel Selector, field string) bool {
	for k, v := range sel {
		switch k {
		case "$and", "$or", "$nor":
			if clauses, ok := v.([]any); ok {
				for _, c := range clauses {
					if sub, ok := c.(map[string]any); ok && selectorReferencesField(Selector(sub), field) {
						return true
					}
				}
			}
		default:
			if k == field || strings.HasPrefix(k, field+".") || strings.HasPrefix(field, k+".") {
				return true
			}
		}
	}
	return false
}

func matchSelector(sel Selector, doc map[string]any) bool {
	for field, cond := range sel {
		switch field {
		case "$and":
			clauses, _ := cond.([]any)
			for _, c := range clauses {
				sub, ok := c.(map[string]any)
				if !ok || !matchSelector(Selector(sub), doc) {
					return false
				}
			}
		case "$or":
			clauses, _ := cond.([]any)
			matched := false
			for _, c := range clauses {
				sub, ok := c.(map[string]any)
				if ok && matchSelector(Selector(sub), doc) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case "$nor":
			clauses, _ := cond.([]any)
			for _, c := range clauses {
				sub, ok := c.(map[string]any)
				if ok && matchSelector(Selector(sub), doc) {
					return false
				}
			}
		case "$where":
			return false // Not evaluable; admissibility should have rejected this cursor already.
		default:
			if !matchField(doc, field, cond) {
				return false
			}
		}
	}
	return true
}

func matchField(doc map[string]any, field string, cond any) bool {
	value := lookupField(doc, field)

	condMap, isOps := cond.(map[string]any)
	if !isOps {
		return compareEqual(value, cond)
	}

	allOperators := true
	for k := range condMap {
		if !strings.HasPrefix(k, "$") {
			allOperators = false
			break
		}
	}
	if !allOperators {
		return compareEqual(value, cond)
	}

	for op, arg := range condMap {
		switch op {
		case "$eq":
			if !compareEqual(value, arg) {
				return false
			}
		case "$ne":
			if compareEqual(value, arg) {
				return false
			}
		case "$gt":
			if compareValues(value, arg) <= 0 {
				return false
			}
		case "$gte":
			if compareValues(value, arg) < 0 {
				return false
			}
		case "$lt":
			if compareValues(value, arg) >= 0 {
				return false
			}
		case "$lte":
			if compareValues(value, arg) > 0 {
				return false
			}
		case "$in":
			if !inSlice(value, arg) {
				return false
			}
		case "$nin":
			if inSlice(value, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			_, exists := fieldExists(doc, field)
			if exists != want {
				return false
			}
		default:
			return false // Unsupported operator: conservatively fail the match.
		}
	}
	return true
}

func lookupField(doc map[string]any, field string) any {
	v, _ := fieldExists(doc, field)
	return v
}

// fieldExists resolves a dotted field path against nested maps.
func fieldExists(doc map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func compareEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compareValues(a, b) == 0
}

func inSlice(value any, arg any) bool {
	items, ok := arg.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if compareEqual(value, item) {
			return true
		}
	}
	return false
}
