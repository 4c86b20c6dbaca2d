package matcher

import "strings"

// customTypePrefix marks a field path as holding a non-JSON-native value
// (e.g. an EJSON custom type). Modifiers touching such a path cannot be
// applied locally because the in-memory matcher can't reconstruct the
// custom type's semantics, so the driver must refetch the document instead.
const customTypePrefix = "EJSON$"

// ModifierAppliesLocally reports whether mod only uses operators this
// package can apply to a cached document in place ($set, $unset, $inc) and
// touches no custom-type field, so handling it never requires a refetch.
func ModifierAppliesLocally(mod map[string]any) bool {
	for op, arg := range mod {
		switch op {
		case "$set", "$inc":
			fields, ok := arg.(map[string]any)
			if !ok {
				return false
			}
			for f := range fields {
				if fieldHasCustomType(f) {
					return false
				}
			}
		case "$unset":
			fields, ok := arg.(map[string]any)
			if !ok {
				return false
			}
			for f := range fields {
				if fieldHasCustomType(f) {
					return false
				}
			}
		default:
			return false
		}
	}
	return true
}

func fieldHasCustomType(field string) bool {
	for _, part := range strings.Split(field, ".") {
		if strings.HasPrefix(part, customTypePrefix) {
			return true
		}
	}
	return false
}

// modifierFields collects the top-level fields a modifier's operators
// reference, used by Matcher.CanBecomeTrueByModifier.
func modifierFields(mod map[string]any) map[string]struct{} {
	fields := make(map[string]struct{})
	for _, arg := range mod {
		m, ok := arg.(map[string]any)
		if !ok {
			continue
		}
		for f := range m {
			top, _, _ := strings.Cut(f, ".")
			fields[top] = struct{}{}
		}
	}
	return fields
}

// ApplyModifierLocally applies a modifier for which ModifierAppliesLocally
// returned true to a copy of doc, returning the updated copy.
func ApplyModifierLocally(doc map[string]any, mod map[string]any) map[string]any {
	var clone func(m map[string]any) map[string]any
	clone = func(m map[string]any) map[string]any {
		c := make(map[string]any, len(m)+4)
		for k, v := range m {
			if sub, ok := v.(map[string]any); ok {
				v = clone(sub)
			}
			c[k] = v
		}
		return c
	}
	out := clone(doc)

	for op, arg := range mod {
		fields, _ := arg.(map[string]any)
		switch op {
		case "$set":
			for f, v := range fields {
				setDotted(out, f, v)
			}
		case "$unset":
			for f := range fields {
				unsetDotted(out, f)
			}
		case "$inc":
			for f, delta := range fields {
				incDotted(out, f, delta)
			}
		}
	}
	return out
}

func setDotted(doc map[string]any, field string, value any) {
	parts := strings.Split(field, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func unsetDotted(doc map[string]any, field string) {
	parts := strings.Split(field, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}

func incDotted(doc map[string]any, field string, delta any) {
	parts := strings.Split(field, ".")
	cur := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	last := parts[len(parts)-1]
	df, _ := asFloat(delta)
	cf, _ := asFloat(cur[last])
	cur[last] = cf + df
}
