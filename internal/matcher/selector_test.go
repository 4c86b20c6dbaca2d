package matcher

import "testing"

func TestDocumentMatchesEquality(t *testing.T) {
	m := Compile(Selector{"status": "open"})
	if !m.DocumentMatches(map[string]any{"status": "open"}) {
		t.Fatal("expected match on equal status")
	}
	if m.DocumentMatches(map[string]any{"status": "closed"}) {
		t.Fatal("expected no match on different status")
	}
}

func TestDocumentMatchesOperators(t *testing.T) {
	m := Compile(Selector{"n": map[string]any{"$gte": float64(10), "$lt": float64(20)}})
	if !m.DocumentMatches(map[string]any{"n": float64(15)}) {
		t.Fatal("expected 15 to be in [10,20)")
	}
	if m.DocumentMatches(map[string]any{"n": float64(20)}) {
		t.Fatal("expected 20 to be excluded by $lt")
	}
	if m.DocumentMatches(map[string]any{"n": float64(5)}) {
		t.Fatal("expected 5 to be excluded by $gte")
	}
}

func TestDocumentMatchesAndOr(t *testing.T) {
	sel := Selector{
		"$or": []any{
			map[string]any{"status": "open"},
			map[string]any{"priority": "high"},
		},
	}
	m := Compile(sel)
	if !m.DocumentMatches(map[string]any{"status": "open", "priority": "low"}) {
		t.Fatal("expected match via first $or clause")
	}
	if !m.DocumentMatches(map[string]any{"status": "closed", "priority": "high"}) {
		t.Fatal("expected match via second $or clause")
	}
	if m.DocumentMatches(map[string]any{"status": "closed", "priority": "low"}) {
		t.Fatal("expected no match when neither $or clause holds")
	}
}

func TestDocumentMatchesIn(t *testing.T) {
	m := Compile(Selector{"status": map[string]any{"$in": []any{"open", "pending"}}})
	if !m.DocumentMatches(map[string]any{"status": "pending"}) {
		t.Fatal("expected pending to match $in")
	}
	if m.DocumentMatches(map[string]any{"status": "closed"}) {
		t.Fatal("expected closed to not match $in")
	}
}

func TestDocumentMatchesExists(t *testing.T) {
	m := Compile(Selector{"archived_at": map[string]any{"$exists": false}})
	if !m.DocumentMatches(map[string]any{"status": "open"}) {
		t.Fatal("expected match when field absent and $exists:false")
	}
	if m.DocumentMatches(map[string]any{"status": "open", "archived_at": "now"}) {
		t.Fatal("expected no match when field present and $exists:false")
	}
}

func TestDocumentMatchesDottedField(t *testing.T) {
	m := Compile(Selector{"address.city": "nyc"})
	doc := map[string]any{"address": map[string]any{"city": "nyc"}}
	if !m.DocumentMatches(doc) {
		t.Fatal("expected match on nested field")
	}
}

func TestHasWhere(t *testing.T) {
	m := Compile(Selector{"$where": "this.n > 5"})
	if !m.HasWhere() {
		t.Fatal("expected HasWhere to detect top-level $where")
	}
	m2 := Compile(Selector{"status": "open"})
	if m2.HasWhere() {
		t.Fatal("expected HasWhere to be false without $where")
	}
}

func TestHasGeoQuery(t *testing.T) {
	m := Compile(Selector{"loc": map[string]any{"$near": map[string]any{}}})
	if !m.HasGeoQuery() {
		t.Fatal("expected HasGeoQuery to detect $near")
	}
}

func TestCanBecomeTrueByModifier(t *testing.T) {
	m := Compile(Selector{"status": "open"})
	if !m.CanBecomeTrueByModifier(map[string]any{"$set": map[string]any{"status": "open"}}) {
		t.Fatal("expected modifier touching selector field to be reported as possibly-true")
	}
	if m.CanBecomeTrueByModifier(map[string]any{"$set": map[string]any{"color": "blue"}}) {
		t.Fatal("expected modifier touching unrelated field to be reported as not-possibly-true")
	}
}
