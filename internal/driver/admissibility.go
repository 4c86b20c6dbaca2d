package driver

// AdmissibilityResult reports whether a cursor can be served via the oplog
// and, if not, why — useful both to reject a Driver construction and to
// surface a diagnostic to an operator deciding between oplog and poll mode.
type AdmissibilityResult struct {
	OK     bool
	Reason string
}

// CanUseOplog decides whether cursor can be served by the oplog-tailing
// driver at all. It rejects the cases spec.md carves out as non-goals:
// oplog explicitly disabled, a skip, a limit without a sort to make that
// limit deterministic, and selectors this package's matcher can't evaluate
// in memory ($where, geo operators).
func CanUseOplog(cursor CursorDescription, m Matcher) AdmissibilityResult {
	if cursor.Options.DisableOplog {
		return AdmissibilityResult{false, "oplog use disabled via cursor option"}
	}
	if cursor.Options.Skip > 0 {
		return AdmissibilityResult{false, "non-zero skip is not supported"}
	}
	if cursor.Options.Limit > 0 && len(cursor.Options.Sort) == 0 {
		return AdmissibilityResult{false, "limit without sort is not supported"}
	}
	if m.HasWhere() {
		return AdmissibilityResult{false, "$where selectors are not supported"}
	}
	if m.HasGeoQuery() {
		return AdmissibilityResult{false, "geo selectors are not supported"}
	}
	return AdmissibilityResult{true, ""}
}
