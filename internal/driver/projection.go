package driver

import "github.com/jsnelgro/oplogwatch/internal/matcher"

func projectionDiff(oldDoc, newDoc map[string]any, p matcher.Projection) map[string]any {
	return matcher.Diff(oldDoc, newDoc, p)
}
