// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package driftsync

import (
	"fmt"
	"reflect"
	"sort"
)

// MatchesFilters reports whether a document satisfies every filter.
// Comparisons are numeric when both sides are numbers, string otherwise.
func MatchesFilters(doc Document, filters []Filter) bool {
	for _, f := range filters {
		if !matchFilter(doc, f) {
			return false
		}
	}
	return true
}

func matchFilter(doc Document, f Filter) bool {
	val, ok := doc.Data[f.Field]
	if !ok {
		return false
	}
	cmp, comparable := compareValues(val, f.Value)
	switch f.Op {
	case FilterEq:
		return comparable && cmp == 0
	case FilterNeq:
		return !comparable || cmp != 0
	case FilterGt:
		return comparable && cmp > 0
	case FilterGte:
		return comparable && cmp >= 0
	case FilterLt:
		return comparable && cmp < 0
	case FilterLte:
		return comparable && cmp <= 0
	default:
		return false
	}
}

// compareValues compares two field values. Numbers compare numerically
// across int/float/json.Number representations; everything else compares by
// string form when the kinds agree.
func compareValues(a, b any) (int, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	if aok != bok {
		return 0, false
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1, true
	case as > bs:
		return 1, true
	default:
		return 0, true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case interface{ Float64() (float64, error) }: // json.Number
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// ApplyTarget applies the target's filters, ordering and limit to docs.
// The input slice is not modified.
func ApplyTarget(docs []Document, target Target) []Document {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if MatchesFilters(doc, target.Filters) {
			out = append(out, doc)
		}
	}
	if len(target.OrderBy) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, ord := range target.OrderBy {
				cmp, ok := compareValues(out[i].Data[ord.Field], out[j].Data[ord.Field])
				if !ok || cmp == 0 {
					continue
				}
				if ord.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}
	if target.Limit > 0 && len(out) > target.Limit {
		out = out[:target.Limit]
	}
	return out
}

// DiffDocs computes the change list between two deliveries of the same
// collection target: removed entries first (in previous order), then added
// and modified entries in current order.
func DiffDocs(prev, cur []Document) []DocChange {
	prevByPath := make(map[string]Document, len(prev))
	for _, doc := range prev {
		prevByPath[doc.Path] = doc
	}
	curPaths := make(map[string]bool, len(cur))
	for _, doc := range cur {
		curPaths[doc.Path] = true
	}

	var changes []DocChange
	for _, doc := range prev {
		if !curPaths[doc.Path] {
			changes = append(changes, DocChange{Type: ChangeRemoved, Doc: doc})
		}
	}
	for _, doc := range cur {
		old, existed := prevByPath[doc.Path]
		switch {
		case !existed:
			changes = append(changes, DocChange{Type: ChangeAdded, Doc: doc})
		case !reflect.DeepEqual(old.Data, doc.Data):
			changes = append(changes, DocChange{Type: ChangeModified, Doc: doc})
		}
	}
	return changes
}
