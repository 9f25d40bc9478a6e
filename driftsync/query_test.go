package driftsync_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drifthq/go-driftsync/driftsync"
)

func doc(path string, data map[string]any) driftsync.Document {
	return driftsync.Document{Path: path, Data: data, Exists: true}
}

func TestApplyTargetFiltersOrderLimit(t *testing.T) {
	docs := []driftsync.Document{
		doc("quizzes/a", map[string]any{"name": "A", "score": 10}),
		doc("quizzes/b", map[string]any{"name": "B", "score": 30}),
		doc("quizzes/c", map[string]any{"name": "C", "score": 20}),
		doc("quizzes/d", map[string]any{"name": "D", "score": 5}),
	}
	target := driftsync.CollectionTarget("quizzes",
		[]driftsync.Filter{{Field: "score", Op: driftsync.FilterGte, Value: 10}},
		[]driftsync.Order{{Field: "score", Desc: true}},
		2)

	got := driftsync.ApplyTarget(docs, target)
	require.Len(t, got, 2)
	require.Equal(t, "quizzes/b", got[0].Path)
	require.Equal(t, "quizzes/c", got[1].Path)
}

func TestMatchesFiltersMixedNumericTypes(t *testing.T) {
	// JSON decoding yields float64; callers pass int.
	d := doc("quizzes/a", map[string]any{"score": float64(10)})
	require.True(t, driftsync.MatchesFilters(d, []driftsync.Filter{{Field: "score", Op: driftsync.FilterEq, Value: 10}}))
	require.False(t, driftsync.MatchesFilters(d, []driftsync.Filter{{Field: "score", Op: driftsync.FilterLt, Value: 10}}))
	require.False(t, driftsync.MatchesFilters(d, []driftsync.Filter{{Field: "missing", Op: driftsync.FilterEq, Value: 1}}))
}

func TestDiffDocs(t *testing.T) {
	prev := []driftsync.Document{
		doc("q/a", map[string]any{"v": 1}),
		doc("q/b", map[string]any{"v": 1}),
	}
	cur := []driftsync.Document{
		doc("q/b", map[string]any{"v": 2}),
		doc("q/c", map[string]any{"v": 1}),
	}
	changes := driftsync.DiffDocs(prev, cur)
	require.Len(t, changes, 3)
	require.Equal(t, driftsync.ChangeRemoved, changes[0].Type)
	require.Equal(t, "q/a", changes[0].Doc.Path)
	require.Equal(t, driftsync.ChangeModified, changes[1].Type)
	require.Equal(t, "q/b", changes[1].Doc.Path)
	require.Equal(t, driftsync.ChangeAdded, changes[2].Type)
	require.Equal(t, "q/c", changes[2].Doc.Path)
}

func TestDiffDocsNoChanges(t *testing.T) {
	docs := []driftsync.Document{doc("q/a", map[string]any{"v": 1})}
	require.Empty(t, driftsync.DiffDocs(docs, docs))
}

func TestDocumentVersionAndDeleted(t *testing.T) {
	var nilDoc *driftsync.Document
	require.True(t, nilDoc.IsDeleted())
	require.EqualValues(t, 0, nilDoc.Version())

	absent := &driftsync.Document{Path: "q/a"}
	require.True(t, absent.IsDeleted())

	live := &driftsync.Document{Path: "q/a", Data: map[string]any{"version": float64(3)}, Exists: true}
	require.False(t, live.IsDeleted())
	require.EqualValues(t, 3, live.Version())

	soft := &driftsync.Document{Path: "q/a", Data: map[string]any{"deleted": true}, Exists: true}
	require.True(t, soft.IsDeleted())
}

func TestErrorPredicates(t *testing.T) {
	require.True(t, driftsync.IsNetworkError(&driftsync.NetworkError{Op: "write"}))
	require.True(t, driftsync.IsValidationError(&driftsync.ValidationError{Msg: "bad"}))
	require.True(t, driftsync.IsVersionConflict(&driftsync.VersionConflictError{Expected: 1, Actual: 2}))
	require.True(t, driftsync.IsNotFound(&driftsync.NotFoundError{Path: "q/a"}))
	require.False(t, driftsync.IsNetworkError(&driftsync.ValidationError{Msg: "bad"}))

	conflict := &driftsync.VersionConflictError{Path: "q/a", Expected: 2, Actual: 3}
	require.Contains(t, conflict.Error(), "expected 2")
	require.Contains(t, conflict.Error(), "actual 3")
}
