package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/acoustid/fpindex/internal/collector"
	"github.com/acoustid/fpindex/internal/segment"
	"github.com/acoustid/fpindex/internal/store"
)

func mustOpen(t *testing.T, dir store.Dir) *Index {
	t.Helper()
	idx, err := Open(dir)
	require.NoError(t, err)
	return idx
}

func TestInsertThenCommitThenSearch(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{100, 200, 300}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	hits, err := s.Search([]uint32{100})
	require.NoError(t, err)
	require.Equal(t, []collector.Hit{{DocID: 1, Score: 1}}, hits)
	require.NoError(t, s.Rollback())
}

func TestTiedScoresOrderedByDocID(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{100, 200}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(2, []uint32{200, 300}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute("max_results", "10"))
	require.NoError(t, s.SetAttribute("top_score_percent", "0"))
	hits, err := s.Search([]uint32{100, 200, 300})
	require.NoError(t, err)
	require.Equal(t, []collector.Hit{{DocID: 1, Score: 2}, {DocID: 2, Score: 2}}, hits)
	require.NoError(t, s.Rollback())
}

func TestRepeatedHashCollapsesToSingleMatch(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{100, 100, 200}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	hits, err := s.Search([]uint32{100})
	require.NoError(t, err)
	require.Equal(t, []collector.Hit{{DocID: 1, Score: 1}}, hits)
	require.NoError(t, s.Rollback())
}

func TestOverwriteSemantics(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{100}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{200}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	hits, err := s.Search([]uint32{100})
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = s.Search([]uint32{200})
	require.NoError(t, err)
	require.Equal(t, []collector.Hit{{DocID: 1, Score: 1}}, hits)
	require.NoError(t, s.Rollback())
}

func TestOptimizeThenCleanupLeavesOneSegment(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	for i := 0; i < 10; i++ {
		s, err := idx.BeginSession()
		require.NoError(t, err)
		for j := 0; j < 100; j++ {
			docID := uint32(i*100 + j)
			require.NoError(t, s.Insert(docID, []uint32{docID, docID + 1}))
		}
		require.NoError(t, s.Commit())
	}

	before, err := idx.BeginSession()
	require.NoError(t, err)
	preHits, err := before.Search([]uint32{42, 43})
	require.NoError(t, err)
	require.NoError(t, before.Rollback())

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Optimize())
	require.NoError(t, s.Cleanup())
	require.NoError(t, s.Rollback())

	names, err := dir.List()
	require.NoError(t, err)
	segCount := 0
	for _, name := range names {
		if len(name) > 8 && name[:8] == "segment_" {
			segCount++
		}
	}
	require.Equal(t, 1, segCount)

	s, err = idx.BeginSession()
	require.NoError(t, err)
	postHits, err := s.Search([]uint32{42, 43})
	require.NoError(t, err)
	require.Equal(t, preHits, postHits)
	require.NoError(t, s.Rollback())
}

func TestOptimizeAndCleanupLeaveSessionActive(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{1}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(2, []uint32{2}))
	require.NoError(t, s.Optimize())
	require.NoError(t, s.Cleanup())
	require.NoError(t, s.Insert(3, []uint32{3}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	hits, err := s.Search([]uint32{1, 2, 3})
	require.NoError(t, err)
	require.ElementsMatch(t, []collector.Hit{
		{DocID: 1, Score: 1}, {DocID: 2, Score: 1}, {DocID: 3, Score: 1},
	}, hits)
	require.NoError(t, s.Rollback())
}

// A snapshot taken before commit N must keep returning commit N-1's
// results, and must keep its segment files on disk, even while another
// session merges and cleans up the underlying segments concurrently
// (spec §8: readers see a fixed snapshot regardless of later commits).
func TestSnapshotIsolatedFromConcurrentOptimizeAndCleanup(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	for i := uint32(0); i < 5; i++ {
		s, err := idx.BeginSession()
		require.NoError(t, err)
		require.NoError(t, s.Insert(i, []uint32{i, i + 1}))
		require.NoError(t, s.Commit())
	}

	held := idx.Snapshot()
	defer held.Close()

	preHits, err := held.search([]uint32{2, 3}, defaultMaxResults, defaultTopScorePercent)
	require.NoError(t, err)
	require.NotEmpty(t, preHits)

	heldFiles := make([]string, 0, len(held.segs))
	for id := range held.segs {
		heldFiles = append(heldFiles, segment.FileName(id))
	}

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(5, []uint32{5, 6}))
	require.NoError(t, s.Commit())

	s, err = idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Optimize())
	require.NoError(t, s.Cleanup())
	require.NoError(t, s.Rollback())

	names, err := dir.List()
	require.NoError(t, err)
	present := make(map[string]bool, len(names))
	for _, name := range names {
		present[name] = true
	}
	for _, file := range heldFiles {
		require.True(t, present[file], "held snapshot's segment file %s was unlinked early", file)
	}

	postHits, err := held.search([]uint32{2, 3}, defaultMaxResults, defaultTopScorePercent)
	require.NoError(t, err)
	require.Equal(t, preHits, postHits)
}

func TestRollbackAllowsImmediateNewSession(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{1}))
	require.NoError(t, s.Rollback())

	s2, err := idx.BeginSession()
	require.NoError(t, err)
	hits, err := s2.Search([]uint32{1})
	require.NoError(t, err)
	require.Empty(t, hits)
	require.NoError(t, s2.Rollback())
}

func TestAlreadyInTransaction(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	_, err := idx.BeginSession()
	require.NoError(t, err)

	_, err = idx.BeginSession()
	require.Equal(t, ErrAlreadyInTransaction, err)
}

func TestNotInTransactionAfterCommit(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	err = s.Insert(1, []uint32{1})
	require.Equal(t, ErrNotInTransaction, err)
}

func TestEmptyQueryAndEmptyIndex(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	hits, err := s.Search(nil)
	require.NoError(t, err)
	require.Empty(t, hits)

	hits, err = s.Search([]uint32{1})
	require.NoError(t, err)
	require.Empty(t, hits)
	require.NoError(t, s.Rollback())
}

func TestInvalidAttribute(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	err = s.SetAttribute("top_score_percent", "150")
	require.Error(t, err)
	require.NoError(t, s.Rollback())
}

func TestReopenYieldsSameResults(t *testing.T) {
	dir := store.NewMemDir()
	idx := mustOpen(t, dir)

	s, err := idx.BeginSession()
	require.NoError(t, err)
	require.NoError(t, s.Insert(1, []uint32{10, 20}))
	require.NoError(t, s.Commit())

	idx2 := mustOpen(t, dir)
	s2, err := idx2.BeginSession()
	require.NoError(t, err)
	hits, err := s2.Search([]uint32{10})
	require.NoError(t, err)
	require.Equal(t, []collector.Hit{{DocID: 1, Score: 1}}, hits)
	require.NoError(t, s2.Rollback())
}
