package segment

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/acoustid/fpindex/internal/postings"
	"github.com/acoustid/fpindex/internal/store"
)

func sortedPostings(pairs ...[2]uint32) []postings.Posting {
	out := make([]postings.Posting, len(pairs))
	for i, p := range pairs {
		out[i] = postings.Posting{Hash: p[0], DocID: p[1]}
	}
	return out
}

func TestCreateAndSearch(t *testing.T) {
	dir := store.NewMemDir()
	data := sortedPostings([2]uint32{100, 1}, [2]uint32{100, 2}, [2]uint32{200, 1}, [2]uint32{300, 3})

	seg, err := Create(dir, 1, data)
	require.NoError(t, err)
	require.Equal(t, 3, seg.DocCount)
	require.Equal(t, 4, seg.PostingCount)
	require.Equal(t, uint32(100), seg.MinHash)
	require.Equal(t, uint32(300), seg.MaxHash)

	docs, err := seg.PostingsFor(100, nil)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, docs)

	docs, err = seg.PostingsFor(200, nil)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, docs)

	docs, err = seg.PostingsFor(999, nil)
	require.NoError(t, err)
	require.Nil(t, docs)
}

func TestPostingsForWithDeletion(t *testing.T) {
	dir := store.NewMemDir()
	data := sortedPostings([2]uint32{100, 1}, [2]uint32{100, 2})
	seg, err := Create(dir, 1, data)
	require.NoError(t, err)

	deleted := func(docID uint32) bool { return docID == 1 }
	docs, err := seg.PostingsFor(100, deleted)
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, docs)
}

func TestMultiBlockSpanning(t *testing.T) {
	dir := store.NewMemDir()
	var pairs [][2]uint32
	for h := uint32(0); h < 3000; h++ {
		pairs = append(pairs, [2]uint32{h, h % 5})
	}
	data := sortedPostings(pairs...)
	seg, err := Create(dir, 1, data)
	require.NoError(t, err)
	require.True(t, len(seg.skipTable) > 1)

	docs, err := seg.PostingsFor(2500, nil)
	require.NoError(t, err)
	require.Equal(t, []uint32{2500 % 5}, docs)
}

func TestPostingsForHashSpanningTwoBlocks(t *testing.T) {
	dir := store.NewMemDir()
	const n = 1500 // > DefaultBlockSize, so one hash's postings cross a block boundary
	var pairs [][2]uint32
	for doc := uint32(0); doc < n; doc++ {
		pairs = append(pairs, [2]uint32{500, doc})
	}
	data := sortedPostings(pairs...)
	seg, err := Create(dir, 1, data)
	require.NoError(t, err)
	require.True(t, len(seg.skipTable) > 1)

	docs, err := seg.PostingsFor(500, nil)
	require.NoError(t, err)
	want := make([]uint32, n)
	for i := range want {
		want[i] = uint32(i)
	}
	require.Equal(t, want, docs)
}

func TestOpenRoundTrip(t *testing.T) {
	dir := store.NewMemDir()
	data := sortedPostings([2]uint32{1, 1}, [2]uint32{2, 2})
	_, err := Create(dir, 42, data)
	require.NoError(t, err)

	seg, err := Open(dir, 42)
	require.NoError(t, err)
	all, err := seg.AllPostings()
	require.NoError(t, err)
	require.Equal(t, data, all)
}

func TestDocsAndBloom(t *testing.T) {
	dir := store.NewMemDir()
	data := sortedPostings([2]uint32{1, 10}, [2]uint32{2, 20})
	seg, err := Create(dir, 1, data)
	require.NoError(t, err)

	docs, err := seg.Docs()
	require.NoError(t, err)
	require.True(t, docs.Contains(10))
	require.True(t, docs.Contains(20))
	require.False(t, docs.Contains(30))

	ok, err := seg.MayContain(10)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = seg.MayContain(999999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMerge(t *testing.T) {
	dir := store.NewMemDir()
	s1, err := Create(dir, 1, sortedPostings([2]uint32{100, 1}, [2]uint32{200, 1}))
	require.NoError(t, err)
	s2, err := Create(dir, 2, sortedPostings([2]uint32{100, 2}, [2]uint32{300, 2}))
	require.NoError(t, err)

	deletedIn := func(id uint64) *roaring.Bitmap { return nil }
	merged, err := Merge(dir, 3, []*Segment{s1, s2}, deletedIn)
	require.NoError(t, err)

	docs, err := merged.PostingsFor(100, nil)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2}, docs)
}

func TestMergeDropsDeleted(t *testing.T) {
	dir := store.NewMemDir()
	s1, err := Create(dir, 1, sortedPostings([2]uint32{100, 1}))
	require.NoError(t, err)
	s2, err := Create(dir, 2, sortedPostings([2]uint32{100, 2}))
	require.NoError(t, err)

	deleted := roaring.New()
	deleted.Add(1)
	deletedIn := func(id uint64) *roaring.Bitmap {
		if id == s1.ID {
			return deleted
		}
		return nil
	}
	merged, err := Merge(dir, 3, []*Segment{s1, s2}, deletedIn)
	require.NoError(t, err)

	docs, err := merged.PostingsFor(100, nil)
	require.NoError(t, err)
	require.Equal(t, []uint32{2}, docs)
}
