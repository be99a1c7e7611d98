package manifest

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/require"

	"github.com/acoustid/fpindex/internal/store"
)

func bitmapOf(ids ...uint32) *roaring.Bitmap {
	bm := roaring.New()
	for _, id := range ids {
		bm.Add(id)
	}
	return bm
}

func alwaysOwns(segmentID uint64, docID uint32) bool { return true }

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := New()
	m.Generation = 7
	m.SetAttribute("max_results", "500")
	m.AddSegment(&SegmentEntry{
		SegmentID:    1,
		DocCount:     2,
		PostingCount: 5,
		MinHash:      10,
		MaxHash:      900,
	}, bitmapOf(1, 2), alwaysOwns)

	data := Encode(m)
	got, err := Decode(data)
	require.NoError(t, err)

	require.Equal(t, m.Generation, got.Generation)
	require.Equal(t, uint64(2), got.NextSegmentID)
	v, ok := got.GetAttribute("max_results")
	require.True(t, ok)
	require.Equal(t, "500", v)
	require.Len(t, got.Segments, 1)
	require.Equal(t, uint64(1), got.Segments[0].SegmentID)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("XXXX"))
	require.Error(t, err)
}

func TestAddSegmentPropagatesDeletes(t *testing.T) {
	m := New()
	m.AddSegment(&SegmentEntry{SegmentID: 1, DocCount: 1}, bitmapOf(42), alwaysOwns)
	require.True(t, m.Segment(1).Contains(42))

	// Segment 1 owns doc 42. Segment 2 supersedes it.
	m.AddSegment(&SegmentEntry{SegmentID: 2, DocCount: 1}, bitmapOf(42), alwaysOwns)

	require.True(t, m.Segment(1).DeletedDocIDs.Contains(42))
	require.True(t, m.Segment(2).Contains(42))
}

func TestSaveLoadLatest(t *testing.T) {
	dir := store.NewMemDir()
	m := New()
	m.Generation = 1
	m.AddSegment(&SegmentEntry{SegmentID: 1, DocCount: 1}, bitmapOf(1), alwaysOwns)
	require.NoError(t, Save(dir, m))

	m2 := m.Clone()
	m2.Generation = 2
	m2.AddSegment(&SegmentEntry{SegmentID: 2, DocCount: 1}, bitmapOf(2), alwaysOwns)
	require.NoError(t, Save(dir, m2))

	loaded, err := LoadLatest(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(2), loaded.Generation)
	require.Len(t, loaded.Segments, 2)
}

func TestLoadLatestEmptyDir(t *testing.T) {
	dir := store.NewMemDir()
	m, err := LoadLatest(dir)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestParseGeneration(t *testing.T) {
	gen, ok := ParseGeneration("info_42")
	require.True(t, ok)
	require.Equal(t, uint64(42), gen)

	_, ok = ParseGeneration("segment_1.dat")
	require.False(t, ok)
}
