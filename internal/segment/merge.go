package segment

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/acoustid/fpindex/internal/postings"
	"github.com/acoustid/fpindex/internal/store"
)

// mergeTwo merges two already-sorted posting slices, grounded on
// acoustid-api's index/item.go multiItemReader block-merge loop.
func mergeTwo(a, b []postings.Posting) []postings.Posting {
	out := make([]postings.Posting, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		pa, pb := a[i], b[j]
		if pa.Hash < pb.Hash || (pa.Hash == pb.Hash && pa.DocID <= pb.DocID) {
			out = append(out, pa)
			i++
		} else {
			out = append(out, pb)
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// mergeLists merges N sorted posting slices via a balanced binary tree of
// pairwise merges, mirroring MergeItemReaders'/MergeValueReaders' halving
// recursion in the teacher package.
func mergeLists(lists [][]postings.Posting) []postings.Posting {
	switch len(lists) {
	case 0:
		return nil
	case 1:
		return lists[0]
	}
	mid := len(lists) / 2
	left := mergeLists(lists[:mid])
	right := mergeLists(lists[mid:])
	return mergeTwo(left, right)
}

// Merge produces one new segment holding the union of the live postings
// of segs, in ascending segment-id order. deletedIn returns the set of
// doc ids to drop for a given input segment (spec §4.3: a posting is live
// iff its doc id is not in that segment's effective deleted set).
func Merge(dir store.Dir, newID uint64, segs []*Segment, deletedIn func(segmentID uint64) *roaring.Bitmap) (*Segment, error) {
	if len(segs) == 0 {
		return nil, errors.New("cannot merge zero segments")
	}

	lists := make([][]postings.Posting, len(segs))
	for i, seg := range segs {
		all, err := seg.AllPostings()
		if err != nil {
			return nil, errors.Wrapf(err, "reading segment %d failed", seg.ID)
		}
		deleted := deletedIn(seg.ID)
		if deleted == nil || deleted.IsEmpty() {
			lists[i] = all
			continue
		}
		live := all[:0:0]
		for _, p := range all {
			if !deleted.Contains(p.DocID) {
				live = append(live, p)
			}
		}
		lists[i] = live
	}

	merged := mergeLists(lists)
	if len(merged) == 0 {
		return nil, ErrEmptyMerge
	}
	return Create(dir, newID, merged)
}

// ErrEmptyMerge is returned when every input segment's postings were
// entirely superseded by deletions.
var ErrEmptyMerge = errors.New("merge produced no live postings")
