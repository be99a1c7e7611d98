package index

import (
	go4sort "go4.org/sort"

	"github.com/acoustid/fpindex/internal/segment"
)

// MergePolicy groups segments for the merge that Commit runs
// synchronously after publishing (optimize() merges everything and does
// not consult it), per spec §4.6: segments live in conceptual size
// levels with geometric ratio Ratio (r, default 4); a level that
// accumulates SegmentsPerLevel (k, default 4) segments is scheduled to
// merge into the next level.
//
// Structurally lifted from acoustid-api's index/merge.go
// TieredMergePolicy (floor-sized levels; groups are not scored or
// ranked), generalized from its raw FloorSegmentSize/MaxMergeAtOnce/
// MaxSegmentsPerTier byte-size constants to the spec's (r, k) pair
// operating on posting counts.
type MergePolicy struct {
	Ratio           int
	SegmentsPerLevel int
}

// NewMergePolicy returns a policy with the spec's default r=4, k=4.
func NewMergePolicy() *MergePolicy {
	return &MergePolicy{Ratio: 4, SegmentsPerLevel: 4}
}

func segmentSize(s *segment.Segment) int {
	if s.PostingCount <= 0 {
		return 1
	}
	return s.PostingCount
}

// FindMerges groups same-level segments eligible for merging. Segments
// are considered in ascending size order; a run whose sizes all fall
// within [floor, floor*Ratio] of the run's smallest member forms one
// level, and is returned as a merge candidate once it holds at least
// SegmentsPerLevel segments.
func (mp *MergePolicy) FindMerges(segs []*segment.Segment) [][]*segment.Segment {
	if len(segs) < mp.SegmentsPerLevel {
		return nil
	}

	sorted := make([]*segment.Segment, len(segs))
	copy(sorted, segs)
	go4sort.Slice(sorted, func(i, j int) bool { return segmentSize(sorted[i]) < segmentSize(sorted[j]) })

	var merges [][]*segment.Segment
	i := 0
	for i < len(sorted) {
		floor := segmentSize(sorted[i])
		group := []*segment.Segment{sorted[i]}
		j := i + 1
		for j < len(sorted) && segmentSize(sorted[j]) <= floor*mp.Ratio {
			group = append(group, sorted[j])
			j++
		}
		if len(group) >= mp.SegmentsPerLevel {
			merges = append(merges, group)
		}
		i = j
	}
	return merges
}
