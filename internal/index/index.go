// Package index implements the snapshot holder and single-writer
// session described in spec §4.5/§4.6: a manifest-backed, reference-
// counted set of open segments, one writer at a time gated by a mutex,
// and geometric-tier merging run synchronously after each commit.
//
// Grounded on acoustid-api's index/db.go (DB.mu sync.Mutex plus
// atomic.Value manifest pointer) and index/snapshot.go (refcounted
// snapshot handle), generalized to this spec's manifest/segment
// types and explicit reference-counted segment unlink-on-zero rule.
package index

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	go4sort "go4.org/sort"
	"go4.org/syncutil"

	"github.com/acoustid/fpindex/internal/collector"
	"github.com/acoustid/fpindex/internal/manifest"
	"github.com/acoustid/fpindex/internal/query"
	"github.com/acoustid/fpindex/internal/segment"
	"github.com/acoustid/fpindex/internal/store"
)

type segRef struct {
	seg  *segment.Segment
	refs int
}

// Index holds the current published manifest and the registry of open
// segment files shared by every outstanding snapshot.
type Index struct {
	dir         store.Dir
	mergePolicy *MergePolicy

	mu       sync.Mutex
	txActive bool

	current atomic.Value // *manifest.Manifest

	segMu    sync.Mutex
	segments map[uint64]*segRef
}

// Open loads the latest manifest from dir (or starts an empty one) and
// opens every segment it references, per spec §4.5.
func Open(dir store.Dir) (*Index, error) {
	m, err := manifest.LoadLatest(dir)
	if err != nil {
		return nil, corruptManifest(err.Error())
	}
	if m == nil {
		m = manifest.New()
	}

	idx := &Index{
		dir:         dir,
		mergePolicy: NewMergePolicy(),
		segments:    make(map[uint64]*segRef),
	}
	idx.current.Store(m)

	for _, e := range m.Segments {
		seg, err := segment.Open(dir, e.SegmentID)
		if err != nil {
			return nil, corruptSegment(errors.Wrapf(err, "segment %d", e.SegmentID).Error())
		}
		idx.segments[e.SegmentID] = &segRef{seg: seg, refs: 1}
	}

	return idx, nil
}

func (idx *Index) manifest() *manifest.Manifest {
	return idx.current.Load().(*manifest.Manifest)
}

// Snapshot is a reference-counted, point-in-time view of the index: a
// manifest plus the open segment readers it references. It outlives
// any subsequent commits; the underlying segment files are not
// unlinked while it is held (spec §4.5/§5 snapshot isolation).
type Snapshot struct {
	idx      *Index
	manifest *manifest.Manifest
	segs     map[uint64]*segment.Segment
	once     syncutil.Once
}

// Snapshot returns a handle to the currently published manifest.
func (idx *Index) Snapshot() *Snapshot {
	m := idx.manifest()

	idx.segMu.Lock()
	segs := make(map[uint64]*segment.Segment, len(m.Segments))
	for _, e := range m.Segments {
		ref := idx.segments[e.SegmentID]
		ref.refs++
		segs[e.SegmentID] = ref.seg
	}
	idx.segMu.Unlock()

	return &Snapshot{idx: idx, manifest: m, segs: segs}
}

// Close releases the snapshot's reference on every segment it holds,
// unlinking any that are no longer referenced by the current manifest
// and have no other outstanding holder.
func (s *Snapshot) Close() {
	s.once.Do(func() error {
		s.idx.segMu.Lock()
		defer s.idx.segMu.Unlock()
		for id := range s.segs {
			s.idx.releaseSegmentLocked(id)
		}
		return nil
	})
}

func (idx *Index) releaseSegmentLocked(id uint64) {
	ref, ok := idx.segments[id]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		delete(idx.segments, id)
		ref.seg.Close()
		ref.seg.Remove(idx.dir)
	}
}

// search runs hashes against the snapshot's segments, ordered by
// descending segment id as required by spec §4.7, and returns the
// collector's ranked top-k.
func (s *Snapshot) search(hashes []uint32, maxResults, topScorePercent int) ([]collector.Hit, error) {
	ids := make([]uint64, 0, len(s.segs))
	for id := range s.segs {
		ids = append(ids, id)
	}
	go4sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	segs := make([]query.Segment, 0, len(ids))
	for _, id := range ids {
		e := s.manifest.Segment(id)
		segs = append(segs, &segmentView{seg: s.segs[id], entry: e})
	}

	c := collector.New(maxResults, topScorePercent)
	if err := query.Evaluate(segs, hashes, c); err != nil {
		return nil, ioError(err.Error())
	}
	return c.TopResults(), nil
}

// segmentView adapts a *segment.Segment plus its manifest deletion set
// to the query package's narrow Segment interface.
type segmentView struct {
	seg   *segment.Segment
	entry *manifest.SegmentEntry
}

func (v *segmentView) ID() uint64 { return v.seg.ID }

func (v *segmentView) PostingsFor(hash uint32) ([]uint32, error) {
	return v.seg.PostingsFor(hash, func(docID uint32) bool {
		return !v.entry.Contains(docID)
	})
}

// publish installs newManifest as current, registers newSegs (if any)
// with an initial manifest-held reference, and drops the manifest-held
// reference on every segment the new manifest no longer lists.
func (idx *Index) publish(newManifest *manifest.Manifest, newSegs ...*segment.Segment) {
	idx.segMu.Lock()
	defer idx.segMu.Unlock()

	oldManifest := idx.manifest()

	for _, seg := range newSegs {
		idx.segments[seg.ID] = &segRef{seg: seg, refs: 1}
	}

	stillLive := make(map[uint64]bool, len(newManifest.Segments))
	for _, e := range newManifest.Segments {
		stillLive[e.SegmentID] = true
	}
	for _, e := range oldManifest.Segments {
		if !stillLive[e.SegmentID] {
			idx.releaseSegmentLocked(e.SegmentID)
		}
	}

	idx.current.Store(newManifest)
}
