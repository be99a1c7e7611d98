package index

import (
	"strconv"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"
	go4sort "go4.org/sort"

	"github.com/acoustid/fpindex/internal/collector"
	"github.com/acoustid/fpindex/internal/manifest"
	"github.com/acoustid/fpindex/internal/postings"
	"github.com/acoustid/fpindex/internal/segment"
)

const (
	defaultMaxResults      = 500
	defaultTopScorePercent = 10
)

// Session is the single active writer for an Index, created by
// BeginSession. Commit and Rollback release the writer lock, so a
// further write operation needs a new BeginSession (spec §8 scenario 6:
// rollback is followed by a fresh begin before the next insert).
// Optimize and Cleanup do not release the lock — the same session keeps
// it for further inserts and an eventual Commit or Rollback.
//
// Grounded on acoustid-api's index/txn.go Transaction, generalized from
// a bare Snapshot-plus-db pointer to an explicit in-memory doc buffer
// that collapses repeated inserts of the same doc id to the last write,
// per spec §4.6's "last insert wins at commit" rule.
type Session struct {
	idx  *Index
	base *Snapshot

	workingManifest *manifest.Manifest
	docs            map[uint32][]uint32

	attrs map[string]string

	mu     sync.Mutex
	active bool
}

// BeginSession starts the single writer for idx. A second call while a
// session is already open fails with AlreadyInTransaction.
func (idx *Index) BeginSession() (*Session, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.txActive {
		return nil, ErrAlreadyInTransaction
	}
	idx.txActive = true

	base := idx.Snapshot()
	return &Session{
		idx:             idx,
		base:            base,
		workingManifest: base.manifest.Clone(),
		docs:            make(map[uint32][]uint32),
		attrs: map[string]string{
			"max_results":       strconv.Itoa(defaultMaxResults),
			"top_score_percent": strconv.Itoa(defaultTopScorePercent),
		},
		active: true,
	}, nil
}

// end releases the writer lock and the session's pinned base snapshot.
// Callers must hold s.mu.
func (s *Session) end() {
	s.active = false
	s.base.Close()
	s.idx.mu.Lock()
	s.idx.txActive = false
	s.idx.mu.Unlock()
}

// Insert appends doc_id's hashes to the in-memory buffer of the
// segment that will be built at commit. Re-inserting a doc id within
// the same session replaces its hashes (last write wins).
func (s *Session) Insert(docID uint32, hashes []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotInTransaction
	}
	cp := make([]uint32, len(hashes))
	copy(cp, hashes)
	s.docs[docID] = cp
	return nil
}

// Search runs hashes against the index's last committed snapshot; the
// session's own uncommitted buffer is not visible to search, matching
// spec §5's "writer's in-memory buffer ... invisible to readers until
// commit".
func (s *Session) Search(hashes []uint32) ([]collector.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, ErrNotInTransaction
	}

	maxResults, _ := strconv.Atoi(s.attrs["max_results"])
	topScorePercent, _ := strconv.Atoi(s.attrs["top_score_percent"])

	snap := s.idx.Snapshot()
	defer snap.Close()
	return snap.search(hashes, maxResults, topScorePercent)
}

// Commit flushes the buffered inserts into a new segment, propagates
// deletions to older segments per spec §4.4, and atomically publishes
// the new manifest generation. On failure the session stays active so
// the caller may retry; the buffer is preserved.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotInTransaction
	}

	if len(s.docs) == 0 {
		s.workingManifest.Generation = s.base.manifest.Generation + 1
		if err := manifest.Save(s.idx.dir, s.workingManifest); err != nil {
			return ioError(errors.Wrap(err, "save manifest").Error())
		}
		s.idx.publish(s.workingManifest)
		s.end()
		return nil
	}

	sorted := s.sortedPostings()
	newID := s.workingManifest.NextSegmentID
	seg, err := segment.Create(s.idx.dir, newID, sorted)
	if err != nil {
		return ioError(errors.Wrap(err, "create segment").Error())
	}

	entry := &manifest.SegmentEntry{
		SegmentID:    seg.ID,
		DocCount:     uint32(seg.DocCount),
		PostingCount: uint32(seg.PostingCount),
		MinHash:      seg.MinHash,
		MaxHash:      seg.MaxHash,
	}

	newDocs := roaring.New()
	for docID := range s.docs {
		newDocs.Add(docID)
	}

	s.workingManifest.Generation = s.base.manifest.Generation + 1
	s.workingManifest.AddSegment(entry, newDocs, s.ownsDoc)

	if err := manifest.Save(s.idx.dir, s.workingManifest); err != nil {
		seg.Close()
		seg.Remove(s.idx.dir)
		return ioError(errors.Wrap(err, "save manifest").Error())
	}

	s.idx.publish(s.workingManifest, seg)
	s.maybeAutoMerge()
	s.end()
	return nil
}

// maybeAutoMerge performs at most one policy-selected merge after a
// commit, per spec §4.6's "orchestrates merges"; failures here are
// best-effort and never fail the commit that triggered them.
func (s *Session) maybeAutoMerge() {
	m := s.idx.manifest()

	s.idx.segMu.Lock()
	segs := make([]*segment.Segment, 0, len(m.Segments))
	for _, e := range m.Segments {
		if ref, ok := s.idx.segments[e.SegmentID]; ok {
			segs = append(segs, ref.seg)
		}
	}
	s.idx.segMu.Unlock()

	groups := s.idx.mergePolicy.FindMerges(segs)
	if len(groups) == 0 {
		return
	}
	group := groups[0]

	deletedIn := func(segmentID uint64) *roaring.Bitmap {
		if e := m.Segment(segmentID); e != nil {
			return e.DeletedDocIDs
		}
		return nil
	}

	newID := maxSegmentID(group)
	merged, err := segment.Merge(s.idx.dir, newID, group, deletedIn)
	if err != nil {
		return
	}

	next := m.Clone()
	for _, seg := range group {
		next.RemoveSegment(seg.ID)
	}
	next.Generation = m.Generation + 1
	next.Segments = append(next.Segments, &manifest.SegmentEntry{
		SegmentID:    merged.ID,
		DocCount:     uint32(merged.DocCount),
		PostingCount: uint32(merged.PostingCount),
		MinHash:      merged.MinHash,
		MaxHash:      merged.MaxHash,
	})

	if err := manifest.Save(s.idx.dir, next); err != nil {
		merged.Close()
		merged.Remove(s.idx.dir)
		return
	}
	s.idx.publish(next, merged)
}

// Rollback discards the buffered inserts; no manifest change.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotInTransaction
	}
	s.end()
	return nil
}

// Optimize merges every live segment referenced by the session's base
// snapshot into one, per spec §4.6's forced full merge. Unlike Commit
// and Rollback, Optimize leaves the writer lock held so the same
// session can keep inserting and later commit (original_source's
// session.cpp: optimize() requires an already-active writer and never
// clears it).
func (s *Session) Optimize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotInTransaction
	}

	segs := make([]*segment.Segment, 0, len(s.base.manifest.Segments))
	for _, e := range s.base.manifest.Segments {
		segs = append(segs, s.base.segs[e.SegmentID])
	}
	if len(segs) <= 1 {
		return nil
	}

	newID := maxSegmentID(segs)
	deletedIn := func(segmentID uint64) *roaring.Bitmap {
		if e := s.base.manifest.Segment(segmentID); e != nil {
			return e.DeletedDocIDs
		}
		return nil
	}

	merged, err := segment.Merge(s.idx.dir, newID, segs, deletedIn)
	if err != nil {
		return ioError(errors.Wrap(err, "merge segments").Error())
	}

	next := manifest.New()
	next.Generation = s.base.manifest.Generation + 1
	next.Attributes = s.workingManifest.Attributes
	next.NextSegmentID = s.base.manifest.NextSegmentID
	next.Segments = []*manifest.SegmentEntry{{
		SegmentID:    merged.ID,
		DocCount:     uint32(merged.DocCount),
		PostingCount: uint32(merged.PostingCount),
		MinHash:      merged.MinHash,
		MaxHash:      merged.MaxHash,
	}}

	if err := manifest.Save(s.idx.dir, next); err != nil {
		merged.Close()
		merged.Remove(s.idx.dir)
		return ioError(errors.Wrap(err, "save manifest").Error())
	}

	s.idx.publish(next, merged)
	s.refreshBase()
	return nil
}

// refreshBase points the session at the index's latest published
// snapshot, used after Optimize publishes a new manifest but leaves
// the session active for further inserts.
func (s *Session) refreshBase() {
	s.base.Close()
	s.base = s.idx.Snapshot()
	s.workingManifest = s.base.manifest.Clone()
}

// maxSegmentID returns the highest SegmentID among segs (spec §4.3:
// a merged segment takes segment_id = max(S_i.segment_id)).
func maxSegmentID(segs []*segment.Segment) uint64 {
	highest := segs[0].ID
	for _, seg := range segs[1:] {
		if seg.ID > highest {
			highest = seg.ID
		}
	}
	return highest
}

// Cleanup unlinks any segment file on disk not referenced by the
// current manifest or held by an outstanding snapshot, plus stray temp
// files left by an interrupted write. Like Optimize, it leaves the
// writer lock held (original_source's session.cpp never clears it here).
func (s *Session) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return ErrNotInTransaction
	}

	names, err := s.idx.dir.List()
	if err != nil {
		return ioError(err.Error())
	}

	s.idx.segMu.Lock()
	live := make(map[string]bool, len(s.idx.segments))
	for id := range s.idx.segments {
		live[segment.FileName(id)] = true
	}
	s.idx.segMu.Unlock()

	m := s.idx.manifest()
	currentInfo := manifest.InfoFileName(m.Generation)

	for _, name := range names {
		if name == currentInfo || live[name] {
			continue
		}
		if _, ok := manifest.ParseGeneration(name); ok {
			continue // keep older manifests readers may still be using
		}
		if err := s.idx.dir.Remove(name); err != nil {
			return ioError(err.Error())
		}
	}
	return nil
}

// GetAttribute reads a session-local attribute's default/override
// regardless of whether the writer is still active, or an arbitrary
// name from the working manifest while active and from the index's
// last published manifest once the writer has ended (spec §4.6:
// "get_attribute without an active writer reads from the published
// manifest").
func (s *Session) GetAttribute(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.attrs[name]; ok {
		return v, nil
	}
	if s.active {
		v, _ := s.workingManifest.GetAttribute(name)
		return v, nil
	}
	v, _ := s.idx.manifest().GetAttribute(name)
	return v, nil
}

// SetAttribute writes max_results/top_score_percent locally at any
// time, transactional or not (DESIGN.md's open-question resolution),
// or stages any other name into the manifest attribute map, which
// requires an active writer since it only takes effect at the next
// commit.
func (s *Session) SetAttribute(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch name {
	case "max_results":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return invalidAttribute("max_results must be a non-negative integer")
		}
		s.attrs[name] = value
		return nil
	case "top_score_percent":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 100 {
			return invalidAttribute("top_score_percent must be an integer in 0..100")
		}
		s.attrs[name] = value
		return nil
	}

	if !s.active {
		return ErrNotInTransaction
	}
	s.workingManifest.SetAttribute(name, value)
	return nil
}

func (s *Session) sortedPostings() []postings.Posting {
	var out []postings.Posting
	for docID, hashes := range s.docs {
		for _, h := range hashes {
			out = append(out, postings.Posting{Hash: h, DocID: docID})
		}
	}
	go4sort.Slice(out, func(i, j int) bool {
		if out[i].Hash != out[j].Hash {
			return out[i].Hash < out[j].Hash
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// ownsDoc resolves whether an older, still-open segment actually
// contains docID: a Bloom-filter probe followed by a doc-id inventory
// scan on a positive, per spec §4.4/§9.
func (s *Session) ownsDoc(segmentID uint64, docID uint32) bool {
	seg, ok := s.base.segs[segmentID]
	if !ok {
		return false
	}
	ok2, err := seg.MayContain(docID)
	if err != nil || !ok2 {
		return false
	}
	docs, err := seg.Docs()
	if err != nil {
		return false
	}
	return docs.Contains(docID)
}
