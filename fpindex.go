// Package fpindex is a persistent, transactional inverted index for
// 32-bit audio-fingerprint hashes: documents are submitted as a doc id
// paired with a bag of hashes, and queries return the doc ids whose
// hashes best overlap the query, ranked by a similarity score.
//
// Grounded on acoustid-api's index/index.go (Searcher/Writer/BulkWriter
// interfaces over a uint32->uint32 multimap), adapted to this package's
// concrete open_index/begin_session verbs and explicit Session type in
// place of the teacher's generic term-index interfaces.
package fpindex

import (
	"github.com/pkg/errors"

	"github.com/acoustid/fpindex/internal/collector"
	"github.com/acoustid/fpindex/internal/index"
	"github.com/acoustid/fpindex/internal/store"
)

// Hit is one ranked search result: a doc id and its accumulated score.
type Hit = collector.Hit

// Recognised session-local and pass-through attribute names (spec §6).
const (
	AttrMaxResults      = "max_results"
	AttrTopScorePercent = "top_score_percent"
)

// Error kinds surfaced at the API boundary, per spec §7.
const (
	KindAlreadyInTransaction = index.KindAlreadyInTransaction
	KindNotInTransaction     = index.KindNotInTransaction
	KindCorruptSegment       = index.KindCorruptSegment
	KindCorruptManifest      = index.KindCorruptManifest
	KindIOError              = index.KindIOError
	KindInvalidAttribute     = index.KindInvalidAttribute
)

// Error is the typed error returned by Index and Session methods.
type Error = index.Error

var (
	// ErrAlreadyInTransaction is returned by BeginSession when a writer
	// is already open for the index.
	ErrAlreadyInTransaction = index.ErrAlreadyInTransaction
	// ErrNotInTransaction is returned by Insert, Search, Commit,
	// Rollback, Optimize, Cleanup, and SetAttribute of a manifest-level
	// attribute once that session has committed or rolled back.
	ErrNotInTransaction = index.ErrNotInTransaction
)

// Index is an open handle to a fingerprint index directory.
type Index struct {
	idx *index.Index
}

// OpenIndex opens the index directory at path, creating it (and an
// empty index) if it does not exist.
func OpenIndex(path string) (*Index, error) {
	dir, err := store.Open(path, true)
	if err != nil {
		return nil, errors.Wrap(err, "open index directory")
	}
	idx, err := index.Open(dir)
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

// BeginSession starts the single writer for this index. Only one
// session may be open at a time; a second call fails with
// ErrAlreadyInTransaction.
func (ix *Index) BeginSession() (*Session, error) {
	s, err := ix.idx.BeginSession()
	if err != nil {
		return nil, err
	}
	return &Session{s: s}, nil
}

// Session is the single active writer/reader handle returned by
// BeginSession. Commit and Rollback release the writer lock; a further
// write needs a fresh BeginSession. Optimize and Cleanup keep the
// session open.
type Session struct {
	s *index.Session
}

// Insert appends docID's hashes to the pending transaction. Re-inserting
// the same doc id within one session replaces its hashes.
func (s *Session) Insert(docID uint32, hashes []uint32) error {
	return s.s.Insert(docID, hashes)
}

// Search runs hashes against the index's last committed state and
// returns the ranked top-k, honouring this session's max_results and
// top_score_percent attributes.
func (s *Session) Search(hashes []uint32) ([]Hit, error) {
	return s.s.Search(hashes)
}

// Commit flushes pending inserts into a new segment and publishes a new
// manifest generation.
func (s *Session) Commit() error {
	return s.s.Commit()
}

// Rollback discards pending inserts; no manifest change.
func (s *Session) Rollback() error {
	return s.s.Rollback()
}

// Optimize merges every live segment into one.
func (s *Session) Optimize() error {
	return s.s.Optimize()
}

// Cleanup unlinks any on-disk file not referenced by the current
// manifest or an outstanding snapshot. Manifest files (info_<gen>) of
// every generation are kept.
func (s *Session) Cleanup() error {
	return s.s.Cleanup()
}

// GetAttribute reads a session-local or manifest-level attribute.
func (s *Session) GetAttribute(name string) (string, error) {
	return s.s.GetAttribute(name)
}

// SetAttribute writes a session-local or manifest-level attribute.
func (s *Session) SetAttribute(name, value string) error {
	return s.s.SetAttribute(name, value)
}
