// Package segment implements the on-disk segment file (spec §4.1/§4.2),
// its writer and its k-way merger (spec §4.3).
//
// Grounded on acoustid-api's index/segment.go (CreateSegment/Open/Search)
// and index/item.go / index/reader.go's balanced-binary-tree merge
// readers, adapted to the spec's exact wire format (§6) and to a
// roaring.Bitmap-backed doc-id inventory instead of the teacher's
// in-memory intset.SparseBitSet.
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io/ioutil"
	"path/filepath"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/acoustid/fpindex/internal/bloom"
	"github.com/acoustid/fpindex/internal/mmapfile"
	"github.com/acoustid/fpindex/internal/postings"
	"github.com/acoustid/fpindex/internal/store"
)

// DefaultBlockSize is the number of postings packed per block (B in §4.1).
const DefaultBlockSize = 1024

const (
	segmentMagic   = "FPSG"
	segmentVersion = uint32(1)
	headerSize     = 4 + 4 + 8 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 4
)

var (
	// ErrCorruptSegment is returned when a segment's magic, version or
	// checksum does not match.
	ErrCorruptSegment = errors.New("corrupt segment")
)

type header struct {
	SegmentID        uint64
	DocCount         uint32
	PostingCount     uint32
	MinHash          uint32
	MaxHash          uint32
	PostingsOffset   uint64
	SkipTableOffset  uint64
	BlockSize        uint32
	Checksum         uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], segmentMagic)
	binary.LittleEndian.PutUint32(buf[4:], segmentVersion)
	binary.LittleEndian.PutUint64(buf[8:], h.SegmentID)
	binary.LittleEndian.PutUint32(buf[16:], h.DocCount)
	binary.LittleEndian.PutUint32(buf[20:], h.PostingCount)
	binary.LittleEndian.PutUint32(buf[24:], h.MinHash)
	binary.LittleEndian.PutUint32(buf[28:], h.MaxHash)
	binary.LittleEndian.PutUint64(buf[32:], h.PostingsOffset)
	binary.LittleEndian.PutUint64(buf[40:], h.SkipTableOffset)
	binary.LittleEndian.PutUint32(buf[48:], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[52:], h.Checksum)
	return buf
}

func decodeHeader(data []byte) (header, error) {
	var h header
	if len(data) < headerSize {
		return h, errors.Wrap(ErrCorruptSegment, "truncated header")
	}
	if string(data[0:4]) != segmentMagic {
		return h, errors.Wrap(ErrCorruptSegment, "bad magic")
	}
	if binary.LittleEndian.Uint32(data[4:]) != segmentVersion {
		return h, errors.Wrap(ErrCorruptSegment, "bad version")
	}
	h.SegmentID = binary.LittleEndian.Uint64(data[8:])
	h.DocCount = binary.LittleEndian.Uint32(data[16:])
	h.PostingCount = binary.LittleEndian.Uint32(data[20:])
	h.MinHash = binary.LittleEndian.Uint32(data[24:])
	h.MaxHash = binary.LittleEndian.Uint32(data[28:])
	h.PostingsOffset = binary.LittleEndian.Uint64(data[32:])
	h.SkipTableOffset = binary.LittleEndian.Uint64(data[40:])
	h.BlockSize = binary.LittleEndian.Uint32(data[48:])
	h.Checksum = binary.LittleEndian.Uint32(data[52:])
	return h, nil
}

// Segment is an immutable, opened on-disk segment.
type Segment struct {
	ID           uint64
	DocCount     int
	PostingCount int
	MinHash      uint32
	MaxHash      uint32

	blockSize  int
	skipTable  []postings.SkipEntry
	data       []byte
	usedMmap   bool
	postingsOff int64

	mu     sync.Mutex
	bloom  *bloom.Filter
	docIDs *roaring.Bitmap
}

// FileName returns the on-disk file name for a segment id.
func FileName(id uint64) string {
	return fmt.Sprintf("segment_%d.dat", id)
}

// Create builds a new segment from postings already sorted by (hash,
// doc_id) ascending, writes it atomically into dir and opens it.
func Create(dir store.Dir, id uint64, sorted []postings.Posting) (*Segment, error) {
	if len(sorted) == 0 {
		return nil, errors.New("cannot create an empty segment")
	}

	blockSize := DefaultBlockSize
	var postingsBuf []byte
	var skipEntries []postings.SkipEntry
	docs := roaring.New()
	minHash, maxHash := sorted[0].Hash, sorted[0].Hash

	for i := 0; i < len(sorted); i += blockSize {
		end := i + blockSize
		if end > len(sorted) {
			end = len(sorted)
		}
		block := sorted[i:end]
		skipEntries = append(skipEntries, postings.SkipEntry{
			FirstHash: block[0].Hash,
			Offset:    uint64(len(postingsBuf)),
		})
		var err error
		postingsBuf, err = postings.EncodeBlock(postingsBuf, block)
		if err != nil {
			return nil, errors.Wrap(err, "encode block failed")
		}
		for _, p := range block {
			docs.Add(p.DocID)
			if p.Hash < minHash {
				minHash = p.Hash
			}
			if p.Hash > maxHash {
				maxHash = p.Hash
			}
		}
	}

	skipBuf := postings.EncodeSkipTable(skipEntries)

	crc := crc32.NewIEEE()
	crc.Write(postingsBuf)
	crc.Write(skipBuf)

	h := header{
		SegmentID:       id,
		DocCount:        uint32(docs.GetCardinality()),
		PostingCount:    uint32(len(sorted)),
		MinHash:         minHash,
		MaxHash:         maxHash,
		PostingsOffset:  uint64(headerSize),
		SkipTableOffset: uint64(headerSize + len(postingsBuf)),
		BlockSize:       uint32(blockSize),
		Checksum:        crc.Sum32(),
	}

	name := FileName(id)
	err := store.WriteFile(dir, name, func(w store.Writer) error {
		if _, err := w.Write(encodeHeader(h)); err != nil {
			return err
		}
		if _, err := w.Write(postingsBuf); err != nil {
			return err
		}
		_, err := w.Write(skipBuf)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "write segment failed")
	}

	seg, err := Open(dir, id)
	if err != nil {
		return nil, err
	}
	seg.bloom = bloomFromBitmap(docs)
	seg.docIDs = docs
	return seg, nil
}

func bloomFromBitmap(docs *roaring.Bitmap) *bloom.Filter {
	f := bloom.New(int(docs.GetCardinality()))
	it := docs.Iterator()
	for it.HasNext() {
		f.Add(it.Next())
	}
	return f
}

func readAll(dir store.Dir, name string) (data []byte, mmapped bool, err error) {
	if dir.Path() != "" {
		data, err = mmapfile.Map(filepath.Join(dir.Path(), name))
		if err == nil {
			return data, true, nil
		}
		// Fall through to a plain read for directories that exist but
		// cannot be mmapped (e.g. unsupported filesystem).
	}
	r, err := dir.Open(name)
	if err != nil {
		return nil, false, err
	}
	defer r.Close()
	data, err = ioutil.ReadAll(r)
	return data, false, err
}

// Open opens an existing segment file by id.
func Open(dir store.Dir, id uint64) (*Segment, error) {
	name := FileName(id)
	data, mmapped, err := readAll(dir, name)
	if err != nil {
		return nil, errors.Wrapf(err, "open segment %d failed", id)
	}

	h, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if h.SegmentID != id {
		return nil, errors.Wrap(ErrCorruptSegment, "segment id mismatch")
	}

	crc := crc32.NewIEEE()
	crc.Write(data[h.PostingsOffset:])
	if crc.Sum32() != h.Checksum {
		return nil, errors.Wrap(ErrCorruptSegment, "checksum mismatch")
	}

	numBlocks := 0
	if h.PostingCount > 0 {
		numBlocks = int((h.PostingCount + h.BlockSize - 1) / h.BlockSize)
	}
	skipData := data[h.SkipTableOffset:]
	skipTable, err := postings.DecodeSkipTable(skipData, numBlocks)
	if err != nil {
		return nil, errors.Wrap(ErrCorruptSegment, "bad skip table")
	}

	return &Segment{
		ID:           h.SegmentID,
		DocCount:     int(h.DocCount),
		PostingCount: int(h.PostingCount),
		MinHash:      h.MinHash,
		MaxHash:      h.MaxHash,
		blockSize:    int(h.BlockSize),
		skipTable:    skipTable,
		data:         data,
		usedMmap:     mmapped,
		postingsOff:  int64(h.PostingsOffset),
	}, nil
}

// Close releases the segment's memory-mapped region, if any.
func (s *Segment) Close() error {
	if s.usedMmap {
		return mmapfile.Unmap(s.data)
	}
	return nil
}

// Size returns the length in bytes of the segment's file contents.
func (s *Segment) Size() int {
	return len(s.data)
}

// PostingsFor returns, in ascending order, the doc ids posted against
// hash, excluding any doc id for which deleted returns true. deleted may
// be nil. A single hash's postings can span more than one block, so the
// skip-table lookup only locates the first block; matching continues
// into following blocks until a hash greater than the query is seen or
// the skip table runs out, as in the teacher's Segment.Search.
func (s *Segment) PostingsFor(hash uint32, deleted func(uint32) bool) ([]uint32, error) {
	if len(s.skipTable) == 0 || hash < s.skipTable[0].FirstHash || hash > s.MaxHash {
		return nil, nil
	}

	// Locate the earliest block that could hold hash's postings. A
	// lower-bound search finds the first block whose FirstHash is >= hash;
	// the block before it may still end with some of hash's postings, so
	// scanning starts there (or at block 0 when the first block already
	// begins with hash).
	lo := sort.Search(len(s.skipTable), func(i int) bool {
		return s.skipTable[i].FirstHash >= hash
	})
	bi := lo - 1
	if bi < 0 {
		bi = 0
	}

	var docIDs []uint32
	for {
		blockStart := s.postingsOff + int64(s.skipTable[bi].Offset)
		decoded, _, err := postings.DecodeBlock(nil, s.data[blockStart:])
		if err != nil {
			return nil, errors.Wrap(ErrCorruptSegment, "bad posting block")
		}

		for _, p := range decoded {
			if p.Hash < hash {
				continue
			}
			if p.Hash > hash {
				return docIDs, nil
			}
			if deleted != nil && deleted(p.DocID) {
				continue
			}
			// A document whose fingerprint repeats a hash produces one
			// posting per occurrence; collapse those back to a single
			// match so repeated hashes don't inflate a doc's score.
			if len(docIDs) > 0 && docIDs[len(docIDs)-1] == p.DocID {
				continue
			}
			docIDs = append(docIDs, p.DocID)
		}

		bi++
		if bi >= len(s.skipTable) || s.skipTable[bi].FirstHash > hash {
			return docIDs, nil
		}
	}
}

// AllPostings decodes the entire posting stream, in order.
func (s *Segment) AllPostings() ([]postings.Posting, error) {
	var out []postings.Posting
	for _, entry := range s.skipTable {
		blockStart := s.postingsOff + int64(entry.Offset)
		decoded, _, err := postings.DecodeBlock(nil, s.data[blockStart:])
		if err != nil {
			return nil, errors.Wrap(ErrCorruptSegment, "bad posting block")
		}
		out = append(out, decoded...)
	}
	return out, nil
}

// Docs lazily materialises the segment's full doc-id inventory, caching
// the result. Used to resolve Bloom-filter positives during deletion
// propagation (spec §4.4).
func (s *Segment) Docs() (*roaring.Bitmap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docIDs != nil {
		return s.docIDs, nil
	}
	all, err := s.AllPostings()
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	for _, p := range all {
		bm.Add(p.DocID)
	}
	s.docIDs = bm
	s.bloom = bloomFromBitmap(bm)
	return bm, nil
}

// MayContain probes the segment's Bloom filter. A false result means the
// doc id is definitely absent; a true result requires a Docs() scan to
// confirm (false positives are tolerated, per spec §4.4/§9).
func (s *Segment) MayContain(docID uint32) (bool, error) {
	s.mu.Lock()
	b := s.bloom
	s.mu.Unlock()
	if b == nil {
		if _, err := s.Docs(); err != nil {
			return false, err
		}
		s.mu.Lock()
		b = s.bloom
		s.mu.Unlock()
	}
	return b.MayContain(docID), nil
}

// Remove deletes the segment's file from dir.
func (s *Segment) Remove(dir store.Dir) error {
	return dir.Remove(FileName(s.ID))
}
