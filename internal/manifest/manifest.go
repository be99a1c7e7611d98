// Package manifest implements the index manifest: the binary "info_<gen>"
// file format and in-memory structure described in spec §3/§4.4/§6.
//
// Grounded on acoustid-api's index/manifest.go (Manifest struct,
// AddSegment/RemoveSegment stat bookkeeping, Load/Save via the vfs
// WriteFile helper) and generalized from the teacher's JSON encoding to
// the spec's explicit length-prefixed binary layout, and from the
// teacher's per-segment doc set to a roaring.Bitmap-backed deleted set
// that serializes directly to the wire format's sorted uint32 list.
package manifest

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"sort"
	"strconv"
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/pkg/errors"

	"github.com/acoustid/fpindex/internal/store"
)

const (
	magic         = "AIDX"
	formatVersion = uint32(2)
)

// ErrCorruptManifest is returned when a manifest file is malformed.
var ErrCorruptManifest = errors.New("corrupt manifest")

// SegmentEntry is one live segment descriptor (spec §3).
type SegmentEntry struct {
	SegmentID      uint64
	DocCount       uint32
	PostingCount   uint32
	MinHash        uint32
	MaxHash        uint32
	DeletedDocIDs  *roaring.Bitmap
}

// Contains reports whether docID is absent from this segment entry's
// deleted set. It does not check that the segment holds docID at all.
func (e *SegmentEntry) Contains(docID uint32) bool {
	return e.DeletedDocIDs == nil || !e.DeletedDocIDs.Contains(docID)
}

// clone returns a deep copy of the entry.
func (e *SegmentEntry) clone() *SegmentEntry {
	e2 := *e
	if e.DeletedDocIDs != nil {
		e2.DeletedDocIDs = e.DeletedDocIDs.Clone()
	}
	return &e2
}

// Manifest is a totally-ordered snapshot of live segments, attributes and
// the segment-id counter (spec §3).
type Manifest struct {
	Generation    uint64
	NextSegmentID uint64
	Segments      []*SegmentEntry
	Attributes    map[string]string
}

// New returns an empty manifest ready for the first commit.
func New() *Manifest {
	return &Manifest{
		NextSegmentID: 1,
		Attributes:    make(map[string]string),
	}
}

// Clone deep-copies the manifest so it can be mutated independently,
// grounded on acoustid-api's Manifest.Clone.
func (m *Manifest) Clone() *Manifest {
	m2 := &Manifest{
		Generation:    m.Generation,
		NextSegmentID: m.NextSegmentID,
		Attributes:    make(map[string]string, len(m.Attributes)),
	}
	for k, v := range m.Attributes {
		m2.Attributes[k] = v
	}
	for _, e := range m.Segments {
		m2.Segments = append(m2.Segments, e.clone())
	}
	return m2
}

// Segment returns the entry for id, or nil.
func (m *Manifest) Segment(id uint64) *SegmentEntry {
	for _, e := range m.Segments {
		if e.SegmentID == id {
			return e
		}
	}
	return nil
}

// AddSegment appends a new segment descriptor, newest-last, and marks the
// doc ids it carries as deleted in every older live segment that
// contained them (spec §4.4 deletion propagation). owns(segmentID, docID)
// resolves whether an older segment actually contains docID; callers
// implement it as a Bloom-filter probe followed by a doc-id inventory
// scan on a positive (spec §4.4/§9) so this package stays storage-agnostic.
func (m *Manifest) AddSegment(e *SegmentEntry, newDocs *roaring.Bitmap, owns func(segmentID uint64, docID uint32) bool) {
	it := newDocs.Iterator()
	for it.HasNext() {
		docID := it.Next()
		for _, older := range m.Segments {
			if older.SegmentID >= e.SegmentID {
				continue
			}
			if !older.Contains(docID) {
				continue
			}
			if !owns(older.SegmentID, docID) {
				continue
			}
			if older.DeletedDocIDs == nil {
				older.DeletedDocIDs = roaring.New()
			}
			older.DeletedDocIDs.Add(docID)
		}
	}
	m.Segments = append(m.Segments, e)
	if e.SegmentID >= m.NextSegmentID {
		m.NextSegmentID = e.SegmentID + 1
	}
}

// RemoveSegment drops a segment descriptor entirely (used after a merge
// replaces its inputs with the merged output).
func (m *Manifest) RemoveSegment(id uint64) {
	out := m.Segments[:0]
	for _, e := range m.Segments {
		if e.SegmentID != id {
			out = append(out, e)
		}
	}
	m.Segments = out
}

// GetAttribute reads an attribute, returning ok=false if unset.
func (m *Manifest) GetAttribute(name string) (string, bool) {
	v, ok := m.Attributes[name]
	return v, ok
}

// SetAttribute writes an attribute.
func (m *Manifest) SetAttribute(name, value string) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}
	m.Attributes[name] = value
}

// Encode serialises the manifest to the binary format in spec §6.
func Encode(m *Manifest) []byte {
	var buf []byte
	buf = append(buf, magic...)
	buf = appendU32(buf, formatVersion)
	buf = appendU64(buf, m.Generation)
	buf = appendU64(buf, m.NextSegmentID)

	names := make([]string, 0, len(m.Attributes))
	for k := range m.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)

	buf = appendU32(buf, uint32(len(names)))
	for _, name := range names {
		value := m.Attributes[name]
		buf = appendU16(buf, uint16(len(name)))
		buf = append(buf, name...)
		buf = appendU32(buf, uint32(len(value)))
		buf = append(buf, value...)
	}

	buf = appendU32(buf, uint32(len(m.Segments)))
	for _, e := range m.Segments {
		buf = appendU64(buf, e.SegmentID)
		buf = appendU32(buf, e.DocCount)
		buf = appendU32(buf, e.PostingCount)
		buf = appendU32(buf, e.MinHash)
		buf = appendU32(buf, e.MaxHash)

		var deleted []uint32
		if e.DeletedDocIDs != nil {
			deleted = e.DeletedDocIDs.ToArray()
		}
		buf = appendU32(buf, uint32(len(deleted)))
		for _, d := range deleted {
			buf = appendU32(buf, d)
		}
	}

	return buf
}

// Decode parses the binary format written by Encode.
func Decode(data []byte) (*Manifest, error) {
	r := &reader{data: data}

	gotMagic, err := r.bytes(4)
	if err != nil || string(gotMagic) != magic {
		return nil, errors.Wrap(ErrCorruptManifest, "bad magic")
	}
	version, err := r.u32()
	if err != nil || version != formatVersion {
		return nil, errors.Wrap(ErrCorruptManifest, "bad version")
	}

	m := New()
	if m.Generation, err = r.u64(); err != nil {
		return nil, errors.Wrap(ErrCorruptManifest, "truncated")
	}
	if m.NextSegmentID, err = r.u64(); err != nil {
		return nil, errors.Wrap(ErrCorruptManifest, "truncated")
	}

	attrCount, err := r.u32()
	if err != nil {
		return nil, errors.Wrap(ErrCorruptManifest, "truncated")
	}
	for i := uint32(0); i < attrCount; i++ {
		nameLen, err := r.u16()
		if err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated attribute name length")
		}
		nameBytes, err := r.bytes(int(nameLen))
		if err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated attribute name")
		}
		valueLen, err := r.u32()
		if err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated attribute value length")
		}
		valueBytes, err := r.bytes(int(valueLen))
		if err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated attribute value")
		}
		m.Attributes[string(nameBytes)] = string(valueBytes)
	}

	segCount, err := r.u32()
	if err != nil {
		return nil, errors.Wrap(ErrCorruptManifest, "truncated")
	}
	for i := uint32(0); i < segCount; i++ {
		e := &SegmentEntry{}
		if e.SegmentID, err = r.u64(); err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated segment")
		}
		if e.DocCount, err = r.u32(); err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated segment")
		}
		if e.PostingCount, err = r.u32(); err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated segment")
		}
		if e.MinHash, err = r.u32(); err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated segment")
		}
		if e.MaxHash, err = r.u32(); err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated segment")
		}
		delCount, err := r.u32()
		if err != nil {
			return nil, errors.Wrap(ErrCorruptManifest, "truncated segment")
		}
		if delCount > 0 {
			e.DeletedDocIDs = roaring.New()
			for j := uint32(0); j < delCount; j++ {
				docID, err := r.u32()
				if err != nil {
					return nil, errors.Wrap(ErrCorruptManifest, "truncated deleted doc ids")
				}
				e.DeletedDocIDs.Add(docID)
			}
		}
		m.Segments = append(m.Segments, e)
	}

	return m, nil
}

// InfoFileName returns the manifest file name for a generation.
func InfoFileName(gen uint64) string {
	return fmt.Sprintf("info_%d", gen)
}

// ParseGeneration extracts the generation number from an info_<gen> file
// name, returning ok=false for any other name.
func ParseGeneration(name string) (uint64, bool) {
	const prefix = "info_"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	gen, err := strconv.ParseUint(name[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return gen, true
}

// Save writes the manifest to dir under its current generation's
// info_<gen> name, following the atomic commit sequence in spec §4.4
// steps 1-4 (write temp, fsync, rename, fsync directory).
func Save(dir store.Dir, m *Manifest) error {
	name := InfoFileName(m.Generation)
	if err := store.WriteFile(dir, name, func(w store.Writer) error {
		_, err := w.Write(Encode(m))
		return err
	}); err != nil {
		return errors.Wrap(err, "failed to save manifest")
	}
	return errors.Wrap(dir.SyncDir(), "failed to fsync directory")
}

// LoadLatest scans dir for the highest-numbered info_<gen> file and
// decodes it. It returns (nil, nil) if no manifest file exists yet.
func LoadLatest(dir store.Dir) (*Manifest, error) {
	names, err := dir.List()
	if err != nil {
		return nil, err
	}

	var best uint64
	var bestName string
	found := false
	for _, name := range names {
		gen, ok := ParseGeneration(name)
		if !ok {
			continue
		}
		if !found || gen > best {
			best, bestName, found = gen, name, true
		}
	}
	if !found {
		return nil, nil
	}

	f, err := dir.Open(bestName)
	if err != nil {
		return nil, errors.Wrapf(err, "open manifest %s failed", bestName)
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest failed")
	}
	return Decode(data)
}

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, errors.New("truncated")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}
