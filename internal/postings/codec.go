// Package postings implements the block-compressed posting-list codec
// described in spec §4.1: fixed-size groups of (hash, doc_id) postings,
// delta-encoded with unsigned varints, plus the skip-table entries used
// to binary-search for a block by hash.
//
// Grounded on acoustid-api's index/segment.go writeBlock/ReadBlock, with
// the teacher's fixed-size zero-padded blocks replaced by exact-length
// blocks (no padding) since the skip table records byte offsets directly.
package postings

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/acoustid/fpindex/internal/varint"
)

// Posting is one (hash, doc_id) occurrence.
type Posting struct {
	Hash  uint32
	DocID uint32
}

var (
	// ErrTruncatedBlock is returned when a block's bytes end before its
	// declared posting count is satisfied.
	ErrTruncatedBlock = errors.New("truncated posting block")
	// ErrEmptyBlock is returned by EncodeBlock when given no postings.
	ErrEmptyBlock = errors.New("cannot encode an empty block")
)

// blockHeaderSize is the 2-byte posting count prefix used to make each
// block self-describing.
const blockHeaderSize = 2

// EncodeBlock appends the encoding of postings (already sorted by hash
// then doc_id, the first posting least) to dst and returns the extended
// slice. postings must be non-empty and have at most 65535 entries.
func EncodeBlock(dst []byte, postings []Posting) ([]byte, error) {
	if len(postings) == 0 {
		return dst, ErrEmptyBlock
	}

	var header [blockHeaderSize]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(postings)))
	dst = append(dst, header[:]...)

	first := postings[0]
	var buf4 [4]byte
	binary.LittleEndian.PutUint32(buf4[:], first.Hash)
	dst = append(dst, buf4[:]...)
	binary.LittleEndian.PutUint32(buf4[:], first.DocID)
	dst = append(dst, buf4[:]...)

	var tmp [varint.MaxLen32]byte
	prevHash, prevDocID := first.Hash, first.DocID
	for _, p := range postings[1:] {
		hashDelta := p.Hash - prevHash
		n := varint.PutUvarint32(tmp[:], hashDelta)
		dst = append(dst, tmp[:n]...)

		var docField uint32
		if hashDelta == 0 {
			docField = p.DocID - prevDocID
		} else {
			docField = p.DocID
		}
		n = varint.PutUvarint32(tmp[:], docField)
		dst = append(dst, tmp[:n]...)

		prevHash, prevDocID = p.Hash, p.DocID
	}

	return dst, nil
}

// DecodeBlock decodes a block starting at the beginning of data, appending
// the postings to dst and returning the extended slice and the number of
// bytes consumed from data.
func DecodeBlock(dst []Posting, data []byte) ([]Posting, int, error) {
	if len(data) < blockHeaderSize+8 {
		return dst, 0, ErrTruncatedBlock
	}

	count := int(binary.LittleEndian.Uint16(data))
	if count == 0 {
		return dst, 0, ErrTruncatedBlock
	}

	pos := blockHeaderSize
	hash := binary.LittleEndian.Uint32(data[pos:])
	pos += 4
	docID := binary.LittleEndian.Uint32(data[pos:])
	pos += 4

	dst = append(dst, Posting{Hash: hash, DocID: docID})

	prevHash, prevDocID := hash, docID
	for i := 1; i < count; i++ {
		if pos >= len(data) {
			return dst, 0, ErrTruncatedBlock
		}
		hashDelta, n := varint.Uvarint32(data[pos:])
		if n <= 0 {
			return dst, 0, ErrTruncatedBlock
		}
		pos += n

		docField, n := varint.Uvarint32(data[pos:])
		if n <= 0 {
			return dst, 0, ErrTruncatedBlock
		}
		pos += n

		h := prevHash + hashDelta
		var d uint32
		if hashDelta == 0 {
			d = prevDocID + docField
		} else {
			d = docField
		}
		dst = append(dst, Posting{Hash: h, DocID: d})
		prevHash, prevDocID = h, d
	}

	return dst, pos, nil
}

// SkipEntry is one (first_hash_of_block, byte_offset_of_block) pair used
// to binary-search for the block that may contain a given hash.
type SkipEntry struct {
	FirstHash uint32
	Offset    uint64
}

const SkipEntrySize = 4 + 8

// EncodeSkipTable serialises entries in order.
func EncodeSkipTable(entries []SkipEntry) []byte {
	buf := make([]byte, len(entries)*SkipEntrySize)
	for i, e := range entries {
		off := i * SkipEntrySize
		binary.LittleEndian.PutUint32(buf[off:], e.FirstHash)
		binary.LittleEndian.PutUint64(buf[off+4:], e.Offset)
	}
	return buf
}

// DecodeSkipTable parses a skip table region of the given entry count.
func DecodeSkipTable(data []byte, count int) ([]SkipEntry, error) {
	if len(data) < count*SkipEntrySize {
		return nil, errors.New("truncated skip table")
	}
	entries := make([]SkipEntry, count)
	for i := range entries {
		off := i * SkipEntrySize
		entries[i] = SkipEntry{
			FirstHash: binary.LittleEndian.Uint32(data[off:]),
			Offset:    binary.LittleEndian.Uint64(data[off+4:]),
		}
	}
	return entries, nil
}
