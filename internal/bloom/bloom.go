// Package bloom implements a small in-memory Bloom filter over uint32 doc
// ids, used by the manifest to short-circuit deletion-propagation probes
// (spec §4.4): a negative probe means a segment definitely does not
// contain a doc id, skipping the full doc-id inventory scan.
package bloom

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/acoustid/fpindex/internal/bitset"
)

// K is the number of hash functions used per insertion/probe.
const K = 7

// BitsPerEntry controls the filter's false-positive rate; 10 bits/entry is
// roughly a 1% FP rate for K=7.
const BitsPerEntry = 10

// Filter is a fixed-size Bloom filter over uint32 keys.
type Filter struct {
	bits *bitset.Bitset
}

// New returns an empty filter sized for n expected entries.
func New(n int) *Filter {
	if n < 1 {
		n = 1
	}
	return &Filter{bits: bitset.New(n * BitsPerEntry)}
}

// Add inserts id into the filter.
func (f *Filter) Add(id uint32) {
	for _, pos := range f.positions(id) {
		f.bits.Set(pos)
	}
}

// MayContain returns false if id is definitely not in the filter, true if
// it might be (a false positive only costs an extra inventory scan).
func (f *Filter) MayContain(id uint32) bool {
	for _, pos := range f.positions(id) {
		if !f.bits.Test(pos) {
			return false
		}
	}
	return true
}

func (f *Filter) positions(id uint32) [K]uint {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], id)

	h64 := fnv.New64a()
	h64.Write(buf[:])
	a := h64.Sum64()

	h32 := fnv.New32a()
	h32.Write(buf[:])
	b := uint(h32.Sum32())

	nbits := uint(f.bits.Len())
	var pos [K]uint
	for i := 0; i < K; i++ {
		pos[i] = (uint(a) + uint(i)*b) % nbits
	}
	return pos
}
