// Package query implements the search-side hash fan-out described in
// spec §4.7: for each unique hash in a query, look it up in every live
// segment and feed matching doc ids to a collector. Segments are searched
// concurrently, not one after another in segment_id order.
//
// Grounded on acoustid-api's index/snapshot.go, which dispatches one
// goroutine per segment and merges partial score maps. This package
// keeps that per-segment dispatch but talks to a narrow Segment
// interface instead of a concrete snapshot type, so internal/index can
// supply either real segment.Segment values or fakes in tests.
package query

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/acoustid/fpindex/internal/collector"
)

// Segment is the minimal view the evaluator needs from a live segment.
// Callers are expected to bake deletion filtering into PostingsFor
// (segment.Segment.PostingsFor already takes a deleted predicate).
type Segment interface {
	ID() uint64
	PostingsFor(hash uint32) ([]uint32, error)
}

// Evaluate searches segments for hashes and records every match in c.
// Each segment is searched in its own goroutine, so the order of
// segments does not affect the result; deleted doc ids are filtered by
// each segment's PostingsFor.
//
// Each unique hash contributes at most one unit of score per matching
// doc id, regardless of how many times the hash repeats within a
// document's fingerprint or within the query itself.
func Evaluate(segments []Segment, hashes []uint32, c *collector.Collector) error {
	unique := dedupeHashes(hashes)
	if len(unique) == 0 || len(segments) == 0 {
		return nil
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	for _, seg := range segments {
		seg := seg
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, hash := range unique {
				docIDs, err := seg.PostingsFor(hash)
				if err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = errors.Wrapf(err, "segment %d", seg.ID())
					}
					mu.Unlock()
					return
				}
				mu.Lock()
				for _, docID := range docIDs {
					c.Add(docID, 1)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return firstErr
}

func dedupeHashes(hashes []uint32) []uint32 {
	if len(hashes) == 0 {
		return nil
	}
	seen := make(map[uint32]struct{}, len(hashes))
	out := make([]uint32, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	return out
}
