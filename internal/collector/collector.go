// Package collector implements the top-hits collector described in spec
// §4.8: a relative-threshold, stable-sorted top-k cutoff over accumulated
// per-doc scores.
//
// New code — acoustid-api's index/snapshot.go returns a raw, unordered
// map[uint32]int with no ranking step at all. Written in the teacher's
// plain-struct-and-methods style, using the standard library's
// sort.Slice (the same ranking idiom the teacher's merge.go applies to
// segment sizing).
package collector

import "sort"

// Hit is one ranked result.
type Hit struct {
	DocID uint32
	Score int
}

// Collector accumulates per-document scores during a query and produces
// the final ranked top-k.
type Collector struct {
	maxResults      int
	topScorePercent int
	scores          map[uint32]int
}

// New returns a collector configured by maxResults (k) and
// topScorePercent (p, 0-100), per spec §4.8.
func New(maxResults, topScorePercent int) *Collector {
	return &Collector{
		maxResults:      maxResults,
		topScorePercent: topScorePercent,
		scores:          make(map[uint32]int),
	}
}

// Add records that docID accumulates weight additional score.
func (c *Collector) Add(docID uint32, weight int) {
	c.scores[docID] += weight
}

// TopResults finalises the collected scores per spec §4.8: compute the
// relative threshold from the best score, filter, stable-sort by score
// descending then doc id ascending, and truncate to maxResults.
func (c *Collector) TopResults() []Hit {
	if c.maxResults <= 0 || len(c.scores) == 0 {
		return nil
	}

	best := 0
	for _, score := range c.scores {
		if score > best {
			best = score
		}
	}

	threshold := 0
	if c.topScorePercent > 0 {
		threshold = ceilDiv(best*c.topScorePercent, 100)
	}

	hits := make([]Hit, 0, len(c.scores))
	for docID, score := range c.scores {
		if score >= threshold {
			hits = append(hits, Hit{DocID: docID, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})

	if len(hits) > c.maxResults {
		hits = hits[:c.maxResults]
	}
	return hits
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
