package detections

import (
	"sort"

	"github.com/Tutortoise/presence-detection-service/models"
	flatbush "github.com/bmharper/flatbush-go"
)

// Suppress runs greedy non-maximum suppression over single-class candidates.
// Candidates are visited by descending confidence, ties in input order. Each
// accepted candidate removes every remaining one whose IOU with it is at or
// above iouThreshold. The result is ordered by descending confidence.
func Suppress(candidates []models.Candidate, iouThreshold float32) []models.Candidate {
	n := len(candidates)
	kept := make([]models.Candidate, 0, n)
	if n == 0 {
		return kept
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sortByConfidence(candidates, order)

	if iouThreshold <= 0 {
		// Every pair has IOU >= 0, so the winner suppresses everything.
		return append(kept, candidates[order[0]])
	}

	// Spatial index so that each accepted box only visits its neighbours.
	// Bounds are the exact rects; the index search is inclusive, so touching and
	// zero-area boxes are still found.
	fb := flatbush.NewFlatbush[float32]()
	fb.Reserve(n)
	for _, c := range candidates {
		fb.Add(bounds(c.Rect))
	}
	fb.Finish()

	suppressed := make([]bool, n)
	for _, i := range order {
		if suppressed[i] {
			continue
		}
		best := candidates[i]
		kept = append(kept, best)
		suppressed[i] = true

		for _, j := range fb.Search(bounds(best.Rect)) {
			if suppressed[j] {
				continue
			}
			if best.IOU(candidates[j].Rect) >= iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

// IOU is the intersection-over-union of two candidates' boxes.
func IOU(a, b models.Candidate) float32 {
	return a.IOU(b.Rect)
}

func sortByConfidence(candidates []models.Candidate, order []int) {
	sort.SliceStable(order, func(a, b int) bool {
		return candidates[order[a]].Confidence > candidates[order[b]].Confidence
	})
}

func bounds(r models.Rect) (minX, minY, maxX, maxY float32) {
	return r.X, r.Y, r.X2(), r.Y2()
}
