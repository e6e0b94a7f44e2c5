package detections

import (
	"sort"
)

type candidate struct {
	box   [4]float32 // x1, y1, x2, y2 in input space
	score float32
	cls   int
}

// decodeOutput reads a [4+classes, anchors] prediction block and keeps
// anchors whose best class score reaches threshold.
func decodeOutput(predictions []float32, numClasses, numAnchors int, threshold float32) []candidate {
	out := make([]candidate, 0, 64)
	for i := 0; i < numAnchors; i++ {
		best, cls := float32(-1), -1
		for c := 0; c < numClasses; c++ {
			s := predictions[(boxChannels+c)*numAnchors+i]
			if s > best {
				best, cls = s, c
			}
		}
		if best < threshold {
			continue
		}

		cx := predictions[i]
		cy := predictions[numAnchors+i]
		w := predictions[2*numAnchors+i]
		h := predictions[3*numAnchors+i]
		out = append(out, candidate{
			box:   [4]float32{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
			score: best,
			cls:   cls,
		})
	}
	return out
}

// nonMaxSuppression keeps the highest scoring boxes, dropping any box that
// overlaps a kept box of the same class by more than iouThreshold. The
// result is ordered by descending score.
func nonMaxSuppression(cands []candidate, iouThreshold float32, maxDet int) []candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].score > cands[j].score
	})

	kept := make([]candidate, 0, len(cands))
	suppressed := make([]bool, len(cands))
	for i := range cands {
		if suppressed[i] {
			continue
		}
		kept = append(kept, cands[i])
		if maxDet > 0 && len(kept) >= maxDet {
			break
		}
		for j := i + 1; j < len(cands); j++ {
			if suppressed[j] || cands[j].cls != cands[i].cls {
				continue
			}
			if calculateIOU(cands[i].box, cands[j].box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func calculateIOU(box1, box2 [4]float32) float32 {
	x1 := max32(box1[0], box2[0])
	y1 := max32(box1[1], box2[1])
	x2 := min32(box1[2], box2[2])
	y2 := min32(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (box1[2] - box1[0]) * (box1[3] - box1[1])
	area2 := (box2[2] - box2[0]) * (box2[3] - box2[1])
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0
	}

	return intersection / union
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
