package facematch

import (
	"github.com/kozaktomas/child-finder/internal/database"
	"github.com/kozaktomas/child-finder/internal/fingerprint"
)

// Defaults for collapsing the same face seen across consecutive video frames.
const (
	DefaultTrackIoU        = 0.5
	DefaultTrackSimilarity = 0.9
)

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 []float64) float64 {
	if len(bbox1) != 4 || len(bbox2) != 4 {
		return 0
	}

	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}
	return intersection / union
}

// CollapseTracks drops faces that repeat a face already kept from an earlier
// frame: same place (IoU >= minIoU) and same person (similarity >= minSimilarity).
// Still images (all frame 0) are returned unchanged.
func CollapseTracks(faces []fingerprint.Face, minIoU, minSimilarity float64) []fingerprint.Face {
	kept := make([]fingerprint.Face, 0, len(faces))
	for _, f := range faces {
		duplicate := false
		for _, k := range kept {
			if k.Frame == f.Frame {
				continue
			}
			if ComputeIoU(k.BBox, f.BBox) >= minIoU &&
				database.CosineSimilarity(k.Embedding, f.Embedding) >= minSimilarity {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, f)
		}
	}
	return kept
}
