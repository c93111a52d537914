package model

import (
	"image"
	"sort"
)

// IoU returns the intersection over union of two boxes.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()) + float64(b.Dx()*b.Dy()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}

// NMS performs greedy non-max suppression. Boxes are visited by descending
// confidence and a box is dropped when it overlaps an already kept box by
// more than iou, whatever the two class names. With perClass set only boxes of
// the same class suppress each other, so one physical object can surface under
// two class names. At most maxDet detections are kept; maxDet <= 0 means no
// limit.
func NMS(dets []Detection, iou float64, perClass bool, maxDet int) []Detection {
	if len(dets) == 0 {
		return nil
	}
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Confidence > sorted[j].Confidence })

	var kept []Detection
	for _, d := range sorted {
		suppressed := false
		for _, k := range kept {
			if perClass && k.ClassName != d.ClassName {
				continue
			}
			if IoU(k.Box, d.Box) > iou {
				suppressed = true
				break
			}
		}
		if suppressed {
			continue
		}
		kept = append(kept, d)
		if maxDet > 0 && len(kept) == maxDet {
			break
		}
	}
	return kept
}
