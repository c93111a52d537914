package imaging

import (
	"fmt"
	"image"
	"sort"

	"github.com/disintegration/imaging"
)

// Region is the pixel rectangle occupied by one nesting box inside the full
// camera frame. Min is inclusive, Max exclusive.
type Region struct {
	Box  int             `json:"box"`
	Rect image.Rectangle `json:"rect"`
}

// DefaultRegions returns the regions of the two monitored boxes in the
// camera frame, numbered from 0 left to right. The third box at the right
// edge is not monitored.
func DefaultRegions() []Region {
	return []Region{
		{Box: 0, Rect: image.Rect(100, 850, 700, 1350)},
		{Box: 1, Rect: image.Rect(800, 850, 1700, 1350)},
	}
}

// SpliceResult maps box ids to their cropped images. Boxes whose region does
// not overlap the frame are reported in Errors instead.
type SpliceResult struct {
	Images map[int]image.Image
	Errors map[int]error
}

// Boxes returns the spliced box ids in ascending order.
func (r *SpliceResult) Boxes() []int {
	ids := make([]int, 0, len(r.Images))
	for id := range r.Images {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Splice cuts each region out of the frame. Regions are clipped to the frame
// bounds; a region with an empty intersection yields an InvalidImageError for
// that box only. Duplicate box ids are rejected.
func Splice(frame image.Image, regions []Region) (*SpliceResult, error) {
	if frame == nil || frame.Bounds().Empty() {
		return nil, &InvalidImageError{Reason: "empty camera frame"}
	}

	res := &SpliceResult{
		Images: make(map[int]image.Image, len(regions)),
		Errors: make(map[int]error),
	}
	fb := frame.Bounds()
	for _, r := range regions {
		if _, dup := res.Images[r.Box]; dup {
			return nil, fmt.Errorf("duplicate region for box %d", r.Box)
		}
		if _, dup := res.Errors[r.Box]; dup {
			return nil, fmt.Errorf("duplicate region for box %d", r.Box)
		}

		clipped := image.Rect(
			clamp(r.Rect.Min.X, fb.Min.X, fb.Max.X),
			clamp(r.Rect.Min.Y, fb.Min.Y, fb.Max.Y),
			clamp(r.Rect.Max.X, fb.Min.X, fb.Max.X),
			clamp(r.Rect.Max.Y, fb.Min.Y, fb.Max.Y),
		)
		if clipped.Empty() {
			res.Errors[r.Box] = &InvalidImageError{
				Reason: fmt.Sprintf("box %d region %v outside frame %v", r.Box, r.Rect, fb),
			}
			continue
		}
		res.Images[r.Box] = imaging.Crop(frame, clipped)
	}
	return res, nil
}
