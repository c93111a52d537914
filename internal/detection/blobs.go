package detection

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"github.com/ironsheep/eggwatch/internal/imaging"
)

// Point represents a 2D coordinate in pixel space.
type Point struct {
	X int `json:"x"` // Horizontal position (0 = leftmost)
	Y int `json:"y"` // Vertical position (0 = topmost)
}

// Center is a sub-pixel location.
type Center struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Blob is a compact, roughly circular region found in a binary image.
type Blob struct {
	// Center is the centroid of the blob, averaged over every threshold level
	// at which it was found.
	Center Center `json:"center"`

	// Size is the blob diameter in pixels.
	Size float64 `json:"size"`
}

// BlobParams configures DetectBlobs. Every filter is applied independently and
// a blob must pass all enabled filters.
type BlobParams struct {
	// MinThreshold and MaxThreshold bound the intensity levels scanned.
	// Levels run from MinThreshold (inclusive) to MaxThreshold (exclusive).
	MinThreshold float64 `mapstructure:"min_threshold" json:"min_threshold"`
	MaxThreshold float64 `mapstructure:"max_threshold" json:"max_threshold"`

	// ThresholdStep is the distance between scanned levels.
	ThresholdStep float64 `mapstructure:"threshold_step" json:"threshold_step"`

	// MinRepeatability is the number of levels a blob must appear at.
	MinRepeatability int `mapstructure:"min_repeatability" json:"min_repeatability"`

	// MinDistBetweenBlobs merges detections closer than this across levels.
	MinDistBetweenBlobs float64 `mapstructure:"min_dist_between_blobs" json:"min_dist_between_blobs"`

	// FilterByColor keeps only blobs of BlobColor: 0 selects dark regions,
	// 255 bright ones. With the filter off both polarities are searched.
	FilterByColor bool  `mapstructure:"filter_by_color" json:"filter_by_color"`
	BlobColor     uint8 `mapstructure:"blob_color" json:"blob_color"`

	FilterByArea bool    `mapstructure:"filter_by_area" json:"filter_by_area"`
	MinArea      float64 `mapstructure:"min_area" json:"min_area"`
	MaxArea      float64 `mapstructure:"max_area" json:"max_area"`

	FilterByCircularity bool    `mapstructure:"filter_by_circularity" json:"filter_by_circularity"`
	MinCircularity      float64 `mapstructure:"min_circularity" json:"min_circularity"`
	MaxCircularity      float64 `mapstructure:"max_circularity" json:"max_circularity"`

	FilterByConvexity bool    `mapstructure:"filter_by_convexity" json:"filter_by_convexity"`
	MinConvexity      float64 `mapstructure:"min_convexity" json:"min_convexity"`
	MaxConvexity      float64 `mapstructure:"max_convexity" json:"max_convexity"`

	FilterByInertia bool    `mapstructure:"filter_by_inertia" json:"filter_by_inertia"`
	MinInertiaRatio float64 `mapstructure:"min_inertia_ratio" json:"min_inertia_ratio"`
	MaxInertiaRatio float64 `mapstructure:"max_inertia_ratio" json:"max_inertia_ratio"`
}

// DefaultBlobParams returns the parameters tuned for eggs in a nesting box:
// dark in the prepared image, circular enough, and between 2000 and 10000
// square pixels.
func DefaultBlobParams() BlobParams {
	return BlobParams{
		MinThreshold:        10,
		MaxThreshold:        200,
		ThresholdStep:       10,
		MinRepeatability:    2,
		MinDistBetweenBlobs: 10,

		FilterByColor: true,
		BlobColor:     0,

		FilterByArea: true,
		MinArea:      2000,
		MaxArea:      10000,

		FilterByCircularity: true,
		MinCircularity:      0.5,
		MaxCircularity:      math.MaxFloat32,

		FilterByConvexity: false,
		MinConvexity:      0.95,
		MaxConvexity:      math.MaxFloat32,

		FilterByInertia: false,
		MinInertiaRatio: 0.1,
		MaxInertiaRatio: math.MaxFloat32,
	}
}

// Validate reports inconsistent parameters.
func (p BlobParams) Validate() error {
	var errs []error
	if p.ThresholdStep <= 0 {
		errs = append(errs, fmt.Errorf("threshold step must be positive, got %g", p.ThresholdStep))
	}
	if p.MinThreshold >= p.MaxThreshold {
		errs = append(errs, fmt.Errorf("min threshold %g must be below max threshold %g", p.MinThreshold, p.MaxThreshold))
	}
	if p.MinRepeatability < 1 {
		errs = append(errs, fmt.Errorf("min repeatability must be at least 1, got %d", p.MinRepeatability))
	}
	if p.MinDistBetweenBlobs < 0 {
		errs = append(errs, fmt.Errorf("min distance between blobs must not be negative"))
	}
	if p.FilterByColor && p.BlobColor != 0 && p.BlobColor != 255 {
		errs = append(errs, fmt.Errorf("blob color must be 0 or 255, got %d", p.BlobColor))
	}
	check := func(name string, enabled bool, lo, hi float64) {
		if enabled && lo > hi {
			errs = append(errs, fmt.Errorf("%s range [%g, %g] is empty", name, lo, hi))
		}
	}
	check("area", p.FilterByArea, p.MinArea, p.MaxArea)
	check("circularity", p.FilterByCircularity, p.MinCircularity, p.MaxCircularity)
	check("convexity", p.FilterByConvexity, p.MinConvexity, p.MaxConvexity)
	check("inertia", p.FilterByInertia, p.MinInertiaRatio, p.MaxInertiaRatio)
	return errors.Join(errs...)
}

// DetectBlobs finds roughly circular regions in a binary (or grayscale) image
// and returns one entry per stable blob, ordered top to bottom then left to
// right. By default the blobs are dark regions on a light field, which is how
// Prepare renders eggs. An image without matching regions yields an empty
// slice, not an error.
//
// # Algorithm
//
// For every threshold level t in [MinThreshold, MaxThreshold):
//
//  1. Pixels at or below t form the dark foreground, pixels above t the
//     bright one. BlobColor picks which is searched.
//  2. Foreground pixels are grouped into 8-connected components. Dark
//     components touching the image border are background, not blobs.
//  3. The outer boundary of each component is traced. Area, centroid and
//     second moments come from the boundary polygon, so enclosed holes count
//     towards the area. Perimeter is the traced chain length.
//  4. Components failing any enabled filter are dropped:
//     circularity = 4*pi*area / perimeter^2, convexity = area / hull area,
//     inertia ratio = minor / major principal moment.
//
// Candidates from all levels are then merged: a candidate closer than
// MinDistBetweenBlobs (and than either radius) to an existing blob joins it.
// Blobs seen at fewer than MinRepeatability levels are discarded.
func DetectBlobs(bin *image.Gray, p BlobParams) ([]Blob, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob parameters: %w", err)
	}
	if bin == nil || bin.Bounds().Empty() {
		return nil, &imaging.InvalidImageError{Reason: "empty binary image"}
	}

	var groups []blobGroup
	for t := p.MinThreshold; t < p.MaxThreshold; t += p.ThresholdStep {
		for _, dark := range p.polarities() {
			for _, c := range findCandidates(bin, t, dark, p) {
				groups = mergeCandidate(groups, c, p.MinDistBetweenBlobs)
			}
		}
	}

	blobs := make([]Blob, 0, len(groups))
	for _, g := range groups {
		if len(g.members) < p.MinRepeatability {
			continue
		}
		var sx, sy float64
		for _, m := range g.members {
			sx += m.center.X
			sy += m.center.Y
		}
		n := float64(len(g.members))
		blobs = append(blobs, Blob{
			Center: Center{X: sx / n, Y: sy / n},
			Size:   g.reference().radius * 2,
		})
	}

	sort.Slice(blobs, func(i, j int) bool {
		yi, yj := math.Round(blobs[i].Center.Y), math.Round(blobs[j].Center.Y)
		if yi != yj {
			return yi < yj
		}
		return blobs[i].Center.X < blobs[j].Center.X
	})
	return blobs, nil
}

// DrawBlobs renders the blob-detection artifact: the binary image with each
// detected blob circled and numbered.
func DrawBlobs(bin image.Image, blobs []Blob) image.Image {
	canvas := imaging.NewCanvas(bin)
	ring := color.RGBA{R: 255, G: 40, B: 40, A: 255}
	for i, b := range blobs {
		r := b.Size / 2
		canvas.Circle(b.Center.X, b.Center.Y, r, ring, 4)
		canvas.Label(b.Center.X-r, b.Center.Y-r-18, fmt.Sprintf("egg %d", i+1), color.White, ring)
	}
	return canvas.Image()
}

// polarities lists the foregrounds to search: true for dark, false for bright.
func (p BlobParams) polarities() []bool {
	if p.FilterByColor {
		return []bool{p.BlobColor == 0}
	}
	return []bool{true, false}
}

type candidate struct {
	center Center
	radius float64
}

type blobGroup struct {
	// members sorted by radius, ascending
	members []candidate
}

func (g blobGroup) reference() candidate {
	return g.members[len(g.members)/2]
}

func mergeCandidate(groups []blobGroup, c candidate, minDist float64) []blobGroup {
	for i := range groups {
		ref := groups[i].reference()
		dist := math.Hypot(ref.center.X-c.center.X, ref.center.Y-c.center.Y)
		if dist < minDist || dist < ref.radius || dist < c.radius {
			m := groups[i].members
			k := sort.Search(len(m), func(j int) bool { return m[j].radius >= c.radius })
			m = append(m, candidate{})
			copy(m[k+1:], m[k:])
			m[k] = c
			groups[i].members = m
			return groups
		}
	}
	return append(groups, blobGroup{members: []candidate{c}})
}

// findCandidates returns the components at one threshold level that pass
// every enabled filter.
func findCandidates(bin *image.Gray, level float64, dark bool, p BlobParams) []candidate {
	b := bin.Bounds()
	width, height := b.Dx(), b.Dy()

	labels := make([]int32, width*height)
	for y := 0; y < height; y++ {
		row := bin.Pix[y*bin.Stride : y*bin.Stride+width]
		for x, v := range row {
			if (float64(v) > level) != dark {
				labels[y*width+x] = -1
			}
		}
	}

	var out []candidate
	var next int32
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if labels[y*width+x] != -1 {
				continue
			}
			next++
			if touchesBorder := floodFill(labels, width, height, Point{X: x, Y: y}, next); touchesBorder && dark {
				continue
			}
			contour := traceBoundary(labels, width, height, Point{X: x, Y: y}, next)
			if c, ok := measure(contour, p); ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// floodFill labels the 8-connected component containing start and reports
// whether it reaches the image border. Unlabelled foreground is marked -1.
func floodFill(labels []int32, width, height int, start Point, label int32) bool {
	stack := []Point{start}
	labels[start.Y*width+start.X] = label
	border := false

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if p.X == 0 || p.Y == 0 || p.X == width-1 || p.Y == height-1 {
			border = true
		}

		// 8-connected neighbors
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 {
					continue
				}
				nx, ny := p.X+dx, p.Y+dy
				if nx < 0 || nx >= width || ny < 0 || ny >= height {
					continue
				}
				if labels[ny*width+nx] == -1 {
					labels[ny*width+nx] = label
					stack = append(stack, Point{X: nx, Y: ny})
				}
			}
		}
	}
	return border
}

// Clockwise neighbour offsets in image coordinates, starting east.
var moore = [8]Point{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1},
	{-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

// traceBoundary walks the outer boundary of a component clockwise using
// Moore-neighbour tracing. start must be the component's first pixel in
// raster order, so its west, north-west, north and north-east neighbours lie
// outside the component.
func traceBoundary(labels []int32, width, height int, start Point, label int32) []Point {
	inside := func(x, y int) bool {
		return x >= 0 && x < width && y >= 0 && y < height && labels[y*width+x] == label
	}

	contour := []Point{start}
	cur := start
	searchFrom := 4
	firstDir := -1

	for {
		dir := -1
		for i := 0; i < 8; i++ {
			d := (searchFrom + i) % 8
			if inside(cur.X+moore[d].X, cur.Y+moore[d].Y) {
				dir = d
				break
			}
		}
		if dir < 0 {
			// isolated pixel
			return contour
		}
		if firstDir < 0 {
			firstDir = dir
		} else if cur == start && dir == firstDir {
			// the closing step back onto start was recorded, drop it
			return contour[:len(contour)-1]
		}

		cur = Point{X: cur.X + moore[dir].X, Y: cur.Y + moore[dir].Y}
		contour = append(contour, cur)
		searchFrom = (dir + 6 - dir%2) % 8
	}
}

// shape holds the measurements of one traced boundary.
type shape struct {
	area         float64
	perimeter    float64
	centroid     Center
	mu20         float64
	mu02         float64
	mu11         float64
	hullArea     float64
	medianRadius float64
}

// measure computes shape descriptors for a contour and applies the filters.
func measure(contour []Point, p BlobParams) (candidate, bool) {
	s, ok := describe(contour)
	if !ok {
		return candidate{}, false
	}

	if p.FilterByArea && (s.area < p.MinArea || s.area >= p.MaxArea) {
		return candidate{}, false
	}
	if p.FilterByCircularity {
		circularity := 4 * math.Pi * s.area / (s.perimeter * s.perimeter)
		if circularity < p.MinCircularity || circularity >= p.MaxCircularity {
			return candidate{}, false
		}
	}
	if p.FilterByInertia {
		ratio := inertiaRatio(s.mu20, s.mu02, s.mu11)
		if ratio < p.MinInertiaRatio || ratio >= p.MaxInertiaRatio {
			return candidate{}, false
		}
	}
	if p.FilterByConvexity {
		if s.hullArea == 0 {
			return candidate{}, false
		}
		convexity := s.area / s.hullArea
		if convexity < p.MinConvexity || convexity >= p.MaxConvexity {
			return candidate{}, false
		}
	}

	return candidate{center: s.centroid, radius: s.medianRadius}, true
}

// describe computes polygon moments of a closed contour. Degenerate contours
// (a point or a line) report ok=false.
func describe(contour []Point) (shape, bool) {
	n := len(contour)
	if n < 3 {
		return shape{}, false
	}

	var a, cx, cy, m20, m02, m11, perimeter float64
	for i := 0; i < n; i++ {
		x0, y0 := float64(contour[i].X), float64(contour[i].Y)
		x1, y1 := float64(contour[(i+1)%n].X), float64(contour[(i+1)%n].Y)
		cross := x0*y1 - x1*y0

		a += cross
		cx += (x0 + x1) * cross
		cy += (y0 + y1) * cross
		m20 += (x0*x0 + x0*x1 + x1*x1) * cross
		m02 += (y0*y0 + y0*y1 + y1*y1) * cross
		m11 += (x0*y1 + 2*x0*y0 + 2*x1*y1 + x1*y0) * cross
		perimeter += math.Hypot(x1-x0, y1-y0)
	}
	if a < 0 {
		a, cx, cy, m20, m02, m11 = -a, -cx, -cy, -m20, -m02, -m11
	}
	if a == 0 {
		return shape{}, false
	}

	area := a / 2
	s := shape{
		area:      area,
		perimeter: perimeter,
		centroid:  Center{X: cx / (6 * area), Y: cy / (6 * area)},
	}
	s.mu20 = m20/12 - area*s.centroid.X*s.centroid.X
	s.mu02 = m02/12 - area*s.centroid.Y*s.centroid.Y
	s.mu11 = m11/24 - area*s.centroid.X*s.centroid.Y
	s.hullArea = polygonArea(convexHull(contour))

	dists := make([]float64, n)
	for i, pt := range contour {
		dists[i] = math.Hypot(float64(pt.X)-s.centroid.X, float64(pt.Y)-s.centroid.Y)
	}
	sort.Float64s(dists)
	s.medianRadius = (dists[(n-1)/2] + dists[n/2]) / 2

	return s, true
}

// inertiaRatio is the ratio of the minor to the major principal second
// moment. A circle scores 1, a line 0.
func inertiaRatio(mu20, mu02, mu11 float64) float64 {
	denom := math.Sqrt(4*mu11*mu11 + (mu20-mu02)*(mu20-mu02))
	if denom <= 1e-2 {
		return 1
	}
	cosMin := (mu20 - mu02) / denom
	sinMin := 2 * mu11 / denom
	iMin := 0.5*(mu20+mu02) - 0.5*(mu20-mu02)*cosMin - mu11*sinMin
	iMax := 0.5*(mu20+mu02) + 0.5*(mu20-mu02)*cosMin + mu11*sinMin
	if iMax == 0 {
		return 1
	}
	return iMin / iMax
}

// convexHull returns the hull of pts with Andrew's monotone chain.
func convexHull(pts []Point) []Point {
	sorted := make([]Point, len(pts))
	copy(sorted, pts)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].X != sorted[j].X {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})

	cross := func(o, a, b Point) int {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}

	hull := make([]Point, 0, 2*len(sorted))
	for _, pt := range sorted {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	lower := len(hull) + 1
	for i := len(sorted) - 2; i >= 0; i-- {
		pt := sorted[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], pt) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, pt)
	}
	if len(hull) > 1 {
		hull = hull[:len(hull)-1]
	}
	return hull
}

func polygonArea(poly []Point) float64 {
	n := len(poly)
	var a int
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		a += poly[i].X*poly[j].Y - poly[j].X*poly[i].Y
	}
	return math.Abs(float64(a)) / 2
}
