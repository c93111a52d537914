// Package model wraps the pretrained object-detection model used to count
// eggs and spot chickens.
//
// The model is loaded once and shared. ObjectDetector is the seam the analyzer
// depends on, so tests can substitute a DetectorFunc.
package model

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sort"

	"github.com/ironsheep/eggwatch/internal/imaging"
)

// Detection is one labelled box reported by the model.
type Detection struct {
	ClassName  string          `json:"class_name"`
	Confidence float64         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// ObjectDetector runs the model on an image. confidence is the minimum score
// for a detection to be reported and iou the overlap above which a weaker box
// is suppressed, whatever its class. No detections is a nil slice, not an error.
type ObjectDetector interface {
	Detect(ctx context.Context, img image.Image, confidence, iou float64) ([]Detection, error)
}

// DetectorFunc adapts a function to ObjectDetector.
type DetectorFunc func(ctx context.Context, img image.Image, confidence, iou float64) ([]Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image, confidence, iou float64) ([]Detection, error) {
	return f(ctx, img, confidence, iou)
}

// ModelUnavailableError reports a model that could not be loaded or run.
// It is fatal for a whole run, never defaulted to zero detections.
type ModelUnavailableError struct {
	Path string
	Err  error
}

func (e *ModelUnavailableError) Error() string {
	return fmt.Sprintf("object detection model %q unavailable: %v", e.Path, e.Err)
}

func (e *ModelUnavailableError) Unwrap() error {
	return e.Err
}

// Annotate draws every detection on a copy of img, one colour per class.
// Boxes are in img's coordinates; the copy starts at the origin.
func Annotate(img image.Image, dets []Detection) image.Image {
	canvas := imaging.NewCanvas(img)
	origin := img.Bounds().Min
	ordered := make([]Detection, len(dets))
	copy(ordered, dets)
	// strongest last so it ends up on top
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Confidence < ordered[j].Confidence })

	for _, d := range ordered {
		col := imaging.LabelColor(d.ClassName)
		box := d.Box.Sub(origin)
		canvas.Box(box, col, 3)
		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
		canvas.Label(float64(box.Min.X), float64(box.Min.Y)-17, label, color.Black, col)
	}
	return canvas.Image()
}
