package model

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	tflite "github.com/tphakala/go-tflite"

	"github.com/ironsheep/eggwatch/internal/logger"
)

// DefaultMaxDetections caps the detections returned per inference.
const DefaultMaxDetections = 300

// letterboxFill is the padding colour used when the image is letterboxed.
var letterboxFill = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// Options configures a YOLO detector.
type Options struct {
	// Threads is the interpreter thread count. Zero uses all CPUs.
	Threads int

	// LabelsPath optionally overrides the COCO vocabulary.
	LabelsPath string

	// MaxDetections caps the result size after NMS.
	MaxDetections int

	// PerClass limits NMS to boxes of the same class. By default any
	// overlapping weaker box is suppressed.
	PerClass bool
}

// YOLO runs a YOLOv8 TensorFlow Lite export.
//
// The interpreter is not safe for concurrent use, so Detect serializes calls
// with a mutex; one YOLO value is shared by every box and pass of a run.
type YOLO struct {
	mu     sync.Mutex
	path   string
	model  *tflite.Model
	interp *tflite.Interpreter
	labels []string
	inW    int
	inH    int
	opts   Options
	log    *logger.Logger
}

// Load reads the model file and prepares an interpreter. Any failure is a
// *ModelUnavailableError.
func Load(path string, opts Options, log *logger.Logger) (*YOLO, error) {
	if log == nil {
		log = logger.NewNop()
	}
	unavailable := func(err error) error { return &ModelUnavailableError{Path: path, Err: err} }

	labels, err := LoadLabels(opts.LabelsPath)
	if err != nil {
		return nil, unavailable(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, unavailable(err)
	}

	m := tflite.NewModel(data)
	if m == nil {
		return nil, unavailable(errors.New("cannot load TensorFlow Lite model"))
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, user_data interface{}) {
		log.Error("TFLite error", "message", msg)
	}, nil)

	interp := tflite.NewInterpreter(m, options)
	if interp == nil {
		m.Delete()
		return nil, unavailable(errors.New("cannot create interpreter"))
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		m.Delete()
		return nil, unavailable(fmt.Errorf("tensor allocation failed: %v", status))
	}

	input := interp.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 || input.Dim(3) != 3 {
		interp.Delete()
		m.Delete()
		return nil, unavailable(errors.New("expected a [1,H,W,3] input tensor"))
	}

	if opts.MaxDetections <= 0 {
		opts.MaxDetections = DefaultMaxDetections
	}

	y := &YOLO{
		path:   path,
		model:  m,
		interp: interp,
		labels: labels,
		inH:    input.Dim(1),
		inW:    input.Dim(2),
		opts:   opts,
		log:    log,
	}
	log.Info("object detection model loaded",
		"path", path, "input", fmt.Sprintf("%dx%d", y.inW, y.inH),
		"classes", len(labels), "threads", threads)
	return y, nil
}

// Detect implements ObjectDetector.
func (y *YOLO) Detect(ctx context.Context, img image.Image, confidence, iou float64) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("cannot run detection on an empty image")
	}

	lb := Letterbox(img, y.inW, y.inH)

	y.mu.Lock()
	defer y.mu.Unlock()

	if y.interp == nil {
		return nil, &ModelUnavailableError{Path: y.path, Err: errors.New("detector closed")}
	}

	input := y.interp.GetInputTensor(0)
	if input == nil {
		return nil, &ModelUnavailableError{Path: y.path, Err: errors.New("cannot get input tensor")}
	}
	lb.Fill(input.Float32s())

	if status := y.interp.Invoke(); status != tflite.OK {
		return nil, &ModelUnavailableError{Path: y.path, Err: fmt.Errorf("tensor invoke failed: %v", status)}
	}

	out := y.interp.GetOutputTensor(0)
	if out == nil || out.NumDims() != 3 {
		return nil, &ModelUnavailableError{Path: y.path, Err: errors.New("unexpected output tensor shape")}
	}
	raw := make([]float32, out.Dim(1)*out.Dim(2))
	copy(raw, out.Float32s())

	dets, err := Decode(raw, out.Dim(1), out.Dim(2), y.labels, confidence, lb)
	if err != nil {
		return nil, err
	}
	return NMS(dets, iou, y.opts.PerClass, y.opts.MaxDetections), nil
}

// Close releases the interpreter and model.
func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.interp != nil {
		y.interp.Delete()
		y.interp = nil
	}
	if y.model != nil {
		y.model.Delete()
		y.model = nil
	}
	return nil
}

// LetterboxImage is an image resized into the model input with its aspect
// ratio preserved and the remainder padded.
type LetterboxImage struct {
	*image.NRGBA
	Scale float64
	PadX  int
	PadY  int

	// Source bounds, for mapping boxes back.
	Source image.Rectangle
}

// Letterbox fits img into a w x h canvas, centered.
func Letterbox(img image.Image, w, h int) *LetterboxImage {
	b := img.Bounds()
	scale := math.Min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	nw := max(1, int(math.Round(float64(b.Dx())*scale)))
	nh := max(1, int(math.Round(float64(b.Dy())*scale)))
	padX, padY := (w-nw)/2, (h-nh)/2

	resized := imaging.Resize(img, nw, nh, imaging.Linear)
	canvas := imaging.New(w, h, letterboxFill)
	canvas = imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return &LetterboxImage{NRGBA: canvas, Scale: scale, PadX: padX, PadY: padY, Source: b}
}

// Fill writes the image as NHWC float32 in [0,1].
func (l *LetterboxImage) Fill(dst []float32) {
	b := l.Bounds()
	i := 0
	for y := 0; y < b.Dy(); y++ {
		row := l.Pix[y*l.Stride:]
		for x := 0; x < b.Dx() && i+2 < len(dst); x++ {
			dst[i] = float32(row[x*4]) / 255
			dst[i+1] = float32(row[x*4+1]) / 255
			dst[i+2] = float32(row[x*4+2]) / 255
			i += 3
		}
	}
}

// toSource maps a box in letterbox pixels back onto the source image.
func (l *LetterboxImage) toSource(cx, cy, w, h float64) image.Rectangle {
	x1 := (cx - w/2 - float64(l.PadX)) / l.Scale
	y1 := (cy - h/2 - float64(l.PadY)) / l.Scale
	x2 := (cx + w/2 - float64(l.PadX)) / l.Scale
	y2 := (cy + h/2 - float64(l.PadY)) / l.Scale
	r := image.Rect(
		int(math.Round(x1)), int(math.Round(y1)),
		int(math.Round(x2)), int(math.Round(y2)),
	).Add(l.Source.Min)
	return r.Intersect(l.Source)
}

// Decode turns a raw YOLOv8 output of shape [rows, cols] into detections.
// The tensor is either channel-major ([4+C, N], the stock export) or
// anchor-major ([N, 4+C]); the longer axis is taken as the anchors. Box
// coordinates normalized to [0,1] are scaled to the letterbox size.
func Decode(raw []float32, rows, cols int, labels []string, confidence float64, lb *LetterboxImage) ([]Detection, error) {
	channels, anchors := rows, cols
	channelMajor := true
	if rows > cols {
		channels, anchors = cols, rows
		channelMajor = false
	}
	if channels < 5 {
		return nil, fmt.Errorf("output has %d channels, need at least 5", channels)
	}
	if len(raw) < channels*anchors {
		return nil, fmt.Errorf("output has %d values, want %d", len(raw), channels*anchors)
	}
	numClasses := channels - 4
	if numClasses > len(labels) {
		return nil, fmt.Errorf("model has %d classes but only %d labels", numClasses, len(labels))
	}

	at := func(c, a int) float64 {
		if channelMajor {
			return float64(raw[c*anchors+a])
		}
		return float64(raw[a*channels+c])
	}

	normalized := true
	for a := 0; a < anchors && normalized; a++ {
		if at(2, a) > 2 || at(3, a) > 2 {
			normalized = false
		}
	}
	sx, sy := 1.0, 1.0
	if normalized {
		b := lb.Bounds()
		sx, sy = float64(b.Dx()), float64(b.Dy())
	}

	var dets []Detection
	for a := 0; a < anchors; a++ {
		best, bestScore := -1, 0.0
		for c := 0; c < numClasses; c++ {
			if s := at(4+c, a); s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < confidence {
			continue
		}
		box := lb.toSource(at(0, a)*sx, at(1, a)*sy, at(2, a)*sx, at(3, a)*sy)
		if box.Empty() {
			continue
		}
		dets = append(dets, Detection{
			ClassName:  labels[best],
			Confidence: bestScore,
			Box:        box,
		})
	}
	return dets, nil
}
