package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ironsheep/eggwatch/internal/detection"
	"github.com/ironsheep/eggwatch/internal/imaging"
	"github.com/ironsheep/eggwatch/internal/logger"
	"github.com/ironsheep/eggwatch/internal/model"
	"github.com/ironsheep/eggwatch/internal/store"
	"github.com/ironsheep/eggwatch/internal/taxonomy"
)

// Analyzer turns one nesting-box image into a NestingBoxState. It holds no
// mutable state after construction and is safe for concurrent use.
type Analyzer struct {
	detector model.ObjectDetector
	egg      Pass
	chicken  Pass
	eggTax   *taxonomy.Classifier
	chickTax *taxonomy.Classifier
	blobs    detection.BlobParams
	prepare  imaging.PrepareOptions
	store    store.ArtifactStore
	quality  int
	now      func() time.Time
	log      *logger.Logger
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithEggPass replaces the egg pass configuration.
func WithEggPass(p Pass) Option {
	return func(a *Analyzer) { a.egg = p }
}

// WithChickenPass replaces the chicken pass configuration.
func WithChickenPass(p Pass) Option {
	return func(a *Analyzer) { a.chicken = p }
}

// WithBlobParams replaces the blob detector parameters.
func WithBlobParams(p detection.BlobParams) Option {
	return func(a *Analyzer) { a.blobs = p }
}

// WithPrepareOptions replaces the preprocessing options.
func WithPrepareOptions(o imaging.PrepareOptions) Option {
	return func(a *Analyzer) { a.prepare = o }
}

// WithStore sets where artifacts are written. Without a store no artifacts
// are produced and the artifact paths stay empty.
func WithStore(s store.ArtifactStore) Option {
	return func(a *Analyzer) { a.store = s }
}

// WithJPEGQuality sets the quality of annotated artifacts.
func WithJPEGQuality(q int) Option {
	return func(a *Analyzer) { a.quality = q }
}

// WithClock overrides the source of run timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(a *Analyzer) { a.log = l }
}

// New builds an analyzer around a loaded detector. Both taxonomies and the
// blob parameters are validated here so that configuration mistakes surface
// before any image is analyzed.
func New(detector model.ObjectDetector, opts ...Option) (*Analyzer, error) {
	if detector == nil {
		return nil, errors.New("analyzer requires an object detector")
	}
	a := &Analyzer{
		detector: detector,
		egg:      EggPass(),
		chicken:  ChickenPass(),
		blobs:    detection.DefaultBlobParams(),
		prepare:  imaging.DefaultPrepareOptions(),
		quality:  imaging.DefaultJPEGQuality,
		now:      time.Now,
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	var err error
	if a.eggTax, err = taxonomy.New(a.egg.Taxonomy); err != nil {
		return nil, err
	}
	if a.chickTax, err = taxonomy.New(a.chicken.Taxonomy); err != nil {
		return nil, err
	}
	if err := a.blobs.Validate(); err != nil {
		return nil, fmt.Errorf("invalid blob parameters: %w", err)
	}
	return a, nil
}

// passResult is the outcome of one model pass.
type passResult struct {
	dets    []model.Detection
	valid   int
	unknown map[string]int
}

// Analyze runs the full pipeline on one box image, stamped with the current
// time. See AnalyzeAt.
func (a *Analyzer) Analyze(ctx context.Context, img image.Image, boxID int) (NestingBoxState, error) {
	return a.AnalyzeAt(ctx, img, boxID, a.now().Unix())
}

// AnalyzeAt runs the blob path and both model passes concurrently, assembles
// the state and persists the artifacts.
//
// An *imaging.InvalidImageError or *model.ModelUnavailableError is returned
// with a zero state. Artifact failures are returned as joined
// *store.ArtifactWriteError values alongside the fully populated state.
func (a *Analyzer) AnalyzeAt(ctx context.Context, img image.Image, boxID int, runTimestamp int64) (NestingBoxState, error) {
	if img == nil || img.Bounds().Empty() {
		return NestingBoxState{}, &imaging.InvalidImageError{Reason: fmt.Sprintf("box %d: empty image", boxID)}
	}

	var (
		bin                *image.Gray
		blobs              []detection.Blob
		eggRes, chickenRes passResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if bin, err = imaging.PrepareWith(img, a.prepare); err != nil {
			return err
		}
		blobs, err = detection.DetectBlobs(bin, a.blobs)
		return err
	})
	g.Go(func() error {
		var err error
		eggRes, err = a.runPass(gctx, img, a.egg, a.eggTax)
		return err
	})
	g.Go(func() error {
		var err error
		chickenRes, err = a.runPass(gctx, img, a.chicken, a.chickTax)
		return err
	})
	if err := g.Wait(); err != nil {
		return NestingBoxState{}, err
	}

	state := NestingBoxState{
		BoxID:                 boxID,
		RunTimestamp:          runTimestamp,
		ChickenCount:          chickenRes.valid,
		EggCountBlob:          len(blobs),
		EggCountModel:         eggRes.valid,
		UnknownEggObjects:     eggRes.unknown,
		UnknownChickenObjects: chickenRes.unknown,
	}

	log := a.log.With("box", boxID, "run", runTimestamp)
	log.Info("box analyzed",
		"chicken_count", state.ChickenCount,
		"egg_count_blob", state.EggCountBlob,
		"egg_count_model", state.EggCountModel,
		"unknown_objects", state.UnknownTotal())

	err := a.persist(ctx, &state, bin, blobs, img, eggRes.dets, chickenRes.dets)
	if err != nil {
		log.Warn("artifacts not fully persisted", "error", err)
	}
	return state, err
}

func (a *Analyzer) runPass(ctx context.Context, img image.Image, p Pass, c *taxonomy.Classifier) (passResult, error) {
	dets, err := a.detector.Detect(ctx, img, p.Confidence, p.IoU)
	if err != nil {
		return passResult{}, fmt.Errorf("%s pass: %w", c.Name(), err)
	}
	valid, unknown := c.Classify(dets)
	return passResult{dets: dets, valid: valid, unknown: unknown}, nil
}

// persist writes the three annotated images, then the state snapshot with
// whatever artifact paths succeeded.
func (a *Analyzer) persist(ctx context.Context, state *NestingBoxState, bin *image.Gray, blobs []detection.Blob,
	img image.Image, eggDets, chickenDets []model.Detection) error {
	if a.store == nil {
		return nil
	}
	ts, box := state.RunTimestamp, state.BoxID

	var errs []error
	put := func(key string, data []byte, encErr error) string {
		if encErr != nil {
			errs = append(errs, &store.ArtifactWriteError{Key: key, Err: encErr})
			return ""
		}
		loc, err := a.store.Put(ctx, key, data)
		if err != nil {
			var awe *store.ArtifactWriteError
			if !errors.As(err, &awe) {
				err = &store.ArtifactWriteError{Key: key, Err: err}
			}
			errs = append(errs, err)
			return ""
		}
		return loc
	}

	data, err := imaging.EncodeJPEG(detection.DrawBlobs(bin, blobs), a.quality)
	state.BlobArtifactPath = put(store.BlobKey(ts, box), data, err)

	data, err = imaging.EncodeJPEG(model.Annotate(img, eggDets), a.quality)
	state.ModelArtifactPathEgg = put(store.ModelKey(ts, box, store.ProjectEgg), data, err)

	data, err = imaging.EncodeJPEG(model.Annotate(img, chickenDets), a.quality)
	state.ModelArtifactPathChicken = put(store.ModelKey(ts, box, store.ProjectChicken), data, err)

	data, err = json.MarshalIndent(state, "", "  ")
	put(store.ResultsKey(ts, box), data, err)

	return errors.Join(errs...)
}

// AnalyzeRun analyzes every box image of one capture concurrently under a
// shared run timestamp.
//
// Per-box failures are recorded in the report without affecting other
// boxes. A *model.ModelUnavailableError cancels the remaining boxes and is
// returned as the run error.
func (a *Analyzer) AnalyzeRun(ctx context.Context, boxes map[int]image.Image) (*RunReport, error) {
	report := &RunReport{
		RunID:        uuid.NewString(),
		RunTimestamp: a.now().Unix(),
		Errors:       make(map[int]error),
	}
	log := a.log.With("run_id", report.RunID)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for id, img := range boxes {
		g.Go(func() error {
			state, err := a.AnalyzeAt(gctx, img, id, report.RunTimestamp)

			var unavailable *model.ModelUnavailableError
			if errors.As(err, &unavailable) {
				return err
			}

			var awe *store.ArtifactWriteError
			mu.Lock()
			defer mu.Unlock()
			if err == nil || errors.As(err, &awe) {
				report.States = append(report.States, state)
			}
			if err != nil {
				log.Error("box analysis failed", "box", id, "error", err)
				report.Errors[id] = err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(report.States, func(i, j int) bool {
		return report.States[i].BoxID < report.States[j].BoxID
	})
	log.Info("run analyzed", "boxes", len(report.States), "failed", len(report.Errors))
	return report, nil
}
