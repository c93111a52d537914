// Package pipeline runs one capture end to end: acquire a frame, splice it
// into boxes, analyze every box, then fan the results out to the artifact
// store, the state cache and the metric sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/ironsheep/eggwatch/internal/analyzer"
	"github.com/ironsheep/eggwatch/internal/capture"
	"github.com/ironsheep/eggwatch/internal/imaging"
	"github.com/ironsheep/eggwatch/internal/logger"
	"github.com/ironsheep/eggwatch/internal/metrics"
	"github.com/ironsheep/eggwatch/internal/store"
)

// Runner executes runs. It is safe to call Run from a scheduler as long as
// runs do not overlap; the scheduler enforces that.
type Runner struct {
	source   capture.Source
	analyzer *analyzer.Analyzer
	regions  []imaging.Region

	store   store.ArtifactStore
	cache   *store.StateCache
	sink    metrics.Sink
	saveRaw bool
	quality int
	now     func() time.Time
	log     *logger.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithStore sets where raw box images are written.
func WithStore(s store.ArtifactStore) Option {
	return func(r *Runner) { r.store = s }
}

// WithStateCache records unoccupied boxes in c.
func WithStateCache(c *store.StateCache) Option {
	return func(r *Runner) { r.cache = c }
}

// WithSink sets the metric sink.
func WithSink(s metrics.Sink) Option {
	return func(r *Runner) { r.sink = s }
}

// WithRawImages stores every spliced box image at the given JPEG quality.
func WithRawImages(quality int) Option {
	return func(r *Runner) {
		r.saveRaw = true
		r.quality = quality
	}
}

// WithClock overrides the metric timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// NewRunner wires a runner. Source, analyzer and at least one region are
// required.
func NewRunner(src capture.Source, a *analyzer.Analyzer, regions []imaging.Region, opts ...Option) (*Runner, error) {
	if src == nil {
		return nil, errors.New("pipeline requires an image source")
	}
	if a == nil {
		return nil, errors.New("pipeline requires an analyzer")
	}
	if len(regions) == 0 {
		return nil, errors.New("pipeline requires at least one region")
	}
	r := &Runner{
		source:   src,
		analyzer: a,
		regions:  regions,
		quality:  imaging.DefaultJPEGQuality,
		now:      time.Now,
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run performs one capture.
//
// A failed capture, an unusable frame or an unavailable model fails the run
// with a nil report. Otherwise the report is returned even when some boxes or
// outputs failed; those failures are in report.Errors and the joined error.
func (r *Runner) Run(ctx context.Context) (*analyzer.RunReport, error) {
	frame, err := r.source.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture failed: %w", err)
	}

	spliced, err := imaging.Splice(frame, r.regions)
	if err != nil {
		return nil, err
	}

	report, err := r.analyzer.AnalyzeRun(ctx, spliced.Images)
	if err != nil {
		return nil, err
	}
	for box, serr := range spliced.Errors {
		report.Errors[box] = serr
	}
	log := r.log.With("run_id", report.RunID, "run", report.RunTimestamp)

	var errs []error
	rawKeys := r.saveRawImages(ctx, report.RunTimestamp, spliced.Images, &errs)

	if r.cache != nil {
		for _, s := range report.States {
			if s.Occupied() {
				log.Debug("box occupied, keeping cached egg counts", "box", s.BoxID)
				continue
			}
			err := r.cache.Record(ctx, store.CachedBox{
				BoxID:                s.BoxID,
				EggCountBlob:         s.EggCountBlob,
				EggCountModel:        s.EggCountModel,
				RunTimestamp:         s.RunTimestamp,
				ImageKey:             rawKeys[s.BoxID],
				BlobArtifactPath:     s.BlobArtifactPath,
				ModelArtifactPathEgg: s.ModelArtifactPathEgg,
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}

	if r.sink != nil {
		if err := r.sink.Write(ctx, metrics.BuildRunRecords(report, r.now())); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	for box, berr := range report.Errors {
		errs = append(errs, fmt.Errorf("box %d: %w", box, berr))
	}
	if err := errors.Join(errs...); err != nil {
		log.Warn("run completed with errors", "error", err)
		return report, err
	}
	log.Info("run completed", "boxes", len(report.States))
	return report, nil
}

// saveRawImages writes the spliced inputs and returns their locations by box.
func (r *Runner) saveRawImages(ctx context.Context, ts int64, images map[int]image.Image, errs *[]error) map[int]string {
	keys := make(map[int]string, len(images))
	if !r.saveRaw || r.store == nil {
		return keys
	}
	for box, img := range images {
		key := store.RawKey(ts, box)
		data, err := imaging.EncodeJPEG(img, r.quality)
		if err != nil {
			*errs = append(*errs, &store.ArtifactWriteError{Key: key, Err: err})
			continue
		}
		loc, err := r.store.Put(ctx, key, data)
		if err != nil {
			*errs = append(*errs, err)
			continue
		}
		keys[box] = loc
	}
	return keys
}
