package main

import (
	"errors"
	"fmt"

	"github.com/ironsheep/eggwatch/internal/analyzer"
	"github.com/ironsheep/eggwatch/internal/capture"
	"github.com/ironsheep/eggwatch/internal/metrics"
	"github.com/ironsheep/eggwatch/internal/model"
	"github.com/ironsheep/eggwatch/internal/pipeline"
	"github.com/ironsheep/eggwatch/internal/store"
)

// components holds everything a run needs. close releases them in reverse
// order of acquisition.
type components struct {
	detector *model.YOLO
	store    *store.FileStore
	cache    *store.StateCache
	analyzer *analyzer.Analyzer
	prom     *metrics.PrometheusSink
	sink     metrics.Sink

	closers []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// openAnalyzer loads the model and prepares the artifact store, state cache
// and analyzer.
func (a *app) openAnalyzer() (*components, error) {
	c := &components{}
	cfg := a.cfg

	det, err := model.Load(cfg.Model.Path, cfg.Model.Options(), a.log)
	if err != nil {
		return nil, err
	}
	c.detector = det
	c.closers = append(c.closers, func() {
		if err := det.Close(); err != nil {
			a.log.Warn("failed to close model", "error", err)
		}
	})

	fs, err := store.NewFileStore(cfg.OutputDir)
	if err != nil {
		c.close()
		return nil, err
	}
	c.store = fs
	a.log.Debug("artifact store ready", "root", fs.Root())

	cache, err := store.OpenStateCache(cfg.StateDB)
	if err != nil {
		c.close()
		return nil, err
	}
	c.cache = cache
	c.closers = append(c.closers, func() {
		if err := cache.Close(); err != nil {
			a.log.Warn("failed to close state cache", "error", err)
		}
	})

	opts := append(cfg.AnalyzerOptions(),
		analyzer.WithStore(fs),
		analyzer.WithLogger(a.log.With("component", "analyzer")))
	an, err := analyzer.New(det, opts...)
	if err != nil {
		c.close()
		return nil, err
	}
	c.analyzer = an
	return c, nil
}

// openSinks registers the Prometheus gauges and connects to MQTT when a
// broker is configured.
func (a *app) openSinks(c *components) error {
	prom, err := metrics.NewPrometheusSink(nil)
	if err != nil {
		return err
	}
	c.prom = prom
	sinks := metrics.MultiSink{prom}

	if a.cfg.Metrics.MQTT.Broker != "" {
		mq, disconnect, err := metrics.DialMQTT(a.cfg.Metrics.MQTT)
		if err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
		c.closers = append(c.closers, disconnect)
		sinks = append(sinks, mq)
		a.log.Info("publishing metrics over mqtt", "broker", a.cfg.Metrics.MQTT.Broker, "topic", a.cfg.Metrics.MQTT.Topic)
	}
	c.sink = sinks
	return nil
}

// source picks the configured frame source. A URL wins over an image path.
func (a *app) source() (capture.Source, error) {
	cc := a.cfg.Capture
	switch {
	case cc.URL != "":
		return capture.NewHTTPSource(cc.URL, cc.Timeout), nil
	case cc.Image != "":
		return capture.FileSource{Path: cc.Image}, nil
	default:
		return nil, errors.New("no capture source: set capture.url or capture.image (--url, --image)")
	}
}

// openRunner wires a complete pipeline runner.
func (a *app) openRunner() (*pipeline.Runner, *components, error) {
	src, err := a.source()
	if err != nil {
		return nil, nil, err
	}
	regions, err := a.cfg.ImagingRegions()
	if err != nil {
		return nil, nil, err
	}

	c, err := a.openAnalyzer()
	if err != nil {
		return nil, nil, err
	}
	if err := a.openSinks(c); err != nil {
		c.close()
		return nil, nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithStore(c.store),
		pipeline.WithStateCache(c.cache),
		pipeline.WithSink(c.sink),
		pipeline.WithLogger(a.log.With("component", "pipeline")),
	}
	if a.cfg.SaveRaw {
		opts = append(opts, pipeline.WithRawImages(a.cfg.JPEGQuality))
	}
	r, err := pipeline.NewRunner(src, c.analyzer, regions, opts...)
	if err != nil {
		c.close()
		return nil, nil, err
	}
	return r, c, nil
}
