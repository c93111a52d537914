package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every exported Prometheus metric.
const Namespace = "eggwatch"

// PrometheusSink keeps the latest value of each record in a gauge labelled
// by box. A suppressed egg count keeps its last unobscured value.
type PrometheusSink struct {
	registry *prometheus.Registry
	gauges   map[string]*prometheus.GaugeVec
	lastRun  prometheus.Gauge
}

// NewPrometheusSink registers the gauges on registry. A nil registry gets a
// fresh one.
func NewPrometheusSink(registry *prometheus.Registry) (*PrometheusSink, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &PrometheusSink{
		registry: registry,
		gauges:   make(map[string]*prometheus.GaugeVec),
	}

	help := map[string]string{
		ChickenCount:   "Chickens detected in the nesting box",
		EggCountBlob:   "Eggs counted by blob detection while the box is unoccupied",
		EggCountModel:  "Eggs counted by the object detector while the box is unoccupied",
		UnknownObjects: "Detections outside both taxonomies",
	}
	for _, name := range []string{ChickenCount, EggCountBlob, EggCountModel, UnknownObjects} {
		g := prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      name,
				Help:      help[name],
			},
			[]string{DimensionBox},
		)
		if err := registry.Register(g); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", name, err)
		}
		s.gauges[name] = g
	}

	s.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "last_write_timestamp_seconds",
		Help:      "Time of the most recent record written",
	})
	if err := registry.Register(s.lastRun); err != nil {
		return nil, fmt.Errorf("failed to register last write gauge: %w", err)
	}
	return s, nil
}

// Write sets the gauge of every known record. Unknown names are skipped.
func (s *PrometheusSink) Write(ctx context.Context, records []MetricRecord) error {
	for _, r := range records {
		g, ok := s.gauges[r.Name]
		if !ok {
			continue
		}
		g.WithLabelValues(r.Dimensions[DimensionBox]).Set(r.Value)
		s.lastRun.Set(float64(r.Time.Unix()))
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
