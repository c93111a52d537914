// Package metrics derives numeric records from nesting-box states and ships
// them to sinks.
package metrics

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ironsheep/eggwatch/internal/analyzer"
)

// Metric names.
const (
	ChickenCount   = "chicken_count"
	EggCountBlob   = "egg_count_blob"
	EggCountModel  = "egg_count_model"
	UnknownObjects = "unknown_objects"
)

// DimensionBox is the dimension carrying the box id.
const DimensionBox = "nesting_box"

// MetricRecord is one named, timestamped, dimensioned value.
type MetricRecord struct {
	Name       string            `json:"name"`
	Time       time.Time         `json:"time"`
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions"`
}

// BuildRecords derives the records of one state. Egg counts are suppressed
// while a chicken is in the box since it likely hides part of the nest.
func BuildRecords(state analyzer.NestingBoxState, now time.Time) []MetricRecord {
	box := strconv.Itoa(state.BoxID)
	rec := func(name string, v int) MetricRecord {
		return MetricRecord{
			Name:       name,
			Time:       now,
			Value:      float64(v),
			Dimensions: map[string]string{DimensionBox: box},
		}
	}

	out := []MetricRecord{rec(ChickenCount, state.ChickenCount)}
	if !state.Occupied() {
		out = append(out,
			rec(EggCountBlob, state.EggCountBlob),
			rec(EggCountModel, state.EggCountModel))
	}
	return append(out, rec(UnknownObjects, state.UnknownTotal()))
}

// BuildRunRecords derives the records of every state in a run report.
func BuildRunRecords(report *analyzer.RunReport, now time.Time) []MetricRecord {
	var out []MetricRecord
	for _, s := range report.States {
		out = append(out, BuildRecords(s, now)...)
	}
	return out
}

// Sink accepts metric records.
type Sink interface {
	Write(ctx context.Context, records []MetricRecord) error
}

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, records []MetricRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, records []MetricRecord) error

func (f SinkFunc) Write(ctx context.Context, records []MetricRecord) error {
	return f(ctx, records)
}
