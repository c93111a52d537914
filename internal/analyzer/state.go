// Package analyzer reconciles the blob and model signals for one nesting box
// into a NestingBoxState, and fans a whole run out over every box.
package analyzer

import (
	"github.com/ironsheep/eggwatch/internal/taxonomy"
)

// NestingBoxState is the report for one box at one run. It is created once
// per analysis and never updated afterwards.
type NestingBoxState struct {
	BoxID        int   `json:"box_id"`
	RunTimestamp int64 `json:"run_timestamp"`

	ChickenCount  int `json:"chicken_count"`
	EggCountBlob  int `json:"egg_count_blob"`
	EggCountModel int `json:"egg_count_model"`

	UnknownEggObjects     map[string]int `json:"unknown_egg_objects"`
	UnknownChickenObjects map[string]int `json:"unknown_chicken_objects"`

	// Artifact references are empty when the artifact could not be written.
	BlobArtifactPath         string `json:"blob_artifact_path"`
	ModelArtifactPathEgg     string `json:"model_artifact_path_egg"`
	ModelArtifactPathChicken string `json:"model_artifact_path_chicken"`
}

// Occupied reports whether a chicken was detected in the box.
func (s NestingBoxState) Occupied() bool {
	return s.ChickenCount > 0
}

// UnknownTotal sums both unknown-object tallies.
func (s NestingBoxState) UnknownTotal() int {
	n := 0
	for _, c := range s.UnknownEggObjects {
		n += c
	}
	for _, c := range s.UnknownChickenObjects {
		n += c
	}
	return n
}

// Pass configures one object-detection pass.
type Pass struct {
	Taxonomy   taxonomy.Taxonomy `mapstructure:"taxonomy" json:"taxonomy"`
	Confidence float64           `mapstructure:"confidence" json:"confidence"`
	IoU        float64           `mapstructure:"iou" json:"iou"`
}

// EggPass is the default egg pass: a very low confidence floor so faint
// round objects are not missed, and loose suppression.
func EggPass() Pass {
	return Pass{Taxonomy: taxonomy.Egg(), Confidence: 0.03, IoU: 0.8}
}

// ChickenPass is the default chicken pass.
func ChickenPass() Pass {
	return Pass{Taxonomy: taxonomy.Chicken(), Confidence: 0.03, IoU: 0.7}
}

// RunReport collects the states of every box analyzed in one run.
type RunReport struct {
	RunID        string
	RunTimestamp int64

	// States holds one state per analyzed box, ordered by box id.
	States []NestingBoxState

	// Errors holds per-box failures. A box whose only failure was an artifact
	// write appears in both States and Errors.
	Errors map[int]error
}
