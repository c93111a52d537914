// Package config loads eggwatch settings from defaults, an optional YAML
// file and EGGWATCH_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ironsheep/eggwatch/internal/analyzer"
	"github.com/ironsheep/eggwatch/internal/detection"
	"github.com/ironsheep/eggwatch/internal/imaging"
	"github.com/ironsheep/eggwatch/internal/logger"
	"github.com/ironsheep/eggwatch/internal/metrics"
	"github.com/ironsheep/eggwatch/internal/model"
	"github.com/ironsheep/eggwatch/internal/taxonomy"
)

// EnvPrefix prefixes every environment override, e.g. EGGWATCH_EGG_CONFIDENCE.
const EnvPrefix = "EGGWATCH"

// Config is the complete application configuration.
type Config struct {
	Log         logger.Config `mapstructure:"log"`
	OutputDir   string        `mapstructure:"output_dir"`
	StateDB     string        `mapstructure:"state_db"`
	JPEGQuality int           `mapstructure:"jpeg_quality"`
	SaveRaw     bool          `mapstructure:"save_raw"`

	Model      ModelConfig          `mapstructure:"model"`
	Egg        analyzer.Pass        `mapstructure:"egg"`
	Chicken    analyzer.Pass        `mapstructure:"chicken"`
	Preprocess PreprocessConfig     `mapstructure:"preprocess"`
	Blob       detection.BlobParams `mapstructure:"blob"`
	Regions    []RegionConfig       `mapstructure:"regions"`

	Capture  CaptureConfig  `mapstructure:"capture"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Server   ServerConfig   `mapstructure:"server"`

	v *viper.Viper
}

// ModelConfig locates the object detection model.
type ModelConfig struct {
	Path          string `mapstructure:"path"`
	Labels        string `mapstructure:"labels"`
	Threads       int    `mapstructure:"threads"`
	MaxDetections int    `mapstructure:"max_detections"`
	PerClassNMS   bool   `mapstructure:"per_class_nms"`
}

// Options converts the model settings for model.Load.
func (m ModelConfig) Options() model.Options {
	return model.Options{
		Threads:       m.Threads,
		LabelsPath:    m.Labels,
		MaxDetections: m.MaxDetections,
		PerClass:      m.PerClassNMS,
	}
}

// PreprocessConfig tunes the preprocessing pipeline.
type PreprocessConfig struct {
	AdaptiveBlock  int     `mapstructure:"adaptive_block"`
	AdaptiveOffset float64 `mapstructure:"adaptive_offset"`
	SmoothKernel   int     `mapstructure:"smooth_kernel"`
}

// Options converts to imaging.PrepareOptions.
func (p PreprocessConfig) Options() imaging.PrepareOptions {
	return imaging.PrepareOptions{
		AdaptiveBlock:  p.AdaptiveBlock,
		AdaptiveOffset: p.AdaptiveOffset,
		SmoothKernel:   p.SmoothKernel,
	}
}

// RegionConfig is one box region as [x1, y1, x2, y2] in frame pixels.
type RegionConfig struct {
	Box  int   `mapstructure:"box"`
	Rect []int `mapstructure:"rect"`
}

// CaptureConfig selects the frame source. URL wins over Image when both
// are set.
type CaptureConfig struct {
	Image   string        `mapstructure:"image"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MetricsConfig configures the metric sinks. MQTT is enabled by setting a
// broker.
type MetricsConfig struct {
	Listen string             `mapstructure:"listen"`
	MQTT   metrics.MQTTConfig `mapstructure:"mqtt"`
}

// ScheduleConfig configures periodic runs.
type ScheduleConfig struct {
	Every time.Duration `mapstructure:"every"`
}

// ServerConfig configures the MCP server.
type ServerConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional YAML file at path on top of the defaults and
// returns the validated configuration.
func Load(path string) (*Config, error) {
	v := New()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return FromViper(v)
}

// ReadFile merges the YAML file at path into v. An empty path is a no-op.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// FromViper decodes and validates the settings held by v, which may carry
// bound command-line flags.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.v = v
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks every setting and joins all problems found. Taxonomy
// conflicts surface as *taxonomy.TaxonomyConflictError.
func (c *Config) Validate() error {
	var errs []error
	for _, p := range []analyzer.Pass{c.Egg, c.Chicken} {
		if err := taxonomy.Validate(p.Taxonomy); err != nil {
			errs = append(errs, err)
		}
		if p.Confidence < 0 || p.Confidence > 1 {
			errs = append(errs, fmt.Errorf("%s confidence %g outside [0, 1]", p.Taxonomy.Name, p.Confidence))
		}
		if p.IoU <= 0 || p.IoU > 1 {
			errs = append(errs, fmt.Errorf("%s iou %g outside (0, 1]", p.Taxonomy.Name, p.IoU))
		}
	}
	if err := c.Blob.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("blob: %w", err))
	}
	for name, k := range map[string]int{
		"preprocess.adaptive_block": c.Preprocess.AdaptiveBlock,
		"preprocess.smooth_kernel":  c.Preprocess.SmoothKernel,
	} {
		if k < 3 || k%2 == 0 {
			errs = append(errs, fmt.Errorf("%s must be odd and >= 3, got %d", name, k))
		}
	}
	if _, err := c.ImagingRegions(); err != nil {
		errs = append(errs, err)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality %d outside [1, 100]", c.JPEGQuality))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir must be set"))
	}
	if c.Schedule.Every <= 0 {
		errs = append(errs, fmt.Errorf("schedule.every must be positive, got %s", c.Schedule.Every))
	}
	return errors.Join(errs...)
}

// ImagingRegions converts the configured regions.
func (c *Config) ImagingRegions() ([]imaging.Region, error) {
	if len(c.Regions) == 0 {
		return nil, errors.New("at least one region must be configured")
	}
	seen := make(map[int]bool, len(c.Regions))
	out := make([]imaging.Region, 0, len(c.Regions))
	for _, r := range c.Regions {
		if len(r.Rect) != 4 {
			return nil, fmt.Errorf("region for box %d needs [x1, y1, x2, y2], got %v", r.Box, r.Rect)
		}
		rect := image.Rect(r.Rect[0], r.Rect[1], r.Rect[2], r.Rect[3])
		if rect.Empty() {
			return nil, fmt.Errorf("region for box %d is empty", r.Box)
		}
		if seen[r.Box] {
			return nil, fmt.Errorf("box %d has more than one region", r.Box)
		}
		seen[r.Box] = true
		out = append(out, imaging.Region{Box: r.Box, Rect: rect})
	}
	return out, nil
}

// AnalyzerOptions returns the analyzer options implied by the settings.
func (c *Config) AnalyzerOptions() []analyzer.Option {
	return []analyzer.Option{
		analyzer.WithEggPass(c.Egg),
		analyzer.WithChickenPass(c.Chicken),
		analyzer.WithBlobParams(c.Blob),
		analyzer.WithPrepareOptions(c.Preprocess.Options()),
		analyzer.WithJPEGQuality(c.JPEGQuality),
	}
}

// YAML renders the effective settings.
func (c *Config) YAML() ([]byte, error) {
	if c.v == nil {
		return nil, errors.New("configuration was not loaded")
	}
	return yaml.Marshal(c.v.AllSettings())
}
