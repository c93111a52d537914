// Package taxonomy maps the generic class vocabulary of the detection model
// onto one analysis pass: which classes count, which are known false
// positives, and which are unknown and need review.
package taxonomy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ironsheep/eggwatch/internal/model"
)

// TaxonomyConflictError reports class names listed as both valid and ignored.
// It is a configuration error raised before any image is analyzed.
type TaxonomyConflictError struct {
	Taxonomy string
	Classes  []string
}

func (e *TaxonomyConflictError) Error() string {
	name := e.Taxonomy
	if name == "" {
		name = "taxonomy"
	}
	return fmt.Sprintf("%s: classes both valid and ignored: %s", name, strings.Join(e.Classes, ", "))
}

// Taxonomy is the configured partition of the model vocabulary for one pass.
type Taxonomy struct {
	Name    string   `mapstructure:"name" json:"name"`
	Valid   []string `mapstructure:"valid" json:"valid"`
	Ignored []string `mapstructure:"ignored" json:"ignored"`
}

// Egg is the default egg-pass taxonomy: round pale objects count, furniture
// and birds are accepted false positives.
func Egg() Taxonomy {
	return Taxonomy{
		Name:    "egg",
		Valid:   []string{"apple", "sports ball", "orange"},
		Ignored: []string{"bench", "chair", "bird"},
	}
}

// Chicken is the default chicken-pass taxonomy: animal silhouettes count,
// furniture and round objects are accepted false positives.
func Chicken() Taxonomy {
	return Taxonomy{
		Name:    "chicken",
		Valid:   []string{"bird", "bear", "dog", "cat", "elephant"},
		Ignored: []string{"bench", "chair", "apple", "sports ball", "orange"},
	}
}

// Classifier folds detections into a valid count and an unknown tally.
// It is immutable and safe for concurrent use.
type Classifier struct {
	name    string
	valid   map[string]struct{}
	ignored map[string]struct{}
}

// New validates the taxonomy and builds a classifier. Names are compared
// case-insensitively with surrounding space trimmed.
func New(t Taxonomy) (*Classifier, error) {
	c := &Classifier{
		name:    t.Name,
		valid:   toSet(t.Valid),
		ignored: toSet(t.Ignored),
	}

	var conflicts []string
	for name := range c.valid {
		if _, ok := c.ignored[name]; ok {
			conflicts = append(conflicts, name)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return nil, &TaxonomyConflictError{Taxonomy: t.Name, Classes: conflicts}
	}
	return c, nil
}

// Validate checks a taxonomy without keeping the classifier.
func Validate(t Taxonomy) error {
	_, err := New(t)
	return err
}

// Name returns the taxonomy name.
func (c *Classifier) Name() string {
	return c.name
}

// Classify counts detections of valid classes, drops ignored ones and tallies
// everything else by class name as detected. Membership ignores case and
// surrounding space. unknown is never nil; a class absent from it was not
// seen.
func (c *Classifier) Classify(dets []model.Detection) (validCount int, unknown map[string]int) {
	unknown = make(map[string]int)
	for _, d := range dets {
		name := normalize(d.ClassName)
		if _, ok := c.valid[name]; ok {
			validCount++
			continue
		}
		if _, ok := c.ignored[name]; ok {
			continue
		}
		unknown[d.ClassName]++
	}
	return validCount, unknown
}

// IsKnown reports whether a class is valid or ignored.
func (c *Classifier) IsKnown(class string) bool {
	name := normalize(class)
	_, v := c.valid[name]
	_, i := c.ignored[name]
	return v || i
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = normalize(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
