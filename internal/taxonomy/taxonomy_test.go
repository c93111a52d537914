package taxonomy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/eggwatch/internal/model"
)

func TestClassify_Scenario(t *testing.T) {
	c, err := New(Taxonomy{Valid: []string{"apple"}, Ignored: []string{"bench"}})
	require.NoError(t, err)

	valid, unknown := c.Classify([]model.Detection{
		{ClassName: "apple", Confidence: 0.9},
		{ClassName: "bench", Confidence: 0.5},
		{ClassName: "dog", Confidence: 0.4},
	})

	assert.Equal(t, 1, valid)
	assert.Equal(t, map[string]int{"dog": 1}, unknown)
}

func TestClassify_Empty(t *testing.T) {
	c, err := New(Egg())
	require.NoError(t, err)

	valid, unknown := c.Classify(nil)
	assert.Zero(t, valid)
	assert.NotNil(t, unknown)
	assert.Empty(t, unknown)
}

func TestClassify_TalliesRepeatedUnknowns(t *testing.T) {
	c, err := New(Chicken())
	require.NoError(t, err)

	valid, unknown := c.Classify([]model.Detection{
		{ClassName: "bird"},
		{ClassName: "Bird"},
		{ClassName: "person"},
		{ClassName: "person"},
		{ClassName: "sports ball"},
		{ClassName: "teddy bear"},
	})

	assert.Equal(t, 2, valid)
	assert.Equal(t, map[string]int{"person": 2, "teddy bear": 1}, unknown)
}

func TestClassify_PartitionInvariant(t *testing.T) {
	for _, tax := range []Taxonomy{Egg(), Chicken()} {
		t.Run(tax.Name, func(t *testing.T) {
			c, err := New(tax)
			require.NoError(t, err)

			var dets []model.Detection
			for _, label := range model.COCOLabels {
				dets = append(dets, model.Detection{ClassName: label, Confidence: 0.5})
			}
			valid, unknown := c.Classify(dets)

			assert.Equal(t, len(tax.Valid), valid)
			for class := range unknown {
				assert.False(t, c.IsKnown(class), "unknown tally contains known class %q", class)
			}
			assert.Equal(t, len(model.COCOLabels)-len(tax.Valid)-len(tax.Ignored), len(unknown))
		})
	}
}

func TestNew_Conflict(t *testing.T) {
	_, err := New(Taxonomy{
		Name:    "egg",
		Valid:   []string{"apple", "orange", "bird"},
		Ignored: []string{"Bird", "bench", "apple"},
	})

	var conflict *TaxonomyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"apple", "bird"}, conflict.Classes)
	assert.Contains(t, err.Error(), "egg")
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, Validate(Egg()))
	assert.NoError(t, Validate(Chicken()))
}

func TestClassify_DeterministicAcrossCalls(t *testing.T) {
	c, err := New(Egg())
	require.NoError(t, err)
	dets := []model.Detection{{ClassName: "apple"}, {ClassName: "cup"}, {ClassName: "bench"}}

	v1, u1 := c.Classify(dets)
	v2, u2 := c.Classify(dets)
	assert.Equal(t, v1, v2)
	assert.Equal(t, u1, u2)
}

func TestClassify_UnknownKeepsDetectedName(t *testing.T) {
	c, err := New(Egg())
	require.NoError(t, err)

	valid, unknown := c.Classify([]model.Detection{
		{ClassName: "Apple", Confidence: 0.9},
		{ClassName: "Teddy Bear", Confidence: 0.5},
		{ClassName: "Teddy Bear", Confidence: 0.4},
	})
	assert.Equal(t, 1, valid)
	assert.Equal(t, map[string]int{"Teddy Bear": 2}, unknown)
}
