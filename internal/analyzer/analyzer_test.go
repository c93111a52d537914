package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ironsheep/eggwatch/internal/imaging"
	"github.com/ironsheep/eggwatch/internal/model"
	"github.com/ironsheep/eggwatch/internal/store"
	"github.com/ironsheep/eggwatch/internal/taxonomy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2024, 3, 5, 6, 7, 8, 0, time.UTC)

func clock() time.Time { return fixedNow }

func uniformImage(w, h int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

// nestScene renders straw-like noise with smooth pale eggs of radius r at the
// given centres. The noise is seeded so every call draws the same scene.
func nestScene(w, h, r int, eggs []image.Point) *image.RGBA {
	rng := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := rng.Intn(91) - 45
			img.SetRGBA(x, y, color.RGBA{uint8(110 + n), uint8(95 + n), uint8(70 + n), 255})
		}
	}
	shell := color.RGBA{235, 225, 205, 255}
	for _, c := range eggs {
		for y := c.Y - r; y <= c.Y+r; y++ {
			for x := c.X - r; x <= c.X+r; x++ {
				if (x-c.X)*(x-c.X)+(y-c.Y)*(y-c.Y) <= r*r {
					img.SetRGBA(x, y, shell)
				}
			}
		}
	}
	return img
}

// stubDetector answers each pass by its confidence/IoU pair.
func stubDetector(byIoU map[float64][]model.Detection) model.ObjectDetector {
	return model.DetectorFunc(func(ctx context.Context, img image.Image, confidence, iou float64) ([]model.Detection, error) {
		return byIoU[iou], nil
	})
}

func det(class string, conf float64) model.Detection {
	return model.Detection{ClassName: class, Confidence: conf, Box: image.Rect(5, 5, 30, 30)}
}

var scenario = map[float64][]model.Detection{
	0.8: {det("apple", 0.9), det("bench", 0.5), det("dog", 0.4), det("sports ball", 0.2)},
	0.7: {det("bird", 0.6), det("apple", 0.9), det("person", 0.1), det("person", 0.05)},
}

type failingStore struct {
	calls atomic.Int32
}

func (f *failingStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	f.calls.Add(1)
	return "", errors.New("disk full")
}

func TestNew_RejectsTaxonomyConflict(t *testing.T) {
	bad := EggPass()
	bad.Taxonomy.Ignored = append(bad.Taxonomy.Ignored, "apple")

	_, err := New(stubDetector(nil), WithEggPass(bad))
	var conflict *taxonomy.TaxonomyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"apple"}, conflict.Classes)
}

func TestNew_RequiresDetector(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestAnalyze_Scenario(t *testing.T) {
	mem := store.NewMemoryStore()
	a, err := New(stubDetector(scenario), WithStore(mem), WithClock(clock))
	require.NoError(t, err)

	state, err := a.Analyze(context.Background(), uniformImage(64, 64, 128), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, state.BoxID)
	assert.Equal(t, fixedNow.Unix(), state.RunTimestamp)
	assert.Equal(t, 0, state.EggCountBlob, "uniform image has no blobs")
	assert.Equal(t, 2, state.EggCountModel)
	assert.Equal(t, 1, state.ChickenCount)
	assert.Equal(t, map[string]int{"dog": 1}, state.UnknownEggObjects)
	assert.Equal(t, map[string]int{"person": 2}, state.UnknownChickenObjects)
	assert.True(t, state.Occupied())
	assert.Equal(t, 3, state.UnknownTotal())

	assert.Equal(t, "mem://2024-03-05-06-07-08/box-1-egg-blob-detect.jpg", state.BlobArtifactPath)
	assert.Equal(t, "mem://2024-03-05-06-07-08/box-1-egg_prediction-yolo.jpg", state.ModelArtifactPathEgg)
	assert.Equal(t, "mem://2024-03-05-06-07-08/box-1-chicken_prediction-yolo.jpg", state.ModelArtifactPathChicken)

	raw, ok := mem.Get(store.ResultsKey(fixedNow.Unix(), 1))
	require.True(t, ok)
	var snapshot NestingBoxState
	require.NoError(t, json.Unmarshal(raw, &snapshot))
	assert.Equal(t, state, snapshot)
}

func TestAnalyze_EmptyBoxIsNotAnError(t *testing.T) {
	a, err := New(stubDetector(nil))
	require.NoError(t, err)

	state, err := a.Analyze(context.Background(), uniformImage(48, 48, 90), 2)
	require.NoError(t, err)
	assert.Zero(t, state.EggCountBlob)
	assert.Zero(t, state.EggCountModel)
	assert.Zero(t, state.ChickenCount)
	assert.Empty(t, state.BlobArtifactPath, "no store configured")

	data, err := json.Marshal(state)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"unknown_egg_objects":{}`)
	assert.Contains(t, string(data), `"unknown_chicken_objects":{}`)
}

func TestAnalyze_CountsEggsInScene(t *testing.T) {
	tests := []struct {
		name string
		eggs []image.Point
	}{
		{"empty nest", nil},
		{"two eggs", []image.Point{{200, 225}, {400, 225}}},
		{"five eggs", []image.Point{{110, 120}, {300, 120}, {490, 120}, {200, 320}, {400, 320}}},
	}

	a, err := New(stubDetector(nil))
	require.NoError(t, err)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := a.Analyze(context.Background(), nestScene(600, 450, 38, tt.eggs), 1)
			require.NoError(t, err)
			assert.Equal(t, len(tt.eggs), state.EggCountBlob)
			assert.Zero(t, state.EggCountModel)
		})
	}
}

func TestAnalyze_PartitionInvariant(t *testing.T) {
	var all []model.Detection
	for _, label := range model.COCOLabels {
		all = append(all, det(label, 0.5))
	}
	a, err := New(stubDetector(map[float64][]model.Detection{0.8: all, 0.7: all}))
	require.NoError(t, err)

	state, err := a.Analyze(context.Background(), uniformImage(32, 32, 10), 1)
	require.NoError(t, err)

	egg, _ := taxonomy.New(taxonomy.Egg())
	chicken, _ := taxonomy.New(taxonomy.Chicken())
	for class := range state.UnknownEggObjects {
		assert.False(t, egg.IsKnown(class), class)
	}
	for class := range state.UnknownChickenObjects {
		assert.False(t, chicken.IsKnown(class), class)
	}
}

func TestAnalyze_Idempotent(t *testing.T) {
	a, err := New(stubDetector(scenario), WithClock(clock))
	require.NoError(t, err)
	img := uniformImage(40, 40, 200)

	s1, err := a.Analyze(context.Background(), img, 1)
	require.NoError(t, err)
	s2, err := a.Analyze(context.Background(), img, 1)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
}

func TestAnalyze_InvalidImage(t *testing.T) {
	a, err := New(stubDetector(nil))
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), image.NewRGBA(image.Rectangle{}), 1)
	var invalid *imaging.InvalidImageError
	assert.True(t, errors.As(err, &invalid))

	_, err = a.Analyze(context.Background(), nil, 1)
	assert.True(t, errors.As(err, &invalid))
}

func TestAnalyze_ArtifactFailureKeepsCounts(t *testing.T) {
	fs := &failingStore{}
	a, err := New(stubDetector(scenario), WithStore(fs))
	require.NoError(t, err)

	state, err := a.Analyze(context.Background(), uniformImage(32, 32, 128), 1)
	require.Error(t, err)

	var awe *store.ArtifactWriteError
	require.True(t, errors.As(err, &awe))
	assert.Equal(t, int32(4), fs.calls.Load())
	assert.Equal(t, 2, state.EggCountModel)
	assert.Equal(t, 1, state.ChickenCount)
	assert.Empty(t, state.BlobArtifactPath)
	assert.Empty(t, state.ModelArtifactPathEgg)
	assert.Empty(t, state.ModelArtifactPathChicken)
}

func TestAnalyze_ModelUnavailable(t *testing.T) {
	broken := model.DetectorFunc(func(ctx context.Context, img image.Image, confidence, iou float64) ([]model.Detection, error) {
		return nil, &model.ModelUnavailableError{Path: "yolov8l.tflite", Err: errors.New("gone")}
	})
	a, err := New(broken)
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), uniformImage(16, 16, 1), 1)
	var unavailable *model.ModelUnavailableError
	assert.True(t, errors.As(err, &unavailable))
}

func TestAnalyzeRun_IsolatesInvalidBoxes(t *testing.T) {
	a, err := New(stubDetector(scenario), WithClock(clock))
	require.NoError(t, err)

	report, err := a.AnalyzeRun(context.Background(), map[int]image.Image{
		2: uniformImage(32, 32, 128),
		1: uniformImage(32, 32, 128),
		3: image.NewRGBA(image.Rectangle{}),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, fixedNow.Unix(), report.RunTimestamp)
	require.Len(t, report.States, 2)
	assert.Equal(t, 1, report.States[0].BoxID)
	assert.Equal(t, 2, report.States[1].BoxID)
	assert.Equal(t, report.RunTimestamp, report.States[1].RunTimestamp)

	require.Contains(t, report.Errors, 3)
	var invalid *imaging.InvalidImageError
	assert.True(t, errors.As(report.Errors[3], &invalid))
}

func TestAnalyzeRun_ModelUnavailableAbortsRun(t *testing.T) {
	broken := model.DetectorFunc(func(ctx context.Context, img image.Image, confidence, iou float64) ([]model.Detection, error) {
		return nil, &model.ModelUnavailableError{Path: "missing.tflite", Err: errors.New("gone")}
	})
	a, err := New(broken)
	require.NoError(t, err)

	report, err := a.AnalyzeRun(context.Background(), map[int]image.Image{
		1: uniformImage(16, 16, 1),
		2: uniformImage(16, 16, 1),
	})
	assert.Nil(t, report)
	var unavailable *model.ModelUnavailableError
	assert.True(t, errors.As(err, &unavailable))
}

func TestAnalyzeRun_ArtifactFailureStillReports(t *testing.T) {
	a, err := New(stubDetector(scenario), WithStore(&failingStore{}))
	require.NoError(t, err)

	report, err := a.AnalyzeRun(context.Background(), map[int]image.Image{1: uniformImage(16, 16, 50)})
	require.NoError(t, err)
	require.Len(t, report.States, 1)
	assert.Equal(t, 2, report.States[0].EggCountModel)
	assert.Contains(t, report.Errors, 1)
}
