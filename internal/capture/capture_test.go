package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ironsheep/eggwatch/internal/imaging"
)

const snapshotURL = "http://camera.local/snapshot.jpg"

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func mockedSource(t *testing.T) *HTTPSource {
	t.Helper()
	src := NewHTTPSource(snapshotURL, 0)
	httpmock.ActivateNonDefault(src.Client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return src
}

func TestHTTPSource_Capture(t *testing.T) {
	src := mockedSource(t)
	httpmock.RegisterResponder("GET", snapshotURL, httpmock.NewBytesResponder(http.StatusOK, pngBytes(t, 40, 30)))

	img, err := src.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
	assert.Equal(t, 30, img.Bounds().Dy())
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestHTTPSource_Non2xx(t *testing.T) {
	src := mockedSource(t)
	httpmock.RegisterResponder("GET", snapshotURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))

	_, err := src.Capture(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPSource_UndecodableBody(t *testing.T) {
	src := mockedSource(t)
	httpmock.RegisterResponder("GET", snapshotURL, httpmock.NewStringResponder(http.StatusOK, "<html>login</html>"))

	_, err := src.Capture(context.Background())
	var invalid *imaging.InvalidImageError
	assert.True(t, errors.As(err, &invalid))
}

func TestHTTPSource_TransportError(t *testing.T) {
	src := mockedSource(t)
	httpmock.RegisterResponder("GET", snapshotURL, httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := src.Capture(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, 12, 8), 0o644))

	img, err := FileSource{Path: path}.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 8), img.Bounds())

	_, err = FileSource{Path: filepath.Join(t.TempDir(), "missing.png")}.Capture(context.Background())
	assert.Error(t, err)
}

func TestSourceFunc(t *testing.T) {
	want := image.NewGray(image.Rect(0, 0, 2, 2))
	got, err := SourceFunc(func(ctx context.Context) (image.Image, error) { return want, nil }).Capture(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
}
