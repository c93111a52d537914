// Package capture acquires the camera frame a run starts from.
package capture

import (
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	"github.com/ironsheep/eggwatch/internal/imaging"
)

// DefaultTimeout bounds one HTTP snapshot request.
const DefaultTimeout = 30 * time.Second

// maxSnapshotBytes caps the size of a downloaded snapshot.
const maxSnapshotBytes = 64 << 20

// Source provides the raw frame of one capture.
type Source interface {
	Capture(ctx context.Context) (image.Image, error)
}

// FileSource decodes a frame from disk on every capture.
type FileSource struct {
	Path string
}

// Capture implements Source.
func (s FileSource) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return imaging.LoadFile(s.Path)
}

// HTTPSource fetches a snapshot from a camera URL.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource creates a source with its own client bounded by timeout.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPSource{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

// Capture implements Source. Non-2xx responses are errors; undecodable bodies
// are *imaging.InvalidImageError.
func (s *HTTPSource) Capture(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("snapshot request returned %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return imaging.Decode(data)
}

// SourceFunc adapts a function to a Source.
type SourceFunc func(ctx context.Context) (image.Image, error)

func (f SourceFunc) Capture(ctx context.Context) (image.Image, error) {
	return f(ctx)
}
