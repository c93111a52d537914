package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultCacheTTL is how long a decoded image stays cached after its last load.
const DefaultCacheTTL = 10 * time.Minute

// ImageCache provides thread-safe caching of decoded images to avoid redundant
// disk reads and decodes.
//
// Entries expire after the configured TTL, so a long-running server that
// analyzes a stream of captures does not grow without bound.
//
// # Example Usage
//
//	cache := imaging.NewImageCache(imaging.DefaultCacheTTL)
//	img, err := cache.Load("/captures/box-1.jpg")
//	if err != nil {
//	    return err
//	}
type ImageCache struct {
	images *cache.Cache
}

// NewImageCache creates an empty cache whose entries expire after ttl.
// A ttl of zero means entries never expire.
func NewImageCache(ttl time.Duration) *ImageCache {
	exp := ttl
	if ttl <= 0 {
		exp = cache.NoExpiration
	}
	cleanup := ttl * 2
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &ImageCache{images: cache.New(exp, cleanup)}
}

// Load retrieves an image from the cache or decodes it from disk if not
// cached. Undecodable files yield an InvalidImageError.
//
// The image is cached using the exact path string provided.
func (c *ImageCache) Load(path string) (image.Image, error) {
	if v, ok := c.images.Get(path); ok {
		return v.(image.Image), nil
	}

	img, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	c.images.SetDefault(path, img)
	return img, nil
}

// Len returns the number of live entries.
func (c *ImageCache) Len() int {
	return c.images.ItemCount()
}

// LoadFile decodes an image file without caching.
func LoadFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	return Decode(data)
}

// Decode decodes PNG, JPEG or GIF bytes. Anything else is an InvalidImageError.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &InvalidImageError{Reason: fmt.Sprintf("decode failed: %v", err)}
	}
	if img.Bounds().Empty() {
		return nil, &InvalidImageError{Reason: "zero area"}
	}
	return img, nil
}

// ImageInfo contains metadata about a loaded image file.
type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`

	// FileSizeBytes is the size of the image file on disk in bytes.
	FileSizeBytes int64 `json:"file_size_bytes"`
}

// LoadImageInfo loads an image through the cache and reports its dimensions,
// format (by extension) and size on disk.
func LoadImageInfo(c *ImageCache, path string) (*ImageInfo, error) {
	img, err := c.Load(path)
	if err != nil {
		return nil, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	format := "unknown"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		format = "png"
	case ".jpg", ".jpeg":
		format = "jpeg"
	case ".gif":
		format = "gif"
	}

	b := img.Bounds()
	return &ImageInfo{
		Width:         b.Dx(),
		Height:        b.Dy(),
		Format:        format,
		FileSizeBytes: stat.Size(),
	}, nil
}
