package imaging

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font/basicfont"
)

// DefaultJPEGQuality is used for annotated artifacts.
const DefaultJPEGQuality = 90

// Canvas draws overlays on a copy of an image. The source image is never
// modified.
type Canvas struct {
	dc *gg.Context
}

// NewCanvas copies img into a drawing context whose origin is (0,0),
// whatever the bounds of img.
func NewCanvas(img image.Image) *Canvas {
	dc := gg.NewContextForImage(imaging.Clone(img))
	dc.SetFontFace(basicfont.Face7x13)
	return &Canvas{dc: dc}
}

// Circle strokes a circle centered on (x, y).
func (c *Canvas) Circle(x, y, r float64, col color.Color, width float64) {
	c.dc.SetColor(col)
	c.dc.SetLineWidth(width)
	c.dc.DrawCircle(x, y, r)
	c.dc.Stroke()
}

// Box strokes a rectangle.
func (c *Canvas) Box(rect image.Rectangle, col color.Color, width float64) {
	c.dc.SetColor(col)
	c.dc.SetLineWidth(width)
	c.dc.DrawRectangle(float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()))
	c.dc.Stroke()
}

// Label draws text with its top-left corner at (x, y) over a filled
// background so it stays readable on busy images.
func (c *Canvas) Label(x, y float64, text string, fg, bg color.Color) {
	w, h := c.dc.MeasureString(text)
	c.dc.SetColor(bg)
	c.dc.DrawRectangle(x, y, w+4, h+4)
	c.dc.Fill()
	c.dc.SetColor(fg)
	c.dc.DrawStringAnchored(text, x+2, y+2, 0, 1)
}

// Image returns the annotated image.
func (c *Canvas) Image() image.Image {
	return c.dc.Image()
}

// LabelColor returns a stable, saturated colour for a class label so the same
// class is drawn the same way in every artifact.
func LabelColor(label string) color.Color {
	h := fnv.New32a()
	h.Write([]byte(label))
	hue := float64(h.Sum32() % 360)
	return colorful.Hsv(hue, 0.85, 0.95)
}

// EncodeJPEG encodes img as JPEG. Quality outside 1..100 falls back to
// DefaultJPEGQuality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
