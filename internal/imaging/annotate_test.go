package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func TestCanvas_DoesNotModifySource(t *testing.T) {
	src := createInMemoryImage(60, 60, color.RGBA{0, 0, 0, 255})

	c := NewCanvas(src)
	c.Circle(30, 30, 20, color.RGBA{255, 0, 0, 255}, 3)
	c.Box(image.Rect(5, 5, 55, 55), color.RGBA{0, 255, 0, 255}, 2)
	c.Label(2, 2, "egg 0.91", color.White, color.Black)

	if got := src.RGBAAt(50, 30); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("source modified at (50,30): %v", got)
	}

	out := c.Image()
	if out.Bounds().Dx() != 60 || out.Bounds().Dy() != 60 {
		t.Errorf("annotated size: got %v", out.Bounds())
	}
	r, _, _, _ := out.At(50, 30).RGBA()
	if r>>8 < 128 {
		t.Errorf("circle not drawn at (50,30): red=%d", r>>8)
	}
}

func TestLabelColor_Stable(t *testing.T) {
	a := LabelColor("sports ball")
	b := LabelColor("sports ball")
	if a != b {
		t.Errorf("LabelColor not stable: %v vs %v", a, b)
	}
}

func TestEncode(t *testing.T) {
	img := createInMemoryImage(16, 16, color.RGBA{120, 60, 30, 255})

	data, err := EncodeJPEG(img, 0)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("jpeg output not decodable: %v", err)
	}

	data, err = EncodePNG(img)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("png output not decodable: %v", err)
	}
}
