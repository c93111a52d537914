package imaging

import (
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestToGray(t *testing.T) {
	img := createInMemoryImage(20, 10, color.RGBA{200, 200, 200, 255})

	gray, err := ToGray(img)
	if err != nil {
		t.Fatalf("ToGray failed: %v", err)
	}
	if gray.Bounds() != image.Rect(0, 0, 20, 10) {
		t.Errorf("bounds: got %v, want 20x10 at origin", gray.Bounds())
	}
	// bild weights sum to 1, so a neutral gray keeps its value
	if v := gray.GrayAt(5, 5).Y; v != 200 {
		t.Errorf("intensity: got %d, want 200", v)
	}
}

func TestToGray_OffsetBounds(t *testing.T) {
	img := image.NewRGBA(image.Rect(50, 50, 60, 58))

	gray, err := ToGray(img)
	if err != nil {
		t.Fatalf("ToGray failed: %v", err)
	}
	if gray.Bounds() != image.Rect(0, 0, 10, 8) {
		t.Errorf("bounds: got %v, want 10x8 at origin", gray.Bounds())
	}
}

func TestPrepare_InvalidImage(t *testing.T) {
	tests := []struct {
		name string
		img  image.Image
	}{
		{"nil", nil},
		{"zero width", image.NewRGBA(image.Rect(0, 0, 0, 10))},
		{"zero height", image.NewRGBA(image.Rect(0, 0, 10, 0))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Prepare(tt.img)
			var invalid *InvalidImageError
			if !errors.As(err, &invalid) {
				t.Errorf("Prepare: got %v, want InvalidImageError", err)
			}
		})
	}
}

func TestAdaptiveThreshold_Uniform(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 30, 30))
	for i := range gray.Pix {
		gray.Pix[i] = 90
	}

	out, err := AdaptiveThreshold(gray, 11, 2)
	if err != nil {
		t.Fatalf("AdaptiveThreshold failed: %v", err)
	}
	for i, v := range out.Pix {
		if v != 255 {
			t.Fatalf("pixel %d: got %d, want 255 on a flat region", i, v)
		}
	}
}

func TestAdaptiveThreshold_DarkSideOfEdge(t *testing.T) {
	// Left half dark, right half bright.
	gray := image.NewGray(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 20; x < 40; x++ {
			gray.SetGray(x, y, color.Gray{Y: 220})
		}
		for x := 0; x < 20; x++ {
			gray.SetGray(x, y, color.Gray{Y: 30})
		}
	}

	out, err := AdaptiveThreshold(gray, 11, 2)
	if err != nil {
		t.Fatalf("AdaptiveThreshold failed: %v", err)
	}
	if v := out.GrayAt(19, 10).Y; v != 0 {
		t.Errorf("dark pixel next to edge: got %d, want 0", v)
	}
	if v := out.GrayAt(20, 10).Y; v != 255 {
		t.Errorf("bright pixel next to edge: got %d, want 255", v)
	}
	if v := out.GrayAt(2, 10).Y; v != 255 {
		t.Errorf("dark pixel far from edge: got %d, want 255", v)
	}
}

func TestKernelSizeValidation(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 10, 10))

	for _, size := range []int{0, 1, 2, 10} {
		if _, err := AdaptiveThreshold(gray, size, 2); err == nil {
			t.Errorf("AdaptiveThreshold(block=%d) should fail", size)
		}
		if _, err := Smooth(gray, size); err == nil {
			t.Errorf("Smooth(ksize=%d) should fail", size)
		}
	}
}

func TestOtsuThreshold(t *testing.T) {
	tests := []struct {
		name   string
		values []uint8
		want   func(uint8) bool
	}{
		{"constant", []uint8{128, 128, 128, 128}, func(t uint8) bool { return t == 0 }},
		{"bimodal", []uint8{20, 22, 21, 20, 200, 202, 201, 200}, func(t uint8) bool { return t >= 22 && t < 200 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gray := image.NewGray(image.Rect(0, 0, len(tt.values), 1))
			copy(gray.Pix, tt.values)
			if got := OtsuThreshold(gray); !tt.want(got) {
				t.Errorf("OtsuThreshold: got %d", got)
			}
		})
	}
}

func TestBinarizeAndInvert(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 4, 1))
	copy(gray.Pix, []uint8{0, 100, 101, 255})

	bin := Binarize(gray, 100)
	want := []uint8{0, 0, 255, 255}
	for i, v := range bin.Pix {
		if v != want[i] {
			t.Errorf("Binarize pixel %d: got %d, want %d", i, v, want[i])
		}
	}

	inv := Invert(bin)
	for i, v := range inv.Pix {
		if v != 255-want[i] {
			t.Errorf("Invert pixel %d: got %d, want %d", i, v, 255-want[i])
		}
	}
}

func TestPrepare_Uniform(t *testing.T) {
	img := createInMemoryImage(120, 80, color.RGBA{140, 120, 100, 255})

	out, err := Prepare(img)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if out.Bounds() != image.Rect(0, 0, 120, 80) {
		t.Errorf("bounds: got %v", out.Bounds())
	}
	for i, v := range out.Pix {
		if v != 0 {
			t.Fatalf("pixel %d: got %d, want 0 (no foreground on a flat image)", i, v)
		}
	}
}

func TestPrepare_BinaryAndDeterministic(t *testing.T) {
	img := createInMemoryImage(100, 100, color.RGBA{40, 40, 40, 255})
	for y := 30; y < 70; y++ {
		for x := 30; x < 70; x++ {
			img.Set(x, y, color.RGBA{230, 230, 230, 255})
		}
	}

	a, err := Prepare(img)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	b, err := Prepare(img)
	if err != nil {
		t.Fatalf("second Prepare failed: %v", err)
	}

	for i := range a.Pix {
		if a.Pix[i] != 0 && a.Pix[i] != 255 {
			t.Fatalf("pixel %d not binary: %d", i, a.Pix[i])
		}
		if a.Pix[i] != b.Pix[i] {
			t.Fatalf("pixel %d differs between runs", i)
		}
	}

	// input is untouched
	if c := img.RGBAAt(50, 50); c.R != 230 {
		t.Errorf("input modified: got %v", c)
	}
}
