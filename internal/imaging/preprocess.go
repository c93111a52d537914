package imaging

import (
	"fmt"
	"image"
	"math"

	"github.com/anthonynsimon/bild/convolution"
	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/histogram"
)

// Default preprocessing parameters.
const (
	DefaultAdaptiveBlock  = 11
	DefaultAdaptiveOffset = 2.0
	DefaultSmoothKernel   = 23
)

// InvalidImageError reports an image that cannot enter the detection pipeline,
// either because it has no pixels or because it cannot be reduced to a single
// intensity channel.
type InvalidImageError struct {
	Reason string
}

func (e *InvalidImageError) Error() string {
	return "invalid image: " + e.Reason
}

// PrepareOptions holds the tunable constants of the preprocessing pipeline.
type PrepareOptions struct {
	// AdaptiveBlock is the Gaussian neighbourhood width of the adaptive threshold.
	// Must be odd and at least 3.
	AdaptiveBlock int

	// AdaptiveOffset is subtracted from the local mean before comparison.
	AdaptiveOffset float64

	// SmoothKernel is the width of the Gaussian blur applied before Otsu
	// binarization. Must be odd and at least 3.
	SmoothKernel int
}

// DefaultPrepareOptions returns the options used for nesting-box images.
func DefaultPrepareOptions() PrepareOptions {
	return PrepareOptions{
		AdaptiveBlock:  DefaultAdaptiveBlock,
		AdaptiveOffset: DefaultAdaptiveOffset,
		SmoothKernel:   DefaultSmoothKernel,
	}
}

// Prepare turns a raw nesting-box image into the binary image consumed by the
// blob detector, using the default options.
//
// The pipeline, in order:
//
//  1. ToGray: single-channel intensity
//  2. AdaptiveThreshold: Gaussian local mean, block 11, offset 2
//  3. Smooth: 23x23 Gaussian blur
//  4. OtsuBinarize: global variance-maximizing threshold
//  5. Invert: smooth regions such as eggs end up black on a white field
//
// Every stage returns a new buffer; the input is never modified.
func Prepare(img image.Image) (*image.Gray, error) {
	return PrepareWith(img, DefaultPrepareOptions())
}

// PrepareWith runs the preprocessing pipeline with explicit options.
func PrepareWith(img image.Image, opts PrepareOptions) (*image.Gray, error) {
	gray, err := ToGray(img)
	if err != nil {
		return nil, err
	}
	bin, err := AdaptiveThreshold(gray, opts.AdaptiveBlock, opts.AdaptiveOffset)
	if err != nil {
		return nil, err
	}
	smoothed, err := Smooth(bin, opts.SmoothKernel)
	if err != nil {
		return nil, err
	}
	return Invert(OtsuBinarize(smoothed)), nil
}

// ToGray converts an image to single-channel intensity with bild's
// luminance weights. The result always has its origin at (0,0).
func ToGray(img image.Image) (*image.Gray, error) {
	if img == nil {
		return nil, &InvalidImageError{Reason: "nil image"}
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, &InvalidImageError{Reason: fmt.Sprintf("zero area (%dx%d)", b.Dx(), b.Dy())}
	}
	return redChannel(effect.Grayscale(img)), nil
}

// AdaptiveThreshold marks a pixel white when it is brighter than the
// Gaussian-weighted mean of its block x block neighbourhood minus offset.
// Borders replicate the edge pixels.
func AdaptiveThreshold(gray *image.Gray, block int, offset float64) (*image.Gray, error) {
	if err := checkKernelSize("adaptive block", block); err != nil {
		return nil, err
	}
	mean := gaussian(gray, block)

	b := gray.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := float64(gray.Pix[y*gray.Stride+x])
			if v > float64(mean.Pix[y*mean.Stride+x])-offset {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out, nil
}

// Smooth applies a ksize x ksize Gaussian blur.
func Smooth(gray *image.Gray, ksize int) (*image.Gray, error) {
	if err := checkKernelSize("smooth kernel", ksize); err != nil {
		return nil, err
	}
	return gaussian(gray, ksize), nil
}

// OtsuThreshold returns the intensity level that maximizes the between-class
// variance of the histogram split into "<= t" and "> t". A single-valued
// image yields 0.
func OtsuThreshold(gray *image.Gray) uint8 {
	bins := histogram.NewRGBAHistogram(gray).R.Bins

	var total, sum float64
	for i, n := range bins {
		total += float64(n)
		sum += float64(i) * float64(n)
	}

	var (
		best      uint8
		bestVar   float64
		weightLow float64
		sumLow    float64
	)
	for t := 0; t < 256; t++ {
		weightLow += float64(bins[t])
		sumLow += float64(t) * float64(bins[t])
		weightHigh := total - weightLow
		if weightLow == 0 || weightHigh == 0 {
			continue
		}
		meanLow := sumLow / weightLow
		meanHigh := (sum - sumLow) / weightHigh
		between := weightLow * weightHigh * (meanLow - meanHigh) * (meanLow - meanHigh)
		if between > bestVar {
			bestVar = between
			best = uint8(t)
		}
	}
	return best
}

// OtsuBinarize thresholds the image at its Otsu level: pixels above the level
// become 255, the rest 0.
func OtsuBinarize(gray *image.Gray) *image.Gray {
	return Binarize(gray, OtsuThreshold(gray))
}

// Binarize maps pixels above level to 255 and everything else to 0.
func Binarize(gray *image.Gray, level uint8) *image.Gray {
	b := gray.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+b.Dx()]
		for x, v := range row {
			if v > level {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// Invert flips polarity so bright becomes dark and dark becomes bright.
func Invert(gray *image.Gray) *image.Gray {
	return redChannel(effect.Invert(gray))
}

// gaussian blurs a gray image with a separable ksize-wide kernel using the
// usual sigma heuristic for a given aperture. Results are rounded, not truncated.
func gaussian(gray *image.Gray, ksize int) *image.Gray {
	sigma := 0.3*(float64(ksize-1)*0.5-1) + 0.8
	k := convolution.NewKernel(ksize, 1)
	half := ksize / 2
	for i := 0; i < ksize; i++ {
		x := float64(i - half)
		k.Matrix[i] = math.Exp(-(x * x) / (2 * sigma * sigma))
	}
	normK := k.Normalized()

	opts := &convolution.Options{Bias: 0.5, Wrap: false, KeepAlpha: true}
	blurred := convolution.Convolve(gray, normK, opts)
	blurred = convolution.Convolve(blurred, normK.Transposed(), opts)
	return redChannel(blurred)
}

// redChannel copies the R channel of an RGBA image into a gray image anchored
// at the origin. bild outputs replicate intensity across R, G and B.
func redChannel(rgba *image.RGBA) *image.Gray {
	b := rgba.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = rgba.Pix[y*rgba.Stride+x*4]
		}
	}
	return out
}

func checkKernelSize(name string, size int) error {
	if size < 3 || size%2 == 0 {
		return fmt.Errorf("%s must be odd and >= 3, got %d", name, size)
	}
	return nil
}

// clamp constrains an integer value to the range [min, max].
func clamp(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
