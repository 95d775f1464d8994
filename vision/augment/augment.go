// Package augment implements the training-time image augmentations:
// RandAugment, the albumentations-style pipeline and random flips.
// Every transform leaves its input untouched and draws randomness only
// from the *rand.Rand it is given, so each loader worker owns its stream.
package augment

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

func clone(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	copy(dst.Pix, src.Pix)
	return dst
}

func clampU8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

func randomSign(rng *rand.Rand) float64 {
	if rng.Intn(2) == 0 {
		return -1
	}
	return 1
}

func luma(r, g, b uint8) float64 {
	return 0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)
}

// mapPixels applies fn to the RGB values of every pixel
func mapPixels(src *image.RGBA, fn func(r, g, b uint8) (uint8, uint8, uint8)) *image.RGBA {
	dst := clone(src)
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = fn(dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2])
	}
	return dst
}

// blend returns degenerate + factor*(src - degenerate), the PIL enhancement rule
func blend(degenerate, src *image.RGBA, factor float64) *image.RGBA {
	dst := clone(src)
	for i := range dst.Pix {
		if i%4 == 3 {
			continue
		}
		d := float64(degenerate.Pix[i])
		dst.Pix[i] = clampU8(d + factor*(float64(src.Pix[i])-d))
	}
	return dst
}

func grayscale(src *image.RGBA) *image.RGBA {
	return mapPixels(src, func(r, g, b uint8) (uint8, uint8, uint8) {
		l := clampU8(luma(r, g, b))
		return l, l, l
	})
}

func opaque(r image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(r)
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 255
	}
	return dst
}

// centered builds a source-to-destination affine map that applies the
// linear part [a b; d e] around the image center, then shifts by (tx, ty)
func centered(r image.Rectangle, a, b, d, e, tx, ty float64) f64.Aff3 {
	cx := float64(r.Min.X) + float64(r.Dx())/2
	cy := float64(r.Min.Y) + float64(r.Dy())/2
	return f64.Aff3{
		a, b, cx + tx - a*cx - b*cy,
		d, e, cy + ty - d*cx - e*cy,
	}
}

// warpAffine resamples src through the affine map. Uncovered pixels are black.
func warpAffine(src *image.RGBA, s2d f64.Aff3) *image.RGBA {
	dst := opaque(src.Rect)
	draw.BiLinear.Transform(dst, s2d, src, src.Rect, draw.Src, nil)
	return dst
}

// remap builds each output pixel by bilinear sampling src at fn(x, y).
// Coordinates outside the image are clamped to the border.
func remap(src *image.RGBA, fn func(x, y float64) (float64, float64)) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := opaque(src.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sx, sy := fn(float64(x), float64(y))
			sx = math.Max(0, math.Min(float64(w-1), sx))
			sy = math.Max(0, math.Min(float64(h-1), sy))
			x0, y0 := int(sx), int(sy)
			x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
			fx, fy := sx-float64(x0), sy-float64(y0)
			o := y*dst.Stride + 4*x
			for c := 0; c < 3; c++ {
				p00 := float64(src.Pix[y0*src.Stride+4*x0+c])
				p01 := float64(src.Pix[y0*src.Stride+4*x1+c])
				p10 := float64(src.Pix[y1*src.Stride+4*x0+c])
				p11 := float64(src.Pix[y1*src.Stride+4*x1+c])
				top := p00 + fx*(p01-p00)
				bottom := p10 + fx*(p11-p10)
				dst.Pix[o+c] = clampU8(top + fy*(bottom-top))
			}
		}
	}
	return dst
}

// convolve3 applies a normalized 3x3 kernel; the one-pixel border is copied
func convolve3(src *image.RGBA, k [9]float64) *image.RGBA {
	var sum float64
	for _, v := range k {
		sum += v
	}
	dst := clone(src)
	w, h := src.Rect.Dx(), src.Rect.Dy()
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			for c := 0; c < 3; c++ {
				var acc float64
				for ky := -1; ky <= 1; ky++ {
					for kx := -1; kx <= 1; kx++ {
						acc += k[(ky+1)*3+kx+1] * float64(src.Pix[(y+ky)*src.Stride+4*(x+kx)+c])
					}
				}
				dst.Pix[y*dst.Stride+4*x+c] = clampU8(acc / sum)
			}
		}
	}
	return dst
}

// HorizontalFlip mirrors the image left to right with probability P
type HorizontalFlip struct {
	P float64
}

func (t HorizontalFlip) Name() string { return "HorizontalFlip" }

func (t HorizontalFlip) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if rng.Float64() >= t.P {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(src.Rect)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			copy(dst.Pix[y*dst.Stride+4*x:y*dst.Stride+4*x+4], src.Pix[y*src.Stride+4*(w-1-x):])
		}
	}
	return dst
}
