package augment

import (
	"fmt"
	"image"
	"math"
	"math/rand"
)

// MaxMagnitude is the top of the RandAugment magnitude scale
const MaxMagnitude = 30

// Op is one RandAugment operation at a magnitude level in [0, 1]
type Op struct {
	Name  string
	Apply func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA
}

// Ops lists the RandAugment operations
var Ops = []Op{
	{"Identity", func(src *image.RGBA, _ float64, _ *rand.Rand) *image.RGBA { return src }},
	{"AutoContrast", func(src *image.RGBA, _ float64, _ *rand.Rand) *image.RGBA { return AutoContrast(src) }},
	{"Equalize", func(src *image.RGBA, _ float64, _ *rand.Rand) *image.RGBA { return Equalize(src) }},
	{"Rotate", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		return Rotate(src, randomSign(rng)*level*30)
	}},
	{"Solarize", func(src *image.RGBA, level float64, _ *rand.Rand) *image.RGBA {
		return Solarize(src, 256-level*256)
	}},
	{"Color", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		return blend(grayscale(src), src, enhanceFactor(level, rng))
	}},
	{"Posterize", func(src *image.RGBA, level float64, _ *rand.Rand) *image.RGBA {
		return Posterize(src, 8-int(level*4))
	}},
	{"Contrast", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		return Contrast(src, enhanceFactor(level, rng))
	}},
	{"Brightness", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		return blend(opaque(src.Rect), src, enhanceFactor(level, rng))
	}},
	{"Sharpness", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		smooth := convolve3(src, [9]float64{1, 1, 1, 1, 5, 1, 1, 1, 1})
		return blend(smooth, src, enhanceFactor(level, rng))
	}},
	{"ShearX", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		return warpAffine(src, centered(src.Rect, 1, randomSign(rng)*level*0.3, 0, 1, 0, 0))
	}},
	{"ShearY", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		return warpAffine(src, centered(src.Rect, 1, 0, randomSign(rng)*level*0.3, 1, 0, 0))
	}},
	{"TranslateX", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		tx := randomSign(rng) * level * 0.45 * float64(src.Rect.Dx())
		return warpAffine(src, centered(src.Rect, 1, 0, 0, 1, tx, 0))
	}},
	{"TranslateY", func(src *image.RGBA, level float64, rng *rand.Rand) *image.RGBA {
		ty := randomSign(rng) * level * 0.45 * float64(src.Rect.Dy())
		return warpAffine(src, centered(src.Rect, 1, 0, 0, 1, 0, ty))
	}},
}

// enhanceFactor maps a level to a PIL enhancement factor in [0.1, 1.9]
func enhanceFactor(level float64, rng *rand.Rand) float64 {
	return 1 + randomSign(rng)*level*0.9
}

// RandAugment applies N operations drawn uniformly from Ops at magnitude M
type RandAugment struct {
	N int
	M int
}

// NewRandAugment creates a RandAugment transform; m is clamped to [0, MaxMagnitude]
func NewRandAugment(n, m int) *RandAugment {
	return &RandAugment{N: max(n, 0), M: min(max(m, 0), MaxMagnitude)}
}

func (t *RandAugment) Name() string { return fmt.Sprintf("RandAugment(%d, %d)", t.N, t.M) }

func (t *RandAugment) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	level := float64(t.M) / MaxMagnitude
	for i := 0; i < t.N; i++ {
		src = Ops[rng.Intn(len(Ops))].Apply(src, level, rng)
	}
	return src
}

// Rotate turns the image by deg degrees (counter-clockwise) around its center
func Rotate(src *image.RGBA, deg float64) *image.RGBA {
	sin, cos := math.Sincos(-deg * math.Pi / 180)
	return warpAffine(src, centered(src.Rect, cos, -sin, sin, cos, 0, 0))
}

// Solarize inverts every channel value at or above threshold
func Solarize(src *image.RGBA, threshold float64) *image.RGBA {
	inv := func(v uint8) uint8 {
		if float64(v) >= threshold {
			return 255 - v
		}
		return v
	}
	return mapPixels(src, func(r, g, b uint8) (uint8, uint8, uint8) {
		return inv(r), inv(g), inv(b)
	})
}

// Posterize keeps the top bits of each channel
func Posterize(src *image.RGBA, bits int) *image.RGBA {
	bits = min(max(bits, 1), 8)
	mask := uint8(0xff << (8 - bits))
	return mapPixels(src, func(r, g, b uint8) (uint8, uint8, uint8) {
		return r & mask, g & mask, b & mask
	})
}

// Contrast blends the image with its mean gray level
func Contrast(src *image.RGBA, factor float64) *image.RGBA {
	var sum float64
	n := 0
	for i := 0; i+3 < len(src.Pix); i += 4 {
		sum += luma(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
		n++
	}
	mean := clampU8(sum / float64(max(n, 1)))
	gray := mapPixels(src, func(_, _, _ uint8) (uint8, uint8, uint8) { return mean, mean, mean })
	return blend(gray, src, factor)
}

// AutoContrast stretches each channel to the full [0, 255] range
func AutoContrast(src *image.RGBA) *image.RGBA {
	lo := [3]uint8{255, 255, 255}
	var hi [3]uint8
	for i := 0; i+3 < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			lo[c] = min(lo[c], src.Pix[i+c])
			hi[c] = max(hi[c], src.Pix[i+c])
		}
	}
	var lut [3][256]uint8
	for c := 0; c < 3; c++ {
		for v := 0; v < 256; v++ {
			if hi[c] <= lo[c] {
				lut[c][v] = uint8(v)
				continue
			}
			lut[c][v] = clampU8(float64(v-int(lo[c])) * 255 / float64(hi[c]-lo[c]))
		}
	}
	return applyLUT(src, lut)
}

// Equalize flattens the histogram of each channel
func Equalize(src *image.RGBA) *image.RGBA {
	var lut [3][256]uint8
	for c := 0; c < 3; c++ {
		var hist [256]int
		for i := c; i < len(src.Pix); i += 4 {
			hist[src.Pix[i]]++
		}
		lut[c] = equalizeLUT(hist[:], 0)
	}
	return applyLUT(src, lut)
}

// equalizeLUT maps a histogram through its normalized cumulative distribution.
// With clip > 0 counts above clip are redistributed evenly first (CLAHE).
func equalizeLUT(hist []int, clip int) [256]uint8 {
	var lut [256]uint8
	counts := make([]float64, len(hist))
	total := 0.0
	for i, h := range hist {
		counts[i] = float64(h)
		total += counts[i]
	}
	if total == 0 {
		for v := range lut {
			lut[v] = uint8(v)
		}
		return lut
	}
	if clip > 0 {
		excess := 0.0
		for i := range counts {
			if counts[i] > float64(clip) {
				excess += counts[i] - float64(clip)
				counts[i] = float64(clip)
			}
		}
		for i := range counts {
			counts[i] += excess / float64(len(counts))
		}
	}
	cdf := 0.0
	for v := range lut {
		cdf += counts[v]
		lut[v] = clampU8(cdf / total * 255)
	}
	return lut
}

func applyLUT(src *image.RGBA, lut [3][256]uint8) *image.RGBA {
	return mapPixels(src, func(r, g, b uint8) (uint8, uint8, uint8) {
		return lut[0][r], lut[1][g], lut[2][b]
	})
}
