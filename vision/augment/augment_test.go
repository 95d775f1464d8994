package augment

import (
	"image"
	"image/color"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-matnet/vision/preprocessing"
)

// gradient creates a w x h image whose pixels encode their coordinates
func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 255 / max(w-1, 1)), uint8(y * 255 / max(h-1, 1)), 128, 255})
		}
	}
	return img
}

func sameImage(a, b *image.RGBA) bool {
	if a.Rect != b.Rect {
		return false
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			return false
		}
	}
	return true
}

func TestTransformsPreserveInput(t *testing.T) {
	transforms := append(Albumentation(), HorizontalFlip{P: 1}, NewRandAugment(3, 15))
	for _, tr := range transforms {
		t.Run(tr.Name(), func(t *testing.T) {
			src := gradient(24, 24)
			before := clone(src)
			rng := rand.New(rand.NewSource(7))
			for i := 0; i < 10; i++ {
				out := tr.Apply(src, rng)
				if out.Rect.Dx() != 24 || out.Rect.Dy() != 24 {
					t.Fatalf("Unexpected output size %v", out.Rect)
				}
				for j := 3; j < len(out.Pix); j += 4 {
					if out.Pix[j] != 255 {
						t.Fatalf("Alpha channel changed at %d: %d", j, out.Pix[j])
					}
				}
			}
			if !sameImage(src, before) {
				t.Error("Transform modified its input")
			}
		})
	}
}

func TestProbabilityZeroIsIdentity(t *testing.T) {
	src := gradient(16, 16)
	rng := rand.New(rand.NewSource(1))
	zero := []preprocessing.Transform{
		CLAHE{ClipLimit: 4, Grid: 8},
		RandomRotate90{},
		Transpose{},
		ShiftScaleRotate{ShiftLimit: 0.1, ScaleLimit: 0.5, RotateLimit: 45},
		Blur{Limit: 3},
		OpticalDistortion{DistortLimit: 0.05, ShiftLimit: 0.05},
		GridDistortion{Steps: 5, DistortLimit: 0.3},
		HueSaturationValue{HueShift: 20, SatShift: 30, ValShift: 20},
		HorizontalFlip{},
	}
	for _, tr := range zero {
		if out := tr.Apply(src, rng); out != src {
			t.Errorf("%s with P=0 should return its input", tr.Name())
		}
	}
}

func TestAlbumentationOrder(t *testing.T) {
	var names []string
	for _, tr := range Albumentation() {
		names = append(names, tr.Name())
	}
	want := "CLAHE RandomRotate90 Transpose ShiftScaleRotate Blur OpticalDistortion GridDistortion HueSaturationValue"
	if got := strings.Join(names, " "); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestGeometry(t *testing.T) {
	src := gradient(4, 3)
	src.SetRGBA(0, 0, color.RGBA{1, 2, 3, 255})

	t.Run("Rot90", func(t *testing.T) {
		r := Rot90(src, 1)
		if r.Rect.Dx() != 3 || r.Rect.Dy() != 4 {
			t.Fatalf("Unexpected size %v", r.Rect)
		}
		// Counter-clockwise: the top-left corner moves to the bottom-left
		if c := r.RGBAAt(0, 3); c.R != 1 || c.G != 2 {
			t.Errorf("Corner not rotated: %v", c)
		}
		if !sameImage(Rot90(Rot90(src, 2), 2), src) {
			t.Error("Two half turns should be the identity")
		}
		if Rot90(src, 4) != src {
			t.Error("Four quarter turns should return the input")
		}
	})

	t.Run("Transpose", func(t *testing.T) {
		tr := transpose(src)
		if tr.Rect.Dx() != 3 || tr.Rect.Dy() != 4 {
			t.Fatalf("Unexpected size %v", tr.Rect)
		}
		if tr.RGBAAt(2, 1) != src.RGBAAt(1, 2) {
			t.Error("Transpose should swap coordinates")
		}
		if !sameImage(transpose(tr), src) {
			t.Error("Double transpose should be the identity")
		}
	})

	t.Run("HorizontalFlip", func(t *testing.T) {
		f := HorizontalFlip{P: 1}.Apply(src, rand.New(rand.NewSource(1)))
		if f.RGBAAt(3, 0) != src.RGBAAt(0, 0) {
			t.Error("Flip should mirror columns")
		}
	})
}

func TestPixelOps(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.SetRGBA(0, 0, color.RGBA{50, 100, 200, 255})
	src.SetRGBA(1, 0, color.RGBA{150, 180, 250, 255})

	sol := Solarize(src, 128)
	if c := sol.RGBAAt(0, 0); c.R != 50 || c.G != 100 || c.B != 55 {
		t.Errorf("Unexpected solarized pixel %v", c)
	}

	post := Posterize(src, 4)
	if c := post.RGBAAt(1, 0); c.R != 144 || c.G != 176 || c.B != 240 {
		t.Errorf("Unexpected posterized pixel %v", c)
	}

	ac := AutoContrast(src)
	if c := ac.RGBAAt(0, 0); c.R != 0 || c.G != 0 || c.B != 0 {
		t.Errorf("Minimum should map to 0, got %v", c)
	}
	if c := ac.RGBAAt(1, 0); c.R != 255 || c.G != 255 || c.B != 255 {
		t.Errorf("Maximum should map to 255, got %v", c)
	}

	if !sameImage(Contrast(src, 1), src) {
		t.Error("Contrast with factor 1 should be the identity")
	}
	if c := Contrast(src, 0).RGBAAt(0, 0); c.R != c.G || c.G != c.B {
		t.Errorf("Contrast 0 should be flat gray, got %v", c)
	}
}

func TestEqualizeLUT(t *testing.T) {
	hist := make([]int, 256)
	hist[10] = 50
	hist[20] = 50
	lut := equalizeLUT(hist, 0)
	if lut[10] != 128 || lut[20] != 255 {
		t.Errorf("Unexpected mapping %d %d", lut[10], lut[20])
	}

	// Clipping limits how much contrast a spike can gain
	clipped := equalizeLUT(hist, 10)
	if clipped[10] >= lut[10] {
		t.Errorf("Clipped mapping should be flatter: %d vs %d", clipped[10], lut[10])
	}

	identity := equalizeLUT(make([]int, 256), 0)
	if identity[42] != 42 {
		t.Error("Empty histogram should map to the identity")
	}
}

func TestHSVRoundTrip(t *testing.T) {
	colors := []color.RGBA{{255, 0, 0, 255}, {12, 200, 99, 255}, {7, 7, 7, 255}, {240, 17, 250, 255}}
	for _, c := range colors {
		h, s, v := rgbToHSV(c.R, c.G, c.B)
		r, g, b := hsvToRGB(h, s, v)
		if absDiff(r, c.R) > 1 || absDiff(g, c.G) > 1 || absDiff(b, c.B) > 1 {
			t.Errorf("%v round trips to %d %d %d", c, r, g, b)
		}
	}
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}

func TestRandAugmentDeterministic(t *testing.T) {
	src := gradient(20, 20)
	ra := NewRandAugment(2, 9)
	a := ra.Apply(src, rand.New(rand.NewSource(3)))
	b := ra.Apply(src, rand.New(rand.NewSource(3)))
	if !sameImage(a, b) {
		t.Error("Same seed should give the same augmentation")
	}
	if ra.Name() != "RandAugment(2, 9)" {
		t.Errorf("Unexpected name %q", ra.Name())
	}
	if NewRandAugment(1, 99).M != MaxMagnitude {
		t.Error("Magnitude should be clamped")
	}
	if len(Ops) != 14 {
		t.Errorf("Expected 14 operations, got %d", len(Ops))
	}
}

func TestGridMapMonotonic(t *testing.T) {
	m := gridMap(50, 5, 0.3, rand.New(rand.NewSource(5)))
	if m[0] != 0 {
		t.Errorf("Grid map should start at 0, got %f", m[0])
	}
	for i := 1; i < len(m); i++ {
		if m[i] < m[i-1] {
			t.Fatalf("Grid map decreases at %d", i)
		}
		if m[i] > 49 {
			t.Fatalf("Grid map exceeds bounds at %d: %f", i, m[i])
		}
	}
}
