package augment

import (
	"image"
	"math"
	"math/rand"

	"github.com/tsawler/go-matnet/vision/preprocessing"
)

// Albumentation returns the composed training augmentation:
// CLAHE, RandomRotate90, Transpose, ShiftScaleRotate, Blur,
// OpticalDistortion, GridDistortion, HueSaturationValue
func Albumentation() []preprocessing.Transform {
	return []preprocessing.Transform{
		CLAHE{ClipLimit: 4, Grid: 8, P: 0.5},
		RandomRotate90{P: 0.5},
		Transpose{P: 0.5},
		ShiftScaleRotate{ShiftLimit: 0.0625, ScaleLimit: 0.5, RotateLimit: 45, P: 0.75},
		Blur{Limit: 3, P: 0.5},
		OpticalDistortion{DistortLimit: 0.05, ShiftLimit: 0.05, P: 0.5},
		GridDistortion{Steps: 5, DistortLimit: 0.3, P: 0.5},
		HueSaturationValue{HueShift: 20, SatShift: 30, ValShift: 20, P: 0.5},
	}
}

func skip(p float64, rng *rand.Rand) bool {
	return rng.Float64() >= p
}

// CLAHE equalizes luminance with contrast-limited histograms over a Grid x Grid tiling
type CLAHE struct {
	ClipLimit float64
	Grid      int
	P         float64
}

func (t CLAHE) Name() string { return "CLAHE" }

func (t CLAHE) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	// albumentations draws the clip limit from [1, ClipLimit]
	return clahe(src, uniform(rng, 1, t.ClipLimit), t.Grid)
}

func clahe(src *image.RGBA, clipLimit float64, grid int) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	grid = max(1, min(grid, w, h))
	tw, th := (w+grid-1)/grid, (h+grid-1)/grid

	lum := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := y*src.Stride + 4*x
			lum[y*w+x] = clampU8(luma(src.Pix[o], src.Pix[o+1], src.Pix[o+2]))
		}
	}

	luts := make([][256]uint8, grid*grid)
	for ty := 0; ty < grid; ty++ {
		for tx := 0; tx < grid; tx++ {
			hist := make([]int, 256)
			n := 0
			for y := ty * th; y < min((ty+1)*th, h); y++ {
				for x := tx * tw; x < min((tx+1)*tw, w); x++ {
					hist[lum[y*w+x]]++
					n++
				}
			}
			clip := max(1, int(clipLimit*float64(n)/256))
			luts[ty*grid+tx] = equalizeLUT(hist, clip)
		}
	}

	// Bilinear interpolation between the mappings of the four nearest tile centers
	dst := clone(src)
	for y := 0; y < h; y++ {
		gy := (float64(y)+0.5)/float64(th) - 0.5
		y0 := int(math.Floor(gy))
		fy := gy - float64(y0)
		y1 := min(y0+1, grid-1)
		y0 = max(y0, 0)
		for x := 0; x < w; x++ {
			gx := (float64(x)+0.5)/float64(tw) - 0.5
			x0 := int(math.Floor(gx))
			fx := gx - float64(x0)
			x1 := min(x0+1, grid-1)
			x0 = max(x0, 0)

			v := lum[y*w+x]
			top := (1-fx)*float64(luts[y0*grid+x0][v]) + fx*float64(luts[y0*grid+x1][v])
			bottom := (1-fx)*float64(luts[y1*grid+x0][v]) + fx*float64(luts[y1*grid+x1][v])
			mapped := (1-fy)*top + fy*bottom

			scale := 1.0
			if v > 0 {
				scale = mapped / float64(v)
			}
			o := y*dst.Stride + 4*x
			for c := 0; c < 3; c++ {
				if v == 0 {
					dst.Pix[o+c] = clampU8(mapped)
				} else {
					dst.Pix[o+c] = clampU8(float64(src.Pix[o+c]) * scale)
				}
			}
		}
	}
	return dst
}

// RandomRotate90 rotates by a random multiple of 90 degrees
type RandomRotate90 struct {
	P float64
}

func (t RandomRotate90) Name() string { return "RandomRotate90" }

func (t RandomRotate90) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	return Rot90(src, rng.Intn(4))
}

// Rot90 rotates counter-clockwise k quarter turns
func Rot90(src *image.RGBA, k int) *image.RGBA {
	k = ((k % 4) + 4) % 4
	if k == 0 {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := w, h
	if k%2 == 1 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < dh; y++ {
		for x := 0; x < dw; x++ {
			var sx, sy int
			switch k {
			case 1:
				sx, sy = w-1-y, x
			case 2:
				sx, sy = w-1-x, h-1-y
			case 3:
				sx, sy = y, h-1-x
			}
			copy(dst.Pix[y*dst.Stride+4*x:y*dst.Stride+4*x+4], src.Pix[sy*src.Stride+4*sx:])
		}
	}
	return dst
}

// Transpose swaps rows and columns
type Transpose struct {
	P float64
}

func (t Transpose) Name() string { return "Transpose" }

func (t Transpose) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	return transpose(src)
}

func transpose(src *image.RGBA) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < w; y++ {
		for x := 0; x < h; x++ {
			copy(dst.Pix[y*dst.Stride+4*x:y*dst.Stride+4*x+4], src.Pix[x*src.Stride+4*y:])
		}
	}
	return dst
}

// ShiftScaleRotate applies a random affine transform around the center.
// Shift is a fraction of the image size, scale varies in 1 ± ScaleLimit and
// rotation in ± RotateLimit degrees.
type ShiftScaleRotate struct {
	ShiftLimit  float64
	ScaleLimit  float64
	RotateLimit float64
	P           float64
}

func (t ShiftScaleRotate) Name() string { return "ShiftScaleRotate" }

func (t ShiftScaleRotate) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	angle := uniform(rng, -t.RotateLimit, t.RotateLimit) * math.Pi / 180
	scale := 1 + uniform(rng, -t.ScaleLimit, t.ScaleLimit)
	tx := uniform(rng, -t.ShiftLimit, t.ShiftLimit) * float64(src.Rect.Dx())
	ty := uniform(rng, -t.ShiftLimit, t.ShiftLimit) * float64(src.Rect.Dy())
	sin, cos := math.Sincos(angle)
	return warpAffine(src, centered(src.Rect, scale*cos, -scale*sin, scale*sin, scale*cos, tx, ty))
}

// Blur is a box blur with a random odd kernel size in [3, Limit]
type Blur struct {
	Limit int
	P     float64
}

func (t Blur) Name() string { return "Blur" }

func (t Blur) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	sizes := []int{}
	for k := 3; k <= max(t.Limit, 3); k += 2 {
		sizes = append(sizes, k)
	}
	return boxBlur(src, sizes[rng.Intn(len(sizes))])
}

func boxBlur(src *image.RGBA, k int) *image.RGBA {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	r := k / 2
	dst := clone(src)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [3]float64
			n := 0
			for yy := max(0, y-r); yy <= min(h-1, y+r); yy++ {
				for xx := max(0, x-r); xx <= min(w-1, x+r); xx++ {
					o := yy*src.Stride + 4*xx
					acc[0] += float64(src.Pix[o])
					acc[1] += float64(src.Pix[o+1])
					acc[2] += float64(src.Pix[o+2])
					n++
				}
			}
			o := y*dst.Stride + 4*x
			for c := 0; c < 3; c++ {
				dst.Pix[o+c] = clampU8(acc[c] / float64(n))
			}
		}
	}
	return dst
}

// OpticalDistortion applies radial barrel or pincushion distortion
type OpticalDistortion struct {
	DistortLimit float64
	ShiftLimit   float64
	P            float64
}

func (t OpticalDistortion) Name() string { return "OpticalDistortion" }

func (t OpticalDistortion) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	k := uniform(rng, -t.DistortLimit, t.DistortLimit)
	w, h := float64(src.Rect.Dx()), float64(src.Rect.Dy())
	cx := w/2 + uniform(rng, -t.ShiftLimit, t.ShiftLimit)*w
	cy := h/2 + uniform(rng, -t.ShiftLimit, t.ShiftLimit)*h
	return remap(src, func(x, y float64) (float64, float64) {
		nx, ny := (x-cx)/w, (y-cy)/h
		r2 := nx*nx + ny*ny
		f := 1 + k*r2 + k*r2*r2
		return cx + nx*f*w, cy + ny*f*h
	})
}

// GridDistortion stretches the cells of a Steps x Steps grid independently
type GridDistortion struct {
	Steps        int
	DistortLimit float64
	P            float64
}

func (t GridDistortion) Name() string { return "GridDistortion" }

func (t GridDistortion) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	xs := gridMap(src.Rect.Dx(), t.Steps, t.DistortLimit, rng)
	ys := gridMap(src.Rect.Dy(), t.Steps, t.DistortLimit, rng)
	return remap(src, func(x, y float64) (float64, float64) {
		return xs[int(x)], ys[int(y)]
	})
}

// gridMap returns the source coordinate of each destination coordinate along one axis
func gridMap(size, steps int, limit float64, rng *rand.Rand) []float64 {
	steps = max(1, steps)
	cell := float64(size) / float64(steps)
	out := make([]float64, size)
	prev := 0.0
	for s := 0; s < steps; s++ {
		factor := 1 + uniform(rng, -limit, limit)
		start := int(float64(s) * cell)
		end := int(float64(s+1) * cell)
		if s == steps-1 {
			end = size
		}
		for i := start; i < end; i++ {
			out[i] = prev + float64(i-start)*factor
		}
		prev += float64(end-start) * factor
	}
	for i := range out {
		out[i] = math.Min(out[i], float64(size-1))
	}
	return out
}

// HueSaturationValue shifts hue (OpenCV half-degree units), saturation
// and value (0..255 units) by random amounts within the limits
type HueSaturationValue struct {
	HueShift float64
	SatShift float64
	ValShift float64
	P        float64
}

func (t HueSaturationValue) Name() string { return "HueSaturationValue" }

func (t HueSaturationValue) Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA {
	if skip(t.P, rng) {
		return src
	}
	dh := uniform(rng, -t.HueShift, t.HueShift) * 2
	ds := uniform(rng, -t.SatShift, t.SatShift) / 255
	dv := uniform(rng, -t.ValShift, t.ValShift) / 255
	return mapPixels(src, func(r, g, b uint8) (uint8, uint8, uint8) {
		hue, s, v := rgbToHSV(r, g, b)
		hue = math.Mod(hue+dh+360, 360)
		s = math.Max(0, math.Min(1, s+ds))
		v = math.Max(0, math.Min(1, v+dv))
		return hsvToRGB(hue, s, v)
	})
}

func rgbToHSV(r, g, b uint8) (float64, float64, float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	hi := math.Max(rf, math.Max(gf, bf))
	lo := math.Min(rf, math.Min(gf, bf))
	d := hi - lo
	var h float64
	switch {
	case d == 0:
		h = 0
	case hi == rf:
		h = 60 * math.Mod((gf-bf)/d, 6)
	case hi == gf:
		h = 60 * ((bf-rf)/d + 2)
	default:
		h = 60 * ((rf-gf)/d + 4)
	}
	if h < 0 {
		h += 360
	}
	s := 0.0
	if hi > 0 {
		s = d / hi
	}
	return h, s, hi
}

func hsvToRGB(h, s, v float64) (uint8, uint8, uint8) {
	c := v * s
	x := c * (1 - math.Abs(math.Mod(h/60, 2)-1))
	m := v - c
	var r, g, b float64
	switch {
	case h < 60:
		r, g, b = c, x, 0
	case h < 120:
		r, g, b = x, c, 0
	case h < 180:
		r, g, b = 0, c, x
	case h < 240:
		r, g, b = 0, x, c
	case h < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return clampU8((r + m) * 255), clampU8((g + m) * 255), clampU8((b + m) * 255)
}
