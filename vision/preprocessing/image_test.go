package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// createMockJPEGImage creates a simple colored JPEG image for testing
func createMockJPEGImage(width, height int, baseColor color.RGBA) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			factor := float64(x+y) / float64(width+height)
			r := uint8(float64(baseColor.R) * factor)
			g := uint8(float64(baseColor.G) * factor)
			b := uint8(float64(baseColor.B) * factor)
			img.Set(x, y, color.RGBA{r, g, b, 255})
		}
	}

	var buf bytes.Buffer
	err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes(), err
}

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestDecodeFormats(t *testing.T) {
	src := solidImage(10, 6, color.RGBA{10, 20, 30, 255})

	t.Run("JPEG", func(t *testing.T) {
		data, err := createMockJPEGImage(10, 6, color.RGBA{255, 128, 64, 255})
		if err != nil {
			t.Fatalf("Failed to create mock image: %v", err)
		}
		img, err := Decode(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("Failed to decode JPEG: %v", err)
		}
		if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 6 {
			t.Errorf("Unexpected bounds %v", img.Bounds())
		}
	})

	t.Run("PNGFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "img.png")
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, src); err != nil {
			t.Fatal(err)
		}
		f.Close()

		img, err := DecodeFile(path)
		if err != nil {
			t.Fatalf("Failed to decode PNG: %v", err)
		}
		r, g, b, _ := img.At(3, 3).RGBA()
		if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
			t.Errorf("Unexpected pixel %d %d %d", r>>8, g>>8, b>>8)
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		if _, err := Decode(bytes.NewReader([]byte("not an image"))); err == nil {
			t.Error("Expected error for invalid data")
		}
		if _, err := DecodeFile(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
			t.Error("Expected error for missing file")
		}
	})
}

func TestResize(t *testing.T) {
	src := solidImage(100, 50, color.RGBA{200, 100, 50, 255})
	dst := Resize(src, 32, 16)
	if dst.Rect.Dx() != 32 || dst.Rect.Dy() != 16 {
		t.Fatalf("Unexpected size %v", dst.Rect)
	}
	c := dst.RGBAAt(10, 8)
	near := func(a, b uint8) bool { return a-b <= 1 || b-a <= 1 }
	if !near(c.R, 200) || !near(c.G, 100) || !near(c.B, 50) {
		t.Errorf("Solid color not preserved: %v", c)
	}
}

func TestToTensorLayout(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{255, 0, 0, 255})
	img.SetRGBA(1, 0, color.RGBA{0, 255, 0, 255})
	img.SetRGBA(0, 1, color.RGBA{0, 0, 255, 255})
	img.SetRGBA(1, 1, color.RGBA{51, 102, 153, 255})

	data := ToTensor(img, nil)
	expected := []float32{
		1, 0, 0, 0.2, // R plane
		0, 1, 0, 0.4, // G plane
		0, 0, 1, 0.6, // B plane
	}
	if len(data) != len(expected) {
		t.Fatalf("Expected %d values, got %d", len(expected), len(data))
	}
	for i := range expected {
		if math.Abs(float64(data[i]-expected[i])) > 1e-6 {
			t.Errorf("value %d: expected %f, got %f", i, expected[i], data[i])
		}
	}

	// dst is reused when large enough
	buf := make([]float32, 20)
	out := ToTensor(img, buf)
	if &out[0] != &buf[0] || len(out) != 12 {
		t.Error("ToTensor should reuse a large enough buffer")
	}
}

func TestNormalize(t *testing.T) {
	data := []float32{0.485, 1, 0.456, 0, 0.406, 0.5}
	Normalize(data, ImageNetMean, ImageNetStd)
	if math.Abs(float64(data[0])) > 1e-6 || math.Abs(float64(data[2])) > 1e-6 || math.Abs(float64(data[4])) > 1e-6 {
		t.Errorf("Channel means should map to zero: %v", data)
	}
	want := (1 - 0.485) / 0.229
	if math.Abs(float64(data[1])-want) > 1e-5 {
		t.Errorf("Expected %f, got %f", want, data[1])
	}
}

func TestImageProcessorDecodeAndPreprocess(t *testing.T) {
	data, err := createMockJPEGImage(100, 80, color.RGBA{255, 128, 64, 255})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := NewImageProcessor(64).WithoutNormalization().DecodeAndPreprocess(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to preprocess image: %v", err)
	}
	if raw.Width != 64 || raw.Height != 64 || raw.Channels != 3 || len(raw.Data) != 3*64*64 {
		t.Fatalf("Unexpected processed image %dx%dx%d (%d values)", raw.Channels, raw.Height, raw.Width, len(raw.Data))
	}
	for i, v := range raw.Data {
		if v < 0 || v > 1 {
			t.Fatalf("value %d out of range: %f", i, v)
		}
	}

	norm, err := NewImageProcessor(64).DecodeAndPreprocess(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	want := (raw.Data[0] - ImageNetMean[0]) / ImageNetStd[0]
	if math.Abs(float64(norm.Data[0]-want)) > 1e-5 {
		t.Errorf("Expected normalized %f, got %f", want, norm.Data[0])
	}
}

type invert struct{}

func (invert) Name() string { return "Invert" }

func (invert) Apply(src *image.RGBA, _ *rand.Rand) *image.RGBA {
	dst := image.NewRGBA(src.Rect)
	for i := range src.Pix {
		if i%4 == 3 {
			dst.Pix[i] = src.Pix[i]
		} else {
			dst.Pix[i] = 255 - src.Pix[i]
		}
	}
	return dst
}

func TestPipeline(t *testing.T) {
	src := solidImage(40, 30, color.RGBA{0, 0, 0, 255})
	p := NewPipeline(16, invert{})
	p.Normalize = false

	if p.SampleSize() != 3*16*16 {
		t.Errorf("Unexpected sample size %d", p.SampleSize())
	}
	if p.String() != "Resize -> Invert -> ToTensor" {
		t.Errorf("Unexpected description %q", p.String())
	}

	prepared := p.Prepare(src)
	if prepared.Rect.Dx() != 16 {
		t.Fatalf("Prepare did not resize: %v", prepared.Rect)
	}
	out := p.Finish(prepared, rand.New(rand.NewSource(1)), nil)
	for _, v := range out {
		if v != 1 {
			t.Fatalf("Augmentation not applied, got %f", v)
		}
	}
	if prepared.Pix[0] != 0 {
		t.Error("Finish modified the prepared image")
	}

	// Already sized images are not resampled
	same := solidImage(16, 16, color.RGBA{1, 2, 3, 255})
	if p.Prepare(same) != same {
		t.Error("Prepare should return correctly sized RGBA images as is")
	}
}
