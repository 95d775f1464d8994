package preprocessing

import (
	"image"
	_ "image/gif" // register decoders
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ImageNet channel statistics used by the pretrained backbones
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Decode decodes a JPEG, PNG, GIF, BMP or WebP image
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	return img, nil
}

// DecodeFile opens and decodes an image file
func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := Decode(f)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

// Resize scales src to w x h with bilinear filtering. The aspect ratio is not preserved.
func Resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// ToRGBA returns img as *image.RGBA anchored at the origin, copying when needed
func ToRGBA(img image.Image) *image.RGBA {
	if m, ok := img.(*image.RGBA); ok && m.Rect.Min == (image.Point{}) {
		return m
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// ToTensor writes img into dst as CHW float32 in [0, 1].
// dst is allocated when it is too small.
func ToTensor(img *image.RGBA, dst []float32) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	if len(dst) < 3*plane {
		dst = make([]float32, 3*plane)
	}
	dst = dst[:3*plane]
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			idx := y*w + x
			dst[idx] = float32(row[4*x]) / 255
			dst[plane+idx] = float32(row[4*x+1]) / 255
			dst[2*plane+idx] = float32(row[4*x+2]) / 255
		}
	}
	return dst
}

// Normalize standardizes each channel of a CHW tensor in place
func Normalize(data []float32, mean, std [3]float32) {
	plane := len(data) / 3
	for c := 0; c < 3; c++ {
		ch := data[c*plane : (c+1)*plane]
		for i := range ch {
			ch[i] = (ch[i] - mean[c]) / std[c]
		}
	}
}

// ImageProcessor decodes, resizes and normalizes images for network input
type ImageProcessor struct {
	targetSize int
	mean, std  [3]float32
	normalize  bool
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// tensors normalized with the ImageNet statistics
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		mean:       ImageNetMean,
		std:        ImageNetStd,
		normalize:  true,
	}
}

// WithoutNormalization makes the processor emit raw [0, 1] values
func (p *ImageProcessor) WithoutNormalization() *ImageProcessor {
	p.normalize = false
	return p
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeAndPreprocess decodes an image and returns it as a CHW tensor
func (p *ImageProcessor) DecodeAndPreprocess(r io.Reader) (*ProcessedImage, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return p.Preprocess(img), nil
}

// Preprocess resizes and converts a decoded image
func (p *ImageProcessor) Preprocess(img image.Image) *ProcessedImage {
	resized := Resize(img, p.targetSize, p.targetSize)
	data := ToTensor(resized, nil)
	if p.normalize {
		Normalize(data, p.mean, p.std)
	}
	return &ProcessedImage{
		Data:     data,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: 3,
	}
}
