package preprocessing

import (
	"image"
	"math/rand"
	"strings"
)

// Transform is an image-to-image augmentation. Implementations must not
// modify src and may return it unchanged.
type Transform interface {
	Apply(src *image.RGBA, rng *rand.Rand) *image.RGBA
	Name() string
}

// Pipeline turns decoded images into normalized CHW tensors:
// resize, augment, to-tensor, normalize
type Pipeline struct {
	Size      int
	Augment   []Transform
	Mean, Std [3]float32
	Normalize bool
}

// NewPipeline creates a pipeline with ImageNet normalization
func NewPipeline(size int, augment ...Transform) *Pipeline {
	return &Pipeline{
		Size:      size,
		Augment:   augment,
		Mean:      ImageNetMean,
		Std:       ImageNetStd,
		Normalize: true,
	}
}

// SampleSize returns the number of values produced per image
func (p *Pipeline) SampleSize() int {
	return 3 * p.Size * p.Size
}

// Prepare resizes a decoded image to the pipeline size.
// Its output is deterministic and safe to cache.
func (p *Pipeline) Prepare(img image.Image) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == p.Size && b.Dy() == p.Size {
		return ToRGBA(img)
	}
	return Resize(img, p.Size, p.Size)
}

// Finish applies the augmentations and writes the tensor into dst
func (p *Pipeline) Finish(img *image.RGBA, rng *rand.Rand, dst []float32) []float32 {
	for _, t := range p.Augment {
		img = t.Apply(img, rng)
	}
	if b := img.Rect; b.Dx() != p.Size || b.Dy() != p.Size {
		img = Resize(img, p.Size, p.Size)
	}
	dst = ToTensor(img, dst)
	if p.Normalize {
		Normalize(dst, p.Mean, p.Std)
	}
	return dst
}

// Process runs the whole pipeline on a decoded image
func (p *Pipeline) Process(img image.Image, rng *rand.Rand, dst []float32) []float32 {
	return p.Finish(p.Prepare(img), rng, dst)
}

func (p *Pipeline) String() string {
	names := []string{"Resize"}
	for _, t := range p.Augment {
		names = append(names, t.Name())
	}
	names = append(names, "ToTensor")
	if p.Normalize {
		names = append(names, "Normalize")
	}
	return strings.Join(names, " -> ")
}
