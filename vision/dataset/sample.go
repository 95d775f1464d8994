package dataset

import (
	"math/rand"

	"github.com/pkg/errors"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Sample is one preprocessed image with its label. Target is the
// (possibly soft) class distribution used by the loss; Label is its argmax.
type Sample struct {
	Data   []float32
	Label  int
	Target []float32
}

// Items is an indexed list of labeled image paths
type Items interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
	NumClasses() int
	ClassNames() []string
}

// Loader decodes and transforms one image into a CHW tensor
type Loader interface {
	Load(path string, rng *rand.Rand) ([]float32, error)
}

// Dataset produces samples. rng drives augmentation and mixup; loader
// workers each pass their own.
type Dataset interface {
	Len() int
	NumClasses() int
	Get(index int, rng *rand.Rand) (Sample, error)
}

// ImageDataset joins an item list with an image loader
type ImageDataset struct {
	Items  Items
	Loader Loader
}

// NewImageDataset creates a dataset reading items through loader
func NewImageDataset(items Items, loader Loader) *ImageDataset {
	return &ImageDataset{Items: items, Loader: loader}
}

func (d *ImageDataset) Len() int { return d.Items.Len() }

func (d *ImageDataset) NumClasses() int { return d.Items.NumClasses() }

// Get loads the image at index with a one-hot target
func (d *ImageDataset) Get(index int, rng *rand.Rand) (Sample, error) {
	path, label, err := d.Items.GetItem(index)
	if err != nil {
		return Sample{}, err
	}
	data, err := d.Loader.Load(path, rng)
	if err != nil {
		return Sample{}, errors.Wrapf(err, "failed to load %s", path)
	}
	return Sample{Data: data, Label: label, Target: OneHot(label, d.NumClasses())}, nil
}

// OneHot returns a target vector with all mass on label
func OneHot(label, numClasses int) []float32 {
	t := make([]float32, numClasses)
	if label >= 0 && label < numClasses {
		t[label] = 1
	}
	return t
}

// Mixup blends every sample with a random partner from the same dataset:
// x = lam*x1 + (1-lam)*x2 and y = lam*y1 + (1-lam)*y2 with lam ~ Beta(alpha, alpha)
type Mixup struct {
	Base  Dataset
	Alpha float64
}

// NewMixup wraps base; alpha <= 0 disables blending
func NewMixup(base Dataset, alpha float64) *Mixup {
	return &Mixup{Base: base, Alpha: alpha}
}

func (m *Mixup) Len() int { return m.Base.Len() }

func (m *Mixup) NumClasses() int { return m.Base.NumClasses() }

func (m *Mixup) Get(index int, rng *rand.Rand) (Sample, error) {
	a, err := m.Base.Get(index, rng)
	if err != nil || m.Alpha <= 0 {
		return a, err
	}
	b, err := m.Base.Get(rng.Intn(m.Base.Len()), rng)
	if err != nil {
		return Sample{}, errors.Wrap(err, "failed to load mixup partner")
	}
	if len(a.Data) != len(b.Data) || len(a.Target) != len(b.Target) {
		return Sample{}, errors.Errorf("mixup partner shape mismatch: %d vs %d", len(a.Data), len(b.Data))
	}

	lam := m.lambda(rng)
	mixed := Sample{
		Data:   make([]float32, len(a.Data)),
		Target: make([]float32, len(a.Target)),
	}
	l := float32(lam)
	for i := range a.Data {
		mixed.Data[i] = l*a.Data[i] + (1-l)*b.Data[i]
	}
	for i := range a.Target {
		mixed.Target[i] = l*a.Target[i] + (1-l)*b.Target[i]
	}
	mixed.Label = Argmax(mixed.Target)
	return mixed, nil
}

func (m *Mixup) lambda(rng *rand.Rand) float64 {
	beta := distuv.Beta{
		Alpha: m.Alpha,
		Beta:  m.Alpha,
		Src:   exprand.NewSource(uint64(rng.Int63())),
	}
	return beta.Rand()
}

// Argmax returns the index of the largest value, the first on ties
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
