package dataloader

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"github.com/tsawler/go-matnet/vision/preprocessing"
)

// ImageLoader decodes an image file and runs it through a pipeline. The
// resized image is cached before augmentation, so every epoch sees fresh
// augmentations of cached pixels.
type ImageLoader struct {
	Pipeline *preprocessing.Pipeline
	Cache    *Cache
}

// NewImageLoader creates a loader; cache may be nil
func NewImageLoader(pipeline *preprocessing.Pipeline, cache *Cache) *ImageLoader {
	return &ImageLoader{Pipeline: pipeline, Cache: cache}
}

// Load implements dataset.Loader
func (l *ImageLoader) Load(path string, rng *rand.Rand) ([]float32, error) {
	key := fmt.Sprintf("%s@%d", path, l.Pipeline.Size)
	img, ok := l.Cache.Get(key)
	if !ok {
		decoded, err := preprocessing.DecodeFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "decode")
		}
		img = l.Pipeline.Prepare(decoded)
		l.Cache.Put(key, img)
	}
	return l.Pipeline.Finish(img, rng, nil), nil
}
