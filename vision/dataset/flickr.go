package dataset

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Image sets
const (
	Train = "train"
	Val   = "val"
	Test  = "test"
)

// FlickrClasses are the ten categories of the Flickr Material Database
var FlickrClasses = []string{
	"fabric", "foliage", "glass", "leather", "metal",
	"paper", "plastic", "stone", "water", "wood",
}

// NewFlickr loads one image set of the Flickr Material Database from
// <root>/image/<class>/*. When <root>/<set>.txt exists it lists the images
// of the set, one path relative to root per line. Otherwise every class is
// shuffled with seed and split in halves, the first half being the
// training set.
func NewFlickr(root, imageSet string, seed int64) (*ImageFolderDataset, error) {
	if imageSet != Train && imageSet != Val {
		return nil, errors.Errorf("unknown Flickr image set %q", imageSet)
	}

	all, err := NewImageFolderDataset(filepath.Join(root, "image"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load Flickr images")
	}

	listPath := filepath.Join(root, imageSet+".txt")
	if _, err := os.Stat(listPath); err == nil {
		d, err := fromListFile(root, listPath, all.classNames)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("Flickr %s: %d images from %s", imageSet, d.Len(), listPath)
		return d, nil
	}

	train, val := all.SplitPerClass(0.5, rand.New(rand.NewSource(seed)))
	if imageSet == Train {
		return train, nil
	}
	return val, nil
}

// fromListFile reads a split file of image paths relative to root.
// The class of an image is the name of its parent directory.
func fromListFile(root, listPath string, classNames []string) (*ImageFolderDataset, error) {
	f, err := os.Open(listPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open split file")
	}
	defer f.Close()

	d := newEmpty(classNames)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		rel := strings.TrimSpace(scanner.Text())
		if rel == "" || strings.HasPrefix(rel, "#") {
			continue
		}
		class := filepath.Base(filepath.Dir(filepath.FromSlash(rel)))
		label, ok := d.classToIdx[class]
		if !ok {
			return nil, errors.Errorf("%s:%d: unknown class %q", listPath, line, class)
		}
		d.add(filepath.Join(root, filepath.FromSlash(rel)), label)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", listPath)
	}
	if d.Len() == 0 {
		return nil, errors.Errorf("split file %s lists no images", listPath)
	}
	return d, nil
}
