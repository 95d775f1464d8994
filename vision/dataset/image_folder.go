package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DefaultExtensions are the image file extensions picked up by folder discovery
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".webp"}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class
type ImageFolderDataset struct {
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure.
// Classes are sorted by name so label indices do not depend on the filesystem.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list classes in %s", root)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			classes = append(classes, e.Name())
		}
	}
	sort.Strings(classes)

	dataset := newEmpty(classes)
	for idx, className := range classes {
		files, err := listImages(filepath.Join(root, className), extensions)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			dataset.add(file, idx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

func newEmpty(classNames []string) *ImageFolderDataset {
	d := &ImageFolderDataset{
		classNames: classNames,
		classToIdx: make(map[string]int, len(classNames)),
	}
	for i, name := range classNames {
		d.classToIdx[name] = i
	}
	return d
}

func (d *ImageFolderDataset) add(path string, label int) {
	d.imagePaths = append(d.imagePaths, path)
	d.labels = append(d.labels, label)
}

// withClasses relabels the dataset to the given class order
func (d *ImageFolderDataset) withClasses(classNames []string) (*ImageFolderDataset, error) {
	out := newEmpty(classNames)
	for i, path := range d.imagePaths {
		name := d.classNames[d.labels[i]]
		idx, ok := out.classToIdx[name]
		if !ok {
			return nil, errors.Errorf("class %q is not in the category list", name)
		}
		out.add(path, idx)
	}
	return out, nil
}

// listImages returns the sorted image files directly inside dir
func listImages(dir string, extensions []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range extensions {
			if ext == want {
				files = append(files, filepath.Join(dir, e.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassIndex returns the label of a class name
func (d *ImageFolderDataset) ClassIndex(name string) (int, bool) {
	idx, ok := d.classToIdx[name]
	return idx, ok
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// Split splits the dataset into train and validation sets.
// A nil rng keeps the original order.
func (d *ImageFolderDataset) Split(trainRatio float64, rng *rand.Rand) (*ImageFolderDataset, *ImageFolderDataset) {
	n := len(d.imagePaths)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// SplitPerClass splits every class separately so both halves keep the
// class balance. Each class is shuffled with rng (nil keeps file order)
// and its first trainRatio share goes to the training set.
func (d *ImageFolderDataset) SplitPerClass(trainRatio float64, rng *rand.Rand) (*ImageFolderDataset, *ImageFolderDataset) {
	byClass := make([][]int, len(d.classNames))
	for i, label := range d.labels {
		byClass[label] = append(byClass[label], i)
	}

	var train, val []int
	for _, indices := range byClass {
		if rng != nil {
			rng.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}
		cut := int(float64(len(indices)) * trainRatio)
		train = append(train, indices[:cut]...)
		val = append(val, indices[cut:]...)
	}
	return d.Subset(train), d.Subset(val)
}

// Subset creates a subset of the dataset with the specified indices
func (d *ImageFolderDataset) Subset(indices []int) *ImageFolderDataset {
	subset := &ImageFolderDataset{
		imagePaths: make([]string, len(indices)),
		labels:     make([]int, len(indices)),
		classNames: d.classNames,
		classToIdx: d.classToIdx,
	}

	for i, idx := range indices {
		subset.imagePaths[i] = d.imagePaths[idx]
		subset.labels[i] = d.labels[idx]
	}

	return subset
}

// FilterByClass creates a new dataset containing only samples from specified classes.
// Labels keep their original indices.
func (d *ImageFolderDataset) FilterByClass(classNames []string) *ImageFolderDataset {
	validClasses := make(map[int]bool)
	for _, className := range classNames {
		if idx, exists := d.classToIdx[className]; exists {
			validClasses[idx] = true
		}
	}

	var indices []int
	for i, label := range d.labels {
		if validClasses[label] {
			indices = append(indices, i)
		}
	}
	return d.Subset(indices)
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		sb.WriteString(fmt.Sprintf("  %s: %d samples\n", className, dist[className]))
	}

	return sb.String()
}
