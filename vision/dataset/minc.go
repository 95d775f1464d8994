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

// NewMINC loads one image set of MINC-2500. The dataset lives in
// <root>/minc or directly in root, with images under images/<class>,
// split lists labels/{train,validate,test}1.txt and the class order in
// categories.txt. Without split lists the image folders are split per
// class, half for training.
func NewMINC(root, imageSet string, seed int64) (*ImageFolderDataset, error) {
	base := filepath.Join(root, "minc")
	if info, err := os.Stat(base); err != nil || !info.IsDir() {
		base = root
	}

	var listName string
	switch imageSet {
	case Train:
		listName = "train1.txt"
	case Val:
		listName = "validate1.txt"
	case Test:
		listName = "test1.txt"
	default:
		return nil, errors.Errorf("unknown MINC image set %q", imageSet)
	}

	all, err := NewImageFolderDataset(filepath.Join(base, "images"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load MINC images")
	}

	if names, err := readCategories(filepath.Join(base, "categories.txt")); err == nil {
		if all, err = all.withClasses(names); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(errors.Cause(err)) {
		return nil, err
	}

	listPath := filepath.Join(base, "labels", listName)
	if _, err := os.Stat(listPath); err == nil {
		return fromListFile(base, listPath, all.classNames)
	}

	klog.Warningf("MINC split list %s not found, splitting image folders", listPath)
	train, val := all.SplitPerClass(0.5, rand.New(rand.NewSource(seed)))
	if imageSet == Train {
		return train, nil
	}
	return val, nil
}

// readCategories reads one class name per line
func readCategories(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open categories")
	}
	defer f.Close()

	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read categories")
	}
	if len(names) == 0 {
		return nil, errors.Errorf("%s lists no categories", path)
	}
	return names, nil
}
