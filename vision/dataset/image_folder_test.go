package dataset

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestDataset creates a temporary directory structure with test images
func createTestDataset(t *testing.T, classes []string, imagesPerClass int) string {
	tempDir := t.TempDir()
	populate(t, tempDir, classes, imagesPerClass)
	return tempDir
}

func populate(t *testing.T, root string, classes []string, imagesPerClass int) {
	for _, className := range classes {
		classDir := filepath.Join(root, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", classDir, err)
		}

		for i := 0; i < imagesPerClass; i++ {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%02d.jpg", i))
			if err := createMockImageFile(imagePath); err != nil {
				t.Fatalf("Failed to create mock image %s: %v", imagePath, err)
			}
		}
	}
}

// createMockImageFile creates a simple file to simulate an image
func createMockImageFile(path string) error {
	return os.WriteFile(path, []byte("mock image content"), 0644)
}

// TestNewImageFolderDataset tests dataset creation from directory structure
func TestNewImageFolderDataset(t *testing.T) {
	t.Run("ValidDataset", func(t *testing.T) {
		classes := []string{"dog", "cat", "bird"}
		imagesPerClass := 5
		tempDir := createTestDataset(t, classes, imagesPerClass)

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		expectedTotal := len(classes) * imagesPerClass
		if dataset.Len() != expectedTotal {
			t.Errorf("Expected %d images, got %d", expectedTotal, dataset.Len())
		}

		// Classes are sorted
		want := []string{"bird", "cat", "dog"}
		for i, name := range dataset.ClassNames() {
			if name != want[i] {
				t.Errorf("Expected class %s at %d, got %s", want[i], i, name)
			}
		}
		if idx, ok := dataset.ClassIndex("dog"); !ok || idx != 2 {
			t.Errorf("Expected dog at index 2, got %d", idx)
		}

		dist := dataset.ClassDistribution()
		for _, className := range classes {
			if dist[className] != imagesPerClass {
				t.Errorf("Expected %d images for class %s, got %d", imagesPerClass, className, dist[className])
			}
		}
	})

	t.Run("CustomExtensions", func(t *testing.T) {
		tempDir := t.TempDir()
		classDir := filepath.Join(tempDir, "test_class")
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory: %v", err)
		}

		extensions := []string{".jpg", ".PNG", ".bmp", ".txt"}
		for i, ext := range extensions {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%d%s", i, ext))
			if err := createMockImageFile(imagePath); err != nil {
				t.Fatalf("Failed to create image: %v", err)
			}
		}

		dataset, err := NewImageFolderDataset(tempDir, []string{".jpg", ".png"})
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 2 {
			t.Errorf("Expected 2 images, got %d", dataset.Len())
		}

		dataset, err = NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 3 {
			t.Errorf("Expected 3 images with default extensions, got %d", dataset.Len())
		}
	})

	t.Run("EmptyDirectory", func(t *testing.T) {
		_, err := NewImageFolderDataset(t.TempDir(), nil)
		if err == nil {
			t.Fatal("Expected error for empty directory")
		}
		if !strings.Contains(err.Error(), "no images found") {
			t.Errorf("Expected 'no images found' error, got: %v", err)
		}
	})

	t.Run("NonexistentDirectory", func(t *testing.T) {
		if _, err := NewImageFolderDataset("/nonexistent/path", nil); err == nil {
			t.Error("Expected error for nonexistent directory")
		}
	})

	t.Run("ClassWithNoImages", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"full_class"}, 3)
		if err := os.MkdirAll(filepath.Join(tempDir, "empty_class"), 0755); err != nil {
			t.Fatal(err)
		}

		dataset, err := NewImageFolderDataset(tempDir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 3 || dataset.NumClasses() != 2 {
			t.Errorf("Expected 3 images in 2 classes, got %d in %d", dataset.Len(), dataset.NumClasses())
		}
		if dataset.ClassDistribution()["empty_class"] != 0 {
			t.Error("empty_class should have no images")
		}
	})
}

// TestImageFolderDatasetGetItem tests individual item retrieval
func TestImageFolderDatasetGetItem(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"class1", "class2"}, 3), nil)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	t.Run("ValidIndices", func(t *testing.T) {
		for i := 0; i < dataset.Len(); i++ {
			imagePath, label, err := dataset.GetItem(i)
			if err != nil {
				t.Errorf("Unexpected error at index %d: %v", i, err)
			}
			if label != i/3 {
				t.Errorf("Expected label %d at index %d, got %d", i/3, i, label)
			}
			if _, err := os.Stat(imagePath); err != nil {
				t.Errorf("Image file doesn't exist: %s", imagePath)
			}
		}
	})

	t.Run("InvalidIndices", func(t *testing.T) {
		for _, idx := range []int{-1, dataset.Len(), dataset.Len() + 1} {
			_, _, err := dataset.GetItem(idx)
			if err == nil || !strings.Contains(err.Error(), "out of range") {
				t.Errorf("Expected 'out of range' error for index %d, got: %v", idx, err)
			}
		}
	})
}

// TestImageFolderDatasetSplit tests dataset splitting
func TestImageFolderDatasetSplit(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"cat", "dog"}, 10), nil)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	t.Run("StandardSplit", func(t *testing.T) {
		train, val := dataset.Split(0.7, nil)
		if train.Len() != 14 || val.Len() != 6 {
			t.Errorf("Expected 14/6 split, got %d/%d", train.Len(), val.Len())
		}
		if train.NumClasses() != 2 || val.NumClasses() != 2 {
			t.Error("Split datasets should keep class information")
		}
		p, _, _ := train.GetItem(0)
		q, _, _ := dataset.GetItem(0)
		if p != q {
			t.Error("Split without rng should keep the original order")
		}
	})

	t.Run("SeededShuffle", func(t *testing.T) {
		a, _ := dataset.Split(0.8, rand.New(rand.NewSource(42)))
		b, _ := dataset.Split(0.8, rand.New(rand.NewSource(42)))
		for i := 0; i < a.Len(); i++ {
			p, _, _ := a.GetItem(i)
			q, _, _ := b.GetItem(i)
			if p != q {
				t.Fatal("Same seed should give the same split")
			}
		}
	})

	t.Run("PerClass", func(t *testing.T) {
		train, val := dataset.SplitPerClass(0.5, rand.New(rand.NewSource(1)))
		for _, d := range []*ImageFolderDataset{train, val} {
			dist := d.ClassDistribution()
			if dist["cat"] != 5 || dist["dog"] != 5 {
				t.Errorf("Per-class split should be balanced, got %v", dist)
			}
		}
		seen := map[string]bool{}
		for _, d := range []*ImageFolderDataset{train, val} {
			for i := 0; i < d.Len(); i++ {
				p, _, _ := d.GetItem(i)
				if seen[p] {
					t.Fatalf("%s appears in both halves", p)
				}
				seen[p] = true
			}
		}
		if len(seen) != dataset.Len() {
			t.Errorf("Expected %d distinct images, got %d", dataset.Len(), len(seen))
		}
	})
}

// TestImageFolderDatasetSubset tests subset creation
func TestImageFolderDatasetSubset(t *testing.T) {
	dataset, err := NewImageFolderDataset(createTestDataset(t, []string{"class1", "class2", "class3"}, 5), nil)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}

	indices := []int{0, 6, 12, 6}
	subset := dataset.Subset(indices)
	if subset.Len() != len(indices) {
		t.Fatalf("Expected subset size %d, got %d", len(indices), subset.Len())
	}
	for i, originalIdx := range indices {
		sp, sl, _ := subset.GetItem(i)
		op, ol, _ := dataset.GetItem(originalIdx)
		if sp != op || sl != ol {
			t.Errorf("Mismatch at subset index %d", i)
		}
	}

	filtered := dataset.FilterByClass([]string{"class2", "missing"})
	if filtered.Len() != 5 {
		t.Errorf("Expected 5 images of class2, got %d", filtered.Len())
	}
	if _, label, _ := filtered.GetItem(0); label != 1 {
		t.Errorf("Filtering should keep original labels, got %d", label)
	}

	s := dataset.String()
	if !strings.Contains(s, "15 samples, 3 classes") || !strings.Contains(s, "class2: 5 samples") {
		t.Errorf("Unexpected description:\n%s", s)
	}
}
