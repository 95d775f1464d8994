package models

import (
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/engine"
	"github.com/tsawler/go-matnet/layers"
)

func TestBuildParameterCounts(t *testing.T) {
	// Reference counts of the 1000-class models with the head resized to 10
	tests := []struct {
		name  string
		total int64
	}{
		{"alexnet", 61100840 - 4097000 + 40970},
		{"vgg19", 143667240 - 4097000 + 40970},
		{"densenet121", 7978856 - 1025000 + 10250},
		{"googlenet", 6624904 - 1025000 + 10250},
		{"efficientnet-b0", 5288548 - 1281000 + 12810},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Build(tt.name, Options{NumClasses: 10})
			if err != nil {
				t.Fatalf("Failed to build %s: %v", tt.name, err)
			}
			if b.Spec.TotalParameters != tt.total {
				t.Errorf("Expected %d parameters, got %d", tt.total, b.Spec.TotalParameters)
			}
			if got := b.Spec.OutputShape; len(got) != 2 || got[0] != 1 || got[1] != 10 {
				t.Errorf("Expected output shape [1 10], got %v", got)
			}
		})
	}
}

func TestHeadAdaptation(t *testing.T) {
	tests := []struct {
		name      string
		head      string
		headShape []int
		fresh     []string
		truncate  []string
	}{
		{"alexnet", "classifier.6", []int{4096, 7}, []string{"classifier.6"}, nil},
		{"deepalexnet", "classifier.8", []int{1000, 7}, []string{"classifier.8"}, nil},
		{"shallowalexnet", "classifier.4", []int{4096, 7}, []string{"classifier.4"}, nil},
		{"vgg19", "classifier.6", []int{4096, 7}, nil, []string{"classifier.6"}},
		{"densenet121", "classifier", []int{1024, 7}, nil, []string{"classifier"}},
		{"googlenet", "fc", []int{1024, 7}, []string{"fc"}, nil},
		{"efficientnet-b0", "_fc", []int{1280, 7}, []string{"_fc"}, nil},
		{"bobnet", "fc", []int{64, 7}, nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Build(tt.name, Options{NumClasses: 7})
			if err != nil {
				t.Fatalf("Failed to build: %v", err)
			}
			l, ok := b.Spec.FindLayer(tt.head)
			if !ok {
				t.Fatalf("Head layer %s not found", tt.head)
			}
			if l.Type != layers.Dense {
				t.Fatalf("Head is %s, expected Dense", l.Type)
			}
			if got := l.ParameterShapes[0]; got[0] != tt.headShape[0] || got[1] != tt.headShape[1] {
				t.Errorf("Head weight shape %v, expected %v", got, tt.headShape)
			}
			if strings.Join(b.FreshLayers, ",") != strings.Join(tt.fresh, ",") {
				t.Errorf("Fresh layers %v, expected %v", b.FreshLayers, tt.fresh)
			}
			if strings.Join(b.TruncateLayers, ",") != strings.Join(tt.truncate, ",") {
				t.Errorf("Truncate layers %v, expected %v", b.TruncateLayers, tt.truncate)
			}
		})
	}
}

func TestShallowAlexNetClassifier(t *testing.T) {
	b, err := Build("shallowalexnet", Options{})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"classifier.0", "classifier.1", "classifier.2", "classifier.3", "classifier.4"} {
		if _, ok := b.Spec.FindLayer(name); !ok {
			t.Errorf("Missing %s", name)
		}
	}
	for _, name := range []string{"classifier.5", "classifier.6"} {
		if _, ok := b.Spec.FindLayer(name); ok {
			t.Errorf("Unexpected layer %s", name)
		}
	}
}

func TestTorchvisionParameterNames(t *testing.T) {
	tests := map[string][]string{
		"vgg19":           {"features.0.weight", "features.34.bias", "classifier.3.weight"},
		"densenet121":     {"features.conv0.weight", "features.denseblock3.denselayer24.conv2.weight", "features.transition2.norm.bias", "features.norm5.weight"},
		"googlenet":       {"conv1.conv.weight", "conv3.bn.bias", "inception4e.branch3.1.conv.weight", "inception5b.branch4.1.bn.weight"},
		"efficientnet-b0": {"_conv_stem.weight", "_blocks.0._depthwise_conv.weight", "_blocks.15._se_expand.bias", "_conv_head.weight", "_bn1.weight"},
	}
	for name, wanted := range tests {
		t.Run(name, func(t *testing.T) {
			b, err := Build(name, Options{})
			if err != nil {
				t.Fatal(err)
			}
			have := make(map[string]bool)
			for _, p := range b.Spec.Parameters() {
				have[p.Name] = true
			}
			for _, w := range wanted {
				if !have[w] {
					t.Errorf("Missing parameter %s", w)
				}
			}
		})
	}

	b, _ := Build("efficientnet-b0", Options{})
	if _, ok := b.Spec.FindLayer("_blocks.0._expand_conv"); ok {
		t.Error("First EfficientNet block has expansion 1 and no expand conv")
	}
	stats := b.Spec.RunningStatistics()
	if len(stats) == 0 || stats[0].Name != "_bn0.running_mean" {
		t.Errorf("Unexpected first running statistic %v", stats)
	}
}

func TestVGG19Freeze(t *testing.T) {
	b, err := Build("vgg19", Options{})
	if err != nil {
		t.Fatal(err)
	}
	n, err := Freeze(b)
	if err != nil {
		t.Fatalf("Freeze failed: %v", err)
	}
	// 16 convolutions + classifier.0 + classifier.3
	if n != 18 {
		t.Errorf("Expected 18 frozen layers, got %d", n)
	}
	for _, p := range b.Spec.Parameters() {
		trainable := strings.HasPrefix(p.Name, "classifier.6.")
		if p.Trainable != trainable {
			t.Errorf("%s trainable=%v", p.Name, p.Trainable)
		}
	}
	if b.Spec.TrainableParameters != 4096*10+10 {
		t.Errorf("Expected %d trainable parameters, got %d", 4096*10+10, b.Spec.TrainableParameters)
	}

	other, _ := Build("alexnet", Options{})
	if _, err := Freeze(other); err == nil {
		t.Error("Expected error freezing alexnet")
	}
}

func TestCanonicalNames(t *testing.T) {
	tests := map[string]string{
		"VGG19":        "vgg19",
		"densenet":     "densenet121",
		"efficientnet": "efficientnet-b0",
		"custom":       "bobnet",
		" googlenet ":  "googlenet",
	}
	for in, want := range tests {
		got, err := Canonical(in)
		if err != nil || got != want {
			t.Errorf("Canonical(%q) = %q, %v; expected %q", in, got, err, want)
		}
	}
	if _, err := Canonical("resnet50"); err == nil {
		t.Error("Expected error for unknown model")
	}
	if len(Variants()) != 8 {
		t.Errorf("Expected 8 variants, got %d", len(Variants()))
	}
	d, err := Describe("vgg19")
	if err != nil || !d.Freezable {
		t.Errorf("vgg19 should be freezable: %+v, %v", d, err)
	}
}

func TestSmallImageSize(t *testing.T) {
	for _, name := range []string{"bobnet", "alexnet", "efficientnet-b0"} {
		b, err := Build(name, Options{ImageSize: 64, BatchSize: 2, NumClasses: 3})
		if err != nil {
			t.Fatalf("Failed to build %s at 64px: %v", name, err)
		}
		if b.Spec.InputShape[0] != 2 || b.Spec.OutputShape[1] != 3 {
			t.Errorf("%s: unexpected shapes %v -> %v", name, b.Spec.InputShape, b.Spec.OutputShape)
		}
	}
}

func TestPretrainedImportIntoBackbone(t *testing.T) {
	b, err := Build("bobnet", Options{ImageSize: 16, NumClasses: 3})
	if err != nil {
		t.Fatal(err)
	}
	b.FreshLayers = []string{"fc"}

	var source []checkpoints.WeightTensor
	for _, p := range append(b.Spec.Parameters(), b.Spec.RunningStatistics()...) {
		source = append(source, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: p.Shape,
			Data:  make([]float32, p.Size()),
			Layer: p.Layer,
			Type:  p.Kind,
		})
	}
	values, report, err := checkpoints.ImportWeights(b.Spec, source, checkpoints.LayoutNative, b.ImportOptions())
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(report.Fresh) != 2 {
		t.Errorf("Expected fc weight and bias to stay fresh, got %v", report.Fresh)
	}
	if _, ok := values["fc.weight"]; ok {
		t.Error("Fresh head must not be imported")
	}
	if _, ok := values["features.1.bn2.running_var"]; !ok {
		t.Error("Running statistics should be imported")
	}
}

func TestLoadPretrained(t *testing.T) {
	src, err := Build("bobnet", Options{ImageSize: 16, NumClasses: 3})
	if err != nil {
		t.Fatal(err)
	}
	srcParams, err := engine.NewParameterStore(src.Spec, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range srcParams.Parameters() {
		for i := range p.Data {
			p.Data[i] = 0.5
		}
	}
	weights, err := srcParams.Weights()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "source.ckpt")
	cp := &checkpoints.Checkpoint{ModelSpec: src.Spec, Weights: weights}
	if err := checkpoints.NewCheckpointSaver(checkpoints.FormatJSON).SaveCheckpoint(cp, path); err != nil {
		t.Fatal(err)
	}

	dst, err := Build("bobnet", Options{ImageSize: 16, NumClasses: 3})
	if err != nil {
		t.Fatal(err)
	}
	dst.FreshLayers = []string{"fc"}
	params, err := engine.NewParameterStore(dst.Spec, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatal(err)
	}
	report, err := dst.LoadPretrained(params, path)
	if err != nil {
		t.Fatalf("LoadPretrained failed: %v", err)
	}
	if len(report.Fresh) != 2 || len(report.Missing) != 0 {
		t.Errorf("Unexpected report %s", report)
	}

	conv, _ := params.Get("features.0.conv1.weight")
	if conv.Data[0] != 0.5 {
		t.Errorf("Expected imported conv weight 0.5, got %v", conv.Data[0])
	}
	fc, _ := params.Get("fc.weight")
	if fc.Data[0] == 0.5 {
		t.Error("The fresh head should keep its initialization")
	}

	if _, err := dst.LoadPretrained(params, filepath.Join(t.TempDir(), "missing.onnx")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}
