package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/go-matnet/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(&buf, "Testing", 10)

	for i := 1; i <= 10; i++ {
		pb.Update(i, map[string]float64{"loss": 1.0 - float64(i)*0.08, "acc": float64(i) * 9})
	}
	pb.Finish()

	out := buf.String()
	if !strings.Contains(out, "Testing: 100%") || !strings.Contains(out, "10/10") {
		t.Errorf("Expected a completed bar, got %q", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Finish should end the line")
	}
}

func TestProgressBarFormatting(t *testing.T) {
	pb := NewProgressBar(&bytes.Buffer{}, "Format", 4)
	pb.Update(2, map[string]float64{"val_acc": 93.4, "loss": 0.12346, "lr": 0.001})

	line := pb.String()
	if !strings.Contains(line, " 50%") {
		t.Errorf("Expected 50%%, got %q", line)
	}
	// metrics are sorted by name
	acc := strings.Index(line, "val_acc=93.40%")
	loss := strings.Index(line, "loss=0.1235")
	lr := strings.Index(line, "lr=0.0010")
	if loss < 0 || lr < 0 || acc < 0 || !(loss < lr && lr < acc) {
		t.Errorf("Unexpected metric rendering %q", line)
	}

	empty := NewProgressBar(&bytes.Buffer{}, "Empty", 0)
	if !strings.Contains(empty.String(), "100%") {
		t.Error("A bar with no steps should render as complete")
	}
}

func TestModelArchitecturePrinting(t *testing.T) {
	branch := layers.NewModelBuilder(nil).
		AddConv2D(4, 1, 1, 0, false, "block.conv").
		AddBatchNorm(0, 1e-5, 0.1, true, "block.bn").
		Layers()
	model, err := layers.NewModelBuilder([]int{2, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu").
		AddResidual("block", branch).
		AddGlobalAvgPool("pool").
		AddFlatten("flat").
		AddDropout(0.2, "drop").
		AddDense(10, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile test model: %v", err)
	}
	model.FreezePrefixes("conv1")

	var buf bytes.Buffer
	NewModelArchitecturePrinter(&buf, "TestCNN").PrintArchitecture(model)
	out := buf.String()

	for _, want := range []string{
		"TestCNN(",
		"(conv1): Conv2d(3, 4, kernel_size=(3, 3), stride=(1, 1), padding=(1, 1), bias=true) [frozen]",
		"(block): Residual(",
		"(block.bn): BatchNorm2d(4",
		"(pool): AdaptiveAvgPool2d",
		"(drop): Dropout(p=0.2)",
		"(fc): Linear(in_features=4, out_features=10, bias=true)",
		"Non-trainable parameters: 112",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Architecture missing %q:\n%s", want, out)
		}
	}
}

func TestProgressReporter(t *testing.T) {
	var buf bytes.Buffer
	pr := NewProgressReporter(&buf, 2, 3, 1)
	pr.StartEpoch(1)
	for step := 1; step <= 3; step++ {
		pr.UpdateTrainingProgress(step, 1.0/float64(step), 30*float64(step))
	}
	pr.FinishTrainingEpoch()
	pr.StartValidation()
	pr.UpdateValidationProgress(1, 0.5, 75)
	pr.FinishValidationEpoch()
	pr.PrintEpochSummary(EpochEvent{Epoch: 0, TrainLoss: 0.33, TrainAccuracy: 90, ValLoss: 0.5, ValAccuracy: 75, Best: true})

	out := buf.String()
	for _, want := range []string{"Epoch 1/2 (Training)", "Epoch 1/2 (Validation)", "Epoch 1/2 Summary", "Accuracy: 75.00% (best)"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}

	// a silent reporter is safe to drive
	silent := NewProgressReporter(nil, 1, 1, 1)
	silent.StartEpoch(1)
	silent.UpdateTrainingProgress(1, 1, 1)
	silent.FinishTrainingEpoch()
	silent.PrintEpochSummary(EpochEvent{})
	var nilReporter *ProgressReporter
	nilReporter.StartValidation()
}

func BenchmarkProgressBar(b *testing.B) {
	pb := NewProgressBar(&bytes.Buffer{}, "Benchmark", b.N)
	metrics := map[string]float64{"loss": 0.5, "acc": 80}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pb.Update(i+1, metrics)
	}
}
