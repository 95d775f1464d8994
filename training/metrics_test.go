package training

import (
	"math"
	"strings"
	"testing"
)

// logitsFor builds logits whose argmax is the given prediction per row
func logitsFor(preds []int, classes int) []float32 {
	out := make([]float32, len(preds)*classes)
	for i, p := range preds {
		for c := 0; c < classes; c++ {
			out[i*classes+c] = -1
		}
		out[i*classes+p] = 2
	}
	return out
}

func TestMetricTypeString(t *testing.T) {
	tests := []struct {
		metric   MetricType
		expected string
	}{
		{MacroPrecision, "MacroPrecision"},
		{MacroRecall, "MacroRecall"},
		{MacroF1, "MacroF1"},
		{MicroPrecision, "MicroPrecision"},
		{MicroRecall, "MicroRecall"},
		{MicroF1, "MicroF1"},
		{Accuracy, "Accuracy"},
		{MetricType(999), "Unknown(999)"},
	}

	for _, test := range tests {
		if result := test.metric.String(); result != test.expected {
			t.Errorf("MetricType(%d).String() = %s, expected %s", test.metric, result, test.expected)
		}
	}
}

func TestNewConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(3)
	if cm.NumClasses != 3 || len(cm.Matrix) != 3 {
		t.Fatalf("Expected a 3x3 matrix, got %d rows", len(cm.Matrix))
	}
	for i, row := range cm.Matrix {
		if len(row) != 3 {
			t.Errorf("Row %d: expected 3 columns, got %d", i, len(row))
		}
	}
	if cm.TotalSamples != 0 || cm.GetAccuracy() != 0 {
		t.Error("New matrix should be empty")
	}
}

func TestConfusionMatrixReset(t *testing.T) {
	cm := NewConfusionMatrix(2)
	if err := cm.UpdateFromPredictions(logitsFor([]int{0, 1}, 2), []int32{0, 0}, 2, 2); err != nil {
		t.Fatal(err)
	}
	cm.Reset()
	if cm.TotalSamples != 0 {
		t.Errorf("Expected 0 samples after reset, got %d", cm.TotalSamples)
	}
	for i, row := range cm.Matrix {
		for j, v := range row {
			if v != 0 {
				t.Errorf("Matrix[%d][%d] = %d after reset", i, j, v)
			}
		}
	}
}

func TestConfusionMatrixUpdateFromPredictions(t *testing.T) {
	cm := NewConfusionMatrix(3)

	t.Run("valid", func(t *testing.T) {
		err := cm.UpdateFromPredictions(logitsFor([]int{0, 2}, 3), []int32{0, 1}, 2, 3)
		if err != nil {
			t.Fatal(err)
		}
		if cm.Matrix[0][0] != 1 || cm.Matrix[1][2] != 1 || cm.TotalSamples != 2 {
			t.Errorf("Unexpected matrix %v", cm.Matrix)
		}
	})

	t.Run("class mismatch", func(t *testing.T) {
		if err := cm.UpdateFromPredictions(logitsFor([]int{0}, 2), []int32{0}, 1, 2); err == nil {
			t.Error("Expected error for class count mismatch")
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		if err := cm.UpdateFromPredictions(make([]float32, 5), []int32{0, 1}, 2, 3); err == nil {
			t.Error("Expected error for predictions length mismatch")
		}
		if err := cm.UpdateFromPredictions(make([]float32, 6), []int32{0}, 2, 3); err == nil {
			t.Error("Expected error for labels length mismatch")
		}
	})

	t.Run("out of range label", func(t *testing.T) {
		before := cm.TotalSamples
		if err := cm.UpdateFromPredictions(logitsFor([]int{1}, 3), []int32{7}, 1, 3); err != nil {
			t.Fatal(err)
		}
		if cm.TotalSamples != before {
			t.Error("Out of range labels should be ignored")
		}
	})
}

func TestMultiClassMetrics(t *testing.T) {
	cm := NewConfusionMatrix(3)
	labels := []int32{0, 0, 1, 1, 2, 2}
	preds := []int{0, 1, 1, 1, 2, 0}
	if err := cm.UpdateFromPredictions(logitsFor(preds, 3), labels, 6, 3); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		metric   MetricType
		expected float64
	}{
		{MacroPrecision, (0.5 + 2.0/3.0 + 1.0) / 3},
		{MacroRecall, (0.5 + 1.0 + 0.5) / 3},
		{MacroF1, 0.693333},
		{MicroPrecision, 4.0 / 6.0},
		{MicroRecall, 4.0 / 6.0},
		{MicroF1, 4.0 / 6.0},
		{Accuracy, 4.0 / 6.0},
	}
	for _, tt := range tests {
		if got := cm.GetMetric(tt.metric); math.Abs(got-tt.expected) > 1e-5 {
			t.Errorf("%s: expected %.6f, got %.6f", tt.metric, tt.expected, got)
		}
	}

	if p := cm.ClassPrecision(1); math.Abs(p-2.0/3.0) > 1e-9 {
		t.Errorf("Class 1 precision: expected 0.6667, got %f", p)
	}
	if r := cm.ClassRecall(2); r != 0.5 {
		t.Errorf("Class 2 recall: expected 0.5, got %f", r)
	}
	if s := cm.ClassSupport(0); s != 2 {
		t.Errorf("Class 0 support: expected 2, got %d", s)
	}
}

func TestMacroSkipsUndefinedClasses(t *testing.T) {
	// class 2 never appears and is never predicted
	cm := NewConfusionMatrix(3)
	cm.UpdateFromPredictions(logitsFor([]int{0, 1}, 3), []int32{0, 1}, 2, 3)
	if p := cm.GetMetric(MacroPrecision); p != 1 {
		t.Errorf("Expected macro precision 1, got %f", p)
	}
	if r := cm.GetMetric(MacroRecall); r != 1 {
		t.Errorf("Expected macro recall 1, got %f", r)
	}
}

func TestReport(t *testing.T) {
	cm := NewConfusionMatrix(2)
	cm.UpdateFromPredictions(logitsFor([]int{0, 1, 1}, 2), []int32{0, 1, 0}, 3, 2)

	report := cm.Report([]string{"fabric", ""})
	for _, want := range []string{"precision", "fabric", "class 1", "accuracy", "macro avg", "0.6667"} {
		if !strings.Contains(report, want) {
			t.Errorf("Report missing %q:\n%s", want, report)
		}
	}
}

func TestEdgeCases(t *testing.T) {
	cm := NewConfusionMatrix(2)
	for _, m := range []MetricType{MacroPrecision, MacroRecall, MacroF1, Accuracy} {
		if v := cm.GetMetric(m); v != 0 {
			t.Errorf("%s on empty matrix: expected 0, got %f", m, v)
		}
	}
	if argmax([]float32{1, 3, 3}) != 1 {
		t.Error("argmax should return the first maximum")
	}
}

func BenchmarkConfusionMatrixUpdate(b *testing.B) {
	cm := NewConfusionMatrix(10)
	preds := make([]int, 64)
	labels := make([]int32, 64)
	for i := range preds {
		preds[i] = i % 10
		labels[i] = int32((i * 3) % 10)
	}
	logits := logitsFor(preds, 10)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cm.UpdateFromPredictions(logits, labels, 64, 10)
	}
}
