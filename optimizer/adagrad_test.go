package optimizer

import (
	"math"
	"testing"
)

// TestAdaGradOptimizer checks the accumulating update
func TestAdaGradOptimizer(t *testing.T) {
	a, err := NewAdaGradOptimizer(AdaGradConfig{LearningRate: 0.1, Epsilon: 1e-10}, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w := []float32{1}
	_ = a.Step([][]float32{w}, [][]float32{{2}})
	// acc = 4, update = 0.1*2/2 = 0.1
	if math.Abs(float64(w[0]-0.9)) > 1e-6 {
		t.Errorf("after step 1 w = %f, want 0.9", w[0])
	}
	_ = a.Step([][]float32{w}, [][]float32{{2}})
	// acc = 8, update = 0.2/sqrt(8)
	want := 0.9 - 0.2/math.Sqrt(8)
	if math.Abs(float64(w[0])-want) > 1e-6 {
		t.Errorf("after step 2 w = %f, want %f", w[0], want)
	}
}

// TestAdaGradOptimizerInvalidInputs tests configuration validation
func TestAdaGradOptimizerInvalidInputs(t *testing.T) {
	if _, err := NewAdaGradOptimizer(AdaGradConfig{LearningRate: 0, Epsilon: 1e-10}, [][]int{{1}}); err == nil {
		t.Error("Expected error for zero learning rate")
	}
	if _, err := NewAdaGradOptimizer(AdaGradConfig{LearningRate: 0.1, Epsilon: 0}, [][]int{{1}}); err == nil {
		t.Error("Expected error for zero epsilon")
	}
}
