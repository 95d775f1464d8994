package optimizer

import (
	"math"
	"testing"
)

// TestDefaultRMSPropConfig tests the default RMSProp configuration
func TestDefaultRMSPropConfig(t *testing.T) {
	config := DefaultRMSPropConfig()

	tests := []struct {
		name     string
		got      float32
		expected float32
	}{
		{"LearningRate", config.LearningRate, 0.01},
		{"Alpha", config.Alpha, 0.99},
		{"Epsilon", config.Epsilon, 1e-8},
		{"WeightDecay", config.WeightDecay, 0},
		{"Momentum", config.Momentum, 0},
	}
	for _, tt := range tests {
		if tt.got != tt.expected {
			t.Errorf("%s = %g, want %g", tt.name, tt.got, tt.expected)
		}
	}
	if config.Centered {
		t.Error("Expected Centered false")
	}
}

// TestRMSPropStep checks one plain RMSProp update
func TestRMSPropStep(t *testing.T) {
	rms, err := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 0.99, Epsilon: 1e-8}, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w := []float32{1}
	if err := rms.Step([][]float32{w}, [][]float32{{1}}); err != nil {
		t.Fatal(err)
	}
	// sq = 0.01, update = 0.01 * 1 / 0.1 = 0.1
	if math.Abs(float64(w[0]-0.9)) > 1e-5 {
		t.Errorf("w = %f, want 0.9", w[0])
	}
}

// TestRMSPropBuffers checks optional buffers follow the configuration
func TestRMSPropBuffers(t *testing.T) {
	rms, err := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 0.9, Epsilon: 1e-8, Momentum: 0.9, Centered: true}, [][]int{{4}, {2}})
	if err != nil {
		t.Fatal(err)
	}
	if rms.MomentumBuffers == nil || rms.GradientAvgBuffers == nil {
		t.Fatal("Expected momentum and gradient average buffers")
	}
	weights := [][]float32{{1, 2, 3, 4}, {1, 2}}
	if err := rms.Step(weights, [][]float32{{1, 1, 1, 1}, {-1, -1}}); err != nil {
		t.Fatal(err)
	}
	state, err := rms.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if len(state.StateData) != 6 {
		t.Errorf("Expected 6 state tensors, got %d", len(state.StateData))
	}
	if err := rms.LoadState(state); err != nil {
		t.Errorf("LoadState failed: %v", err)
	}
}

// TestNewRMSPropOptimizer tests invalid inputs
func TestNewRMSPropOptimizer(t *testing.T) {
	if _, err := NewRMSPropOptimizer(RMSPropConfig{LearningRate: 0.01, Alpha: 1, Epsilon: 1e-8}, [][]int{{1}}); err == nil {
		t.Error("Expected error for alpha = 1")
	}
	if _, err := NewRMSPropOptimizer(DefaultRMSPropConfig(), nil); err == nil {
		t.Error("Expected error for missing shapes")
	}
}
