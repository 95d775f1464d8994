package optimizer

import (
	"math"
	"testing"
)

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()

	if config.LearningRate != 0.01 {
		t.Errorf("Expected LearningRate %f, got %f", 0.01, config.LearningRate)
	}
	if config.Momentum != 0 {
		t.Errorf("Expected Momentum %f, got %f", 0.0, config.Momentum)
	}
	if config.WeightDecay != 0 {
		t.Errorf("Expected WeightDecay %f, got %f", 0.0, config.WeightDecay)
	}
	if config.Nesterov {
		t.Errorf("Expected Nesterov false, got %t", config.Nesterov)
	}
}

// TestSGDOptimizerInvalidInputs tests configuration validation
func TestSGDOptimizerInvalidInputs(t *testing.T) {
	shapes := [][]int{{2, 2}}
	tests := []struct {
		name   string
		config SGDConfig
		shapes [][]int
	}{
		{"no_shapes", DefaultSGDConfig(), nil},
		{"negative_lr", SGDConfig{LearningRate: -1}, shapes},
		{"negative_momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}, shapes},
		{"momentum_above_one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}, shapes},
		{"negative_weight_decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}, shapes},
		{"nesterov_without_momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}, shapes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGDOptimizer(tt.config, tt.shapes); err == nil {
				t.Errorf("Expected error for %s", tt.name)
			}
		})
	}
}

// TestSGDVanillaStep checks w -= lr * (g + wd*w)
func TestSGDVanillaStep(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, WeightDecay: 0.5}, [][]int{{3}})
	if err != nil {
		t.Fatalf("Failed to create SGD: %v", err)
	}

	w := []float32{1, 2, 3}
	g := []float32{1, 1, 1}
	if err := sgd.Step([][]float32{w}, [][]float32{g}); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	expected := []float32{1 - 0.1*(1+0.5), 2 - 0.1*(1+1), 3 - 0.1*(1+1.5)}
	for i := range w {
		if math.Abs(float64(w[i]-expected[i])) > 1e-6 {
			t.Errorf("w[%d] = %f, want %f", i, w[i], expected[i])
		}
	}
	if sgd.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", sgd.GetStepCount())
	}
}

// TestSGDMomentum follows two steps of PyTorch's momentum formulation
func TestSGDMomentum(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, [][]int{{1}})
	if err != nil {
		t.Fatalf("Failed to create SGD: %v", err)
	}

	w := []float32{1}
	g := []float32{1}

	// step 1: v = g = 1, w = 1 - 0.1 = 0.9
	if err := sgd.Step([][]float32{w}, [][]float32{g}); err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(w[0]-0.9)) > 1e-6 {
		t.Errorf("after step 1 w = %f, want 0.9", w[0])
	}

	// step 2: v = 0.9*1 + 1 = 1.9, w = 0.9 - 0.19 = 0.71
	if err := sgd.Step([][]float32{w}, [][]float32{g}); err != nil {
		t.Fatal(err)
	}
	if math.Abs(float64(w[0]-0.71)) > 1e-6 {
		t.Errorf("after step 2 w = %f, want 0.71", w[0])
	}
	if math.Abs(float64(sgd.MomentumBuffers[0][0]-1.9)) > 1e-6 {
		t.Errorf("momentum = %f, want 1.9", sgd.MomentumBuffers[0][0])
	}
}

// TestSGDNesterovFlag checks the Nesterov look-ahead update
func TestSGDNesterovFlag(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true}, [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	w := []float32{0}
	if err := sgd.Step([][]float32{w}, [][]float32{{2}}); err != nil {
		t.Fatal(err)
	}
	// v = 2, update = g + mu*v = 3
	if math.Abs(float64(w[0]+0.3)) > 1e-6 {
		t.Errorf("w = %f, want -0.3", w[0])
	}
}

// TestSGDSkipsFrozen checks that nil gradients leave weights untouched
func TestSGDSkipsFrozen(t *testing.T) {
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9, WeightDecay: 1e-4}, [][]int{{2}, {2}})
	if err != nil {
		t.Fatal(err)
	}
	frozen := []float32{5, 5}
	live := []float32{5, 5}
	if err := sgd.Step([][]float32{frozen, live}, [][]float32{nil, {1, 1}}); err != nil {
		t.Fatal(err)
	}
	if frozen[0] != 5 || frozen[1] != 5 {
		t.Errorf("frozen weights changed: %v", frozen)
	}
	if live[0] == 5 {
		t.Errorf("trainable weights did not change")
	}
}

// TestSGDStepValidation tests mismatched inputs
func TestSGDStepValidation(t *testing.T) {
	sgd, err := NewSGDOptimizer(DefaultSGDConfig(), [][]int{{2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := sgd.Step([][]float32{{1, 2}, {3}}, [][]float32{{1, 2}, {3}}); err == nil {
		t.Error("Expected error for too many weights")
	}
	if err := sgd.Step([][]float32{{1, 2}}, [][]float32{{1}}); err == nil {
		t.Error("Expected error for gradient size mismatch")
	}
	if sgd.GetStepCount() != 0 {
		t.Errorf("failed steps must not count, got %d", sgd.GetStepCount())
	}
}

// TestSGDCheckpointing tests state save and restore
func TestSGDCheckpointing(t *testing.T) {
	config := SGDConfig{LearningRate: 0.05, Momentum: 0.9, WeightDecay: 1e-4}
	shapes := [][]int{{2, 2}, {2}}
	sgd, err := NewSGDOptimizer(config, shapes)
	if err != nil {
		t.Fatal(err)
	}
	weights := [][]float32{{1, 2, 3, 4}, {1, 1}}
	grads := [][]float32{{0.1, 0.2, 0.3, 0.4}, {1, -1}}
	for i := 0; i < 3; i++ {
		if err := sgd.Step(weights, grads); err != nil {
			t.Fatal(err)
		}
	}

	state, err := sgd.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Type != "SGD" {
		t.Errorf("Expected type SGD, got %s", state.Type)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("Expected 2 momentum tensors, got %d", len(state.StateData))
	}

	restored, err := NewSGDOptimizer(DefaultSGDConfig(), shapes)
	if err != nil {
		t.Fatal(err)
	}
	// momentum buffers are only allocated when momentum > 0
	if err := restored.LoadState(state); err == nil {
		t.Error("Expected error restoring momentum into a vanilla optimizer")
	}

	restored, err = NewSGDOptimizer(SGDConfig{LearningRate: 1, Momentum: 0.5}, shapes)
	if err != nil {
		t.Fatal(err)
	}
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.LearningRate != 0.05 || restored.Momentum != 0.9 {
		t.Errorf("hyperparameters not restored: lr=%f momentum=%f", restored.LearningRate, restored.Momentum)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("Expected step count 3, got %d", restored.GetStepCount())
	}
	for i := range sgd.MomentumBuffers {
		for j := range sgd.MomentumBuffers[i] {
			if restored.MomentumBuffers[i][j] != sgd.MomentumBuffers[i][j] {
				t.Errorf("momentum[%d][%d] = %f, want %f", i, j, restored.MomentumBuffers[i][j], sgd.MomentumBuffers[i][j])
			}
		}
	}
}

// TestSGDUpdateLearningRate tests learning rate updates
func TestSGDUpdateLearningRate(t *testing.T) {
	sgd, err := NewSGDOptimizer(DefaultSGDConfig(), [][]int{{1}})
	if err != nil {
		t.Fatal(err)
	}
	sgd.UpdateLearningRate(0.0001)
	if sgd.GetLearningRate() != 0.0001 {
		t.Errorf("Expected learning rate 0.0001, got %f", sgd.GetLearningRate())
	}
}
