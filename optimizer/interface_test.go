package optimizer

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/tsawler/go-matnet/checkpoints"
)

// TestOptimizerInterfaceCompliance ensures every optimizer satisfies Optimizer
func TestOptimizerInterfaceCompliance(t *testing.T) {
	var _ Optimizer = (*SGDOptimizerState)(nil)
	var _ Optimizer = (*AdamOptimizerState)(nil)
	var _ Optimizer = (*NadamOptimizerState)(nil)
	var _ Optimizer = (*RMSPropOptimizerState)(nil)
	var _ Optimizer = (*AdaGradOptimizerState)(nil)
}

// TestNewByName builds every registered optimizer through the factory
func TestNewByName(t *testing.T) {
	shapes := [][]int{{3, 2}, {2}}
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			opt, err := New(Config{Type: name, LearningRate: 0.01, Momentum: 0.9}, shapes)
			if err != nil {
				t.Fatalf("New(%s) failed: %v", name, err)
			}
			if opt.GetLearningRate() != 0.01 {
				t.Errorf("learning rate = %f, want 0.01", opt.GetLearningRate())
			}
			weights := [][]float32{make([]float32, 6), make([]float32, 2)}
			grads := [][]float32{{1, 1, 1, 1, 1, 1}, {1, 1}}
			if err := opt.Step(weights, grads); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if weights[0][0] >= 0 {
				t.Errorf("%s: weight did not move against the gradient: %f", name, weights[0][0])
			}
		})
	}

	if _, err := New(Config{Type: "lbfgs"}, shapes); err == nil {
		t.Error("Expected error for unknown optimizer")
	}
}

// TestFrozenWeightsKeepNoState checks that nil shapes get no buffers
func TestFrozenWeightsKeepNoState(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			cfg := Config{Type: name, LearningRate: 0.01, Momentum: 0.9}
			opt, err := New(cfg, [][]int{{3, 2}, nil})
			if err != nil {
				t.Fatalf("New(%s) failed: %v", name, err)
			}
			weights := [][]float32{make([]float32, 6), {4, 4}}
			if err := opt.Step(weights, [][]float32{{1, 1, 1, 1, 1, 1}, nil}); err != nil {
				t.Fatalf("Step failed: %v", err)
			}
			if weights[1][0] != 4 || weights[1][1] != 4 {
				t.Errorf("frozen weights changed: %v", weights[1])
			}

			state, err := opt.GetState()
			if err != nil {
				t.Fatal(err)
			}
			if len(state.StateData) == 0 {
				t.Fatal("Expected state for the trainable weight")
			}
			for _, tensor := range state.StateData {
				if strings.HasSuffix(tensor.Name, "_1") {
					t.Errorf("Unexpected state %s for a frozen weight", tensor.Name)
				}
			}

			if err := opt.Step(weights, [][]float32{nil, {1, 1}}); err == nil {
				t.Error("Expected error for a gradient of a frozen weight")
			}

			// state of a run without freezing loads, minus the frozen weight
			full, _ := New(cfg, [][]int{{3, 2}, {2}})
			if err := full.Step([][]float32{make([]float32, 6), {4, 4}}, [][]float32{{1, 1, 1, 1, 1, 1}, {1, 1}}); err != nil {
				t.Fatal(err)
			}
			fullState, _ := full.GetState()
			if err := opt.LoadState(fullState); err != nil {
				t.Errorf("LoadState failed: %v", err)
			}
		})
	}
}

// TestOptimizerStateJSON checks that state survives a JSON checkpoint
func TestOptimizerStateJSON(t *testing.T) {
	sgd, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.001, Momentum: 0.9, WeightDecay: 1e-4}, [][]int{{2}})
	_ = sgd.Step([][]float32{{1, 1}}, [][]float32{{0.5, 0.5}})
	state, _ := sgd.GetState()

	raw, err := json.Marshal(state.ToCheckpoint())
	if err != nil {
		t.Fatal(err)
	}
	var decoded checkpoints.OptimizerState
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	restored, _ := NewSGDOptimizer(SGDConfig{LearningRate: 1, Momentum: 0.1}, [][]int{{2}})
	if err := restored.LoadState(FromCheckpoint(&decoded)); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.LearningRate != 0.001 {
		t.Errorf("learning rate = %f, want 0.001", restored.LearningRate)
	}
	if restored.StepCount != 1 {
		t.Errorf("step count = %d, want 1", restored.StepCount)
	}
	if restored.MomentumBuffers[0][0] != sgd.MomentumBuffers[0][0] {
		t.Errorf("momentum = %f, want %f", restored.MomentumBuffers[0][0], sgd.MomentumBuffers[0][0])
	}
}

// TestOptimizerStateValidation tests state validation
func TestOptimizerStateValidation(t *testing.T) {
	tests := []struct {
		name          string
		optimizerType string
		state         *OptimizerState
		expectError   bool
	}{
		{"matching", "SGD", &OptimizerState{Type: "SGD"}, false},
		{"mismatch", "Adam", &OptimizerState{Type: "SGD"}, true},
		{"nil", "SGD", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStateType(tt.optimizerType, tt.state)
			if (err != nil) != tt.expectError {
				t.Errorf("validateStateType() error = %v, expectError %v", err, tt.expectError)
			}
		})
	}
}
