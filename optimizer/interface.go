package optimizer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/checkpoints"
)

// Optimizer defines the common interface for all optimizers.
// Weights are updated in place. A nil gradient marks a frozen parameter,
// which is left untouched (weight decay included).
type Optimizer interface {
	// Step performs a single optimization step.
	// gradients must match weights one to one.
	Step(weights, gradients [][]float32) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the learning rate used by the next Step
	GetLearningRate() float32

	// Name returns the optimizer name stored in checkpoints ("SGD", "Adam", ...)
	Name() string
}

// OptimizerState represents the complete state of an optimizer
// Compatible with checkpoints.OptimizerState for serialization
type OptimizerState struct {
	Type       string                        `json:"type"`       // "Adam", "SGD", etc.
	Parameters map[string]interface{}        `json:"parameters"` // Hyperparameters
	StateData  []checkpoints.OptimizerTensor `json:"state_data"` // Per-parameter buffers
}

// ToCheckpoint converts the state into its checkpoint representation
func (s *OptimizerState) ToCheckpoint() *checkpoints.OptimizerState {
	if s == nil {
		return nil
	}
	return &checkpoints.OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// FromCheckpoint converts a checkpoint optimizer state back
func FromCheckpoint(s *checkpoints.OptimizerState) *OptimizerState {
	if s == nil {
		return nil
	}
	return &OptimizerState{
		Type:       s.Type,
		Parameters: s.Parameters,
		StateData:  s.StateData,
	}
}

// Config selects and parameterizes an optimizer
type Config struct {
	Type         string  `json:"type" yaml:"type"`
	LearningRate float32 `json:"learning_rate" yaml:"learning_rate"`
	Momentum     float32 `json:"momentum" yaml:"momentum"`
	WeightDecay  float32 `json:"weight_decay" yaml:"weight_decay"`
	Nesterov     bool    `json:"nesterov" yaml:"nesterov"`
	Beta1        float32 `json:"beta1" yaml:"beta1"`
	Beta2        float32 `json:"beta2" yaml:"beta2"`
	Epsilon      float32 `json:"epsilon" yaml:"epsilon"`
	Alpha        float32 `json:"alpha" yaml:"alpha"`
}

// New creates the optimizer named by cfg.Type for parameters of the given shapes.
// Zero-valued hyperparameters fall back to each optimizer's defaults.
// A nil shape marks a frozen parameter, which gets no state buffers.
func New(cfg Config, weightShapes [][]int) (Optimizer, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "sgd":
		c := DefaultSGDConfig()
		c.LearningRate = cfg.LearningRate
		c.Momentum = cfg.Momentum
		c.WeightDecay = cfg.WeightDecay
		c.Nesterov = cfg.Nesterov
		return NewSGDOptimizer(c, weightShapes)
	case "adam":
		c := DefaultAdamConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		setIfNonZero(&c.Beta1, cfg.Beta1)
		setIfNonZero(&c.Beta2, cfg.Beta2)
		setIfNonZero(&c.Epsilon, cfg.Epsilon)
		return NewAdamOptimizer(c, weightShapes)
	case "nadam":
		c := DefaultNadamConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		setIfNonZero(&c.Beta1, cfg.Beta1)
		setIfNonZero(&c.Beta2, cfg.Beta2)
		setIfNonZero(&c.Epsilon, cfg.Epsilon)
		return NewNadamOptimizer(c, weightShapes)
	case "rmsprop":
		c := DefaultRMSPropConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		c.Momentum = cfg.Momentum
		setIfNonZero(&c.Alpha, cfg.Alpha)
		setIfNonZero(&c.Epsilon, cfg.Epsilon)
		return NewRMSPropOptimizer(c, weightShapes)
	case "adagrad":
		c := DefaultAdaGradConfig()
		c.LearningRate = cfg.LearningRate
		c.WeightDecay = cfg.WeightDecay
		setIfNonZero(&c.Epsilon, cfg.Epsilon)
		return NewAdaGradOptimizer(c, weightShapes)
	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Type)
	}
}

// Names lists the optimizers New understands
func Names() []string {
	return []string{"sgd", "adam", "nadam", "rmsprop", "adagrad"}
}

func setIfNonZero(dst *float32, v float32) {
	if v != 0 {
		*dst = v
	}
}

// Common helper functions for state extraction

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1", "squared_grad_avg_0"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// validateStep checks that weights and gradients line up with the allocated
// buffers. buffers may be nil when the optimizer keeps no per-weight state.
func validateStep(numWeights int, buffers, weights, gradients [][]float32) error {
	if len(weights) != numWeights {
		return errors.Errorf("expected %d weight tensors, got %d", numWeights, len(weights))
	}
	if len(gradients) != len(weights) {
		return errors.Errorf("gradients length (%d) doesn't match weights length (%d)",
			len(gradients), len(weights))
	}
	for i, g := range gradients {
		if g == nil {
			continue
		}
		if len(g) != len(weights[i]) {
			return errors.Errorf("gradient %d has %d elements, weight has %d", i, len(g), len(weights[i]))
		}
		if buffers != nil && buffers[i] == nil {
			return errors.Errorf("gradient %d is for a frozen weight", i)
		}
	}
	return nil
}
