package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdaGradOptimizerState holds AdaGrad state
type AdaGradOptimizerState struct {
	config AdaGradConfig

	// Accumulated squared gradients
	squaredGradAvgBuffers [][]float32

	currentStep uint64
}

// AdaGradConfig holds configuration for AdaGrad optimizer
type AdaGradConfig struct {
	LearningRate float32 // Learning rate
	Epsilon      float32 // Small constant for numerical stability
	WeightDecay  float32 // L2 regularization strength
}

// DefaultAdaGradConfig returns default AdaGrad optimizer configuration
func DefaultAdaGradConfig() AdaGradConfig {
	return AdaGradConfig{
		LearningRate: 0.01,
		Epsilon:      1e-10,
		WeightDecay:  0.0,
	}
}

// NewAdaGradOptimizer creates a new AdaGrad optimizer
func NewAdaGradOptimizer(config AdaGradConfig, weightShapes [][]int) (*AdaGradOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, errors.New("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive, got %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay must be non-negative, got %f", config.WeightDecay)
	}

	return &AdaGradOptimizerState{
		config:                config,
		squaredGradAvgBuffers: allocateBuffers(weightShapes),
	}, nil
}

// Step performs a single AdaGrad optimization step
func (a *AdaGradOptimizerState) Step(weights, gradients [][]float32) error {
	if err := validateStep(len(a.squaredGradAvgBuffers), a.squaredGradAvgBuffers, weights, gradients); err != nil {
		return err
	}
	a.currentStep++

	for i, grad := range gradients {
		if grad == nil {
			continue
		}
		w, acc := weights[i], a.squaredGradAvgBuffers[i]
		for j, g := range grad {
			g += a.config.WeightDecay * w[j]
			acc[j] += g * g
			w[j] -= a.config.LearningRate * g / (float32(math.Sqrt(float64(acc[j]))) + a.config.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (a *AdaGradOptimizerState) UpdateLearningRate(lr float32) {
	a.config.LearningRate = lr
}

// GetLearningRate returns the current learning rate
func (a *AdaGradOptimizerState) GetLearningRate() float32 {
	return a.config.LearningRate
}

// GetStepCount returns the current step count
func (a *AdaGradOptimizerState) GetStepCount() uint64 {
	return a.currentStep
}

// Name implements Optimizer
func (a *AdaGradOptimizerState) Name() string {
	return "AdaGrad"
}

// GetState extracts optimizer state for checkpointing
func (a *AdaGradOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "AdaGrad",
		Parameters: map[string]interface{}{
			"learning_rate": a.config.LearningRate,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"step_count":    a.currentStep,
		},
		StateData: extractBuffers(a.squaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (a *AdaGradOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("AdaGrad", state); err != nil {
		return err
	}
	a.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", a.config.LearningRate)
	a.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", a.config.Epsilon)
	a.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", a.config.WeightDecay)
	a.currentStep = extractUint64Param(state.Parameters, "step_count", a.currentStep)
	return restoreBuffers(a.squaredGradAvgBuffers, state, "squared_grad_avg")
}
