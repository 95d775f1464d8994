package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdamOptimizerState holds Adam hyperparameters and moment buffers
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment for each weight tensor
	VarianceBuffers [][]float32 // Second moment for each weight tensor

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

func validateAdamLike(lr, beta1, beta2, eps, wd float32) error {
	if lr < 0 {
		return errors.Errorf("learning rate cannot be negative: %f", lr)
	}
	if beta1 < 0 || beta1 >= 1 {
		return errors.Errorf("beta1 must be in [0, 1): %f", beta1)
	}
	if beta2 < 0 || beta2 >= 1 {
		return errors.Errorf("beta2 must be in [0, 1): %f", beta2)
	}
	if eps <= 0 {
		return errors.Errorf("epsilon must be positive: %g", eps)
	}
	if wd < 0 {
		return errors.Errorf("weight decay cannot be negative: %f", wd)
	}
	return nil
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int) (*AdamOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, errors.New("no weight shapes provided")
	}
	if err := validateAdamLike(config.LearningRate, config.Beta1, config.Beta2, config.Epsilon, config.WeightDecay); err != nil {
		return nil, err
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: allocateBuffers(weightShapes),
		VarianceBuffers: allocateBuffers(weightShapes),
	}, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizerState) Step(weights, gradients [][]float32) error {
	if err := validateStep(len(adam.MomentumBuffers), adam.MomentumBuffers, weights, gradients); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := float32(1 - math.Pow(float64(adam.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(adam.Beta2), t))
	stepSize := adam.LearningRate / bc1
	b1, b2, eps, wd := adam.Beta1, adam.Beta2, adam.Epsilon, adam.WeightDecay

	for i, grad := range gradients {
		if grad == nil {
			continue
		}
		w, m, v := weights[i], adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j, g := range grad {
			g += wd * w[j]
			m[j] = b1*m[j] + (1-b1)*g
			v[j] = b2*v[j] + (1-b2)*g*g
			denom := float32(math.Sqrt(float64(v[j]/bc2))) + eps
			w[j] -= stepSize * m[j] / denom
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// Name implements Optimizer
func (adam *AdamOptimizerState) Name() string {
	return "Adam"
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := extractBuffers(adam.MomentumBuffers, "momentum", "momentum")
	state = append(state, extractBuffers(adam.VarianceBuffers, "variance", "variance")...)
	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: state,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreBuffers(adam.MomentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBuffers(adam.VarianceBuffers, state, "variance")
}
