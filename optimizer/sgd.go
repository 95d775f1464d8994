package optimizer

import (
	"github.com/pkg/errors"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers.
// The update follows the PyTorch formulation:
//
//	g = grad + wd*w
//	v = momentum*v + g
//	w -= lr * (g + momentum*v)   (Nesterov)
//	w -= lr * v                  (otherwise)
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64

	numWeights int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer for weights of the given shapes
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int) (*SGDOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, errors.New("no weight shapes provided")
	}

	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, errors.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		numWeights:   len(weightShapes),
	}

	if config.Momentum > 0 {
		sgd.MomentumBuffers = allocateBuffers(weightShapes)
	}

	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(weights, gradients [][]float32) error {
	if err := validateStep(sgd.numWeights, sgd.MomentumBuffers, weights, gradients); err != nil {
		return err
	}

	sgd.StepCount++
	lr, mu, wd := sgd.LearningRate, sgd.Momentum, sgd.WeightDecay

	for i, grad := range gradients {
		if grad == nil {
			continue
		}
		w := weights[i]

		if mu == 0 {
			for j, g := range grad {
				w[j] -= lr * (g + wd*w[j])
			}
			continue
		}

		// PyTorch seeds the buffer with the first gradient
		v := sgd.MomentumBuffers[i]
		first := sgd.StepCount == 1
		for j, g := range grad {
			g += wd * w[j]
			if first {
				v[j] = g
			} else {
				v[j] = mu*v[j] + g
			}
			if sgd.Nesterov {
				w[j] -= lr * (g + mu*v[j])
			} else {
				w[j] -= lr * v[j]
			}
		}
	}

	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Name implements Optimizer
func (sgd *SGDOptimizerState) Name() string {
	return "SGD"
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: extractBuffers(sgd.MomentumBuffers, "momentum", "momentum"),
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		return errors.New("momentum buffers not allocated")
	}
	return restoreBuffers(sgd.MomentumBuffers, state, "momentum")
}
