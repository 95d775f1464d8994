package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// NadamOptimizerState holds Nadam state.
// Nadam combines Adam's adaptive learning rates with Nesterov momentum
type NadamOptimizerState struct {
	config NadamConfig

	momentumBuffers [][]float32
	varianceBuffers [][]float32

	// Step tracking for bias correction
	currentStep uint64
}

// NadamConfig holds configuration for Nadam optimizer
type NadamConfig struct {
	LearningRate float32 // Base learning rate (typically 0.002)
	Beta1        float32 // Exponential decay rate for first moment estimates (typically 0.9)
	Beta2        float32 // Exponential decay rate for second moment estimates (typically 0.999)
	Epsilon      float32 // Small constant for numerical stability (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient (typically 0.0)
}

// DefaultNadamConfig returns default Nadam optimizer configuration
func DefaultNadamConfig() NadamConfig {
	return NadamConfig{
		LearningRate: 0.002,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewNadamOptimizer creates a new Nadam optimizer
func NewNadamOptimizer(config NadamConfig, weightShapes [][]int) (*NadamOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, errors.New("no weight shapes provided")
	}
	if err := validateAdamLike(config.LearningRate, config.Beta1, config.Beta2, config.Epsilon, config.WeightDecay); err != nil {
		return nil, err
	}

	return &NadamOptimizerState{
		config:          config,
		momentumBuffers: allocateBuffers(weightShapes),
		varianceBuffers: allocateBuffers(weightShapes),
	}, nil
}

// Step performs a single Nadam step using the simplified Dozat update
// (no momentum decay schedule).
func (n *NadamOptimizerState) Step(weights, gradients [][]float32) error {
	if err := validateStep(len(n.momentumBuffers), n.momentumBuffers, weights, gradients); err != nil {
		return err
	}

	n.currentStep++
	t := float64(n.currentStep)
	c := n.config
	bc1 := float32(1 - math.Pow(float64(c.Beta1), t))
	bc1Next := float32(1 - math.Pow(float64(c.Beta1), t+1))
	bc2 := float32(1 - math.Pow(float64(c.Beta2), t))

	for i, grad := range gradients {
		if grad == nil {
			continue
		}
		w, m, v := weights[i], n.momentumBuffers[i], n.varianceBuffers[i]
		for j, g := range grad {
			g += c.WeightDecay * w[j]
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g
			mHat := c.Beta1*m[j]/bc1Next + (1-c.Beta1)*g/bc1
			vHat := v[j] / bc2
			w[j] -= c.LearningRate * mHat / (float32(math.Sqrt(float64(vHat))) + c.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (n *NadamOptimizerState) UpdateLearningRate(lr float32) {
	n.config.LearningRate = lr
}

// GetLearningRate returns the current learning rate
func (n *NadamOptimizerState) GetLearningRate() float32 {
	return n.config.LearningRate
}

// GetStepCount returns the current step count
func (n *NadamOptimizerState) GetStepCount() uint64 {
	return n.currentStep
}

// Name implements Optimizer
func (n *NadamOptimizerState) Name() string {
	return "Nadam"
}

// GetConfig returns the current configuration
func (n *NadamOptimizerState) GetConfig() NadamConfig {
	return n.config
}

// GetState extracts optimizer state for checkpointing
func (n *NadamOptimizerState) GetState() (*OptimizerState, error) {
	state := extractBuffers(n.momentumBuffers, "momentum", "momentum")
	state = append(state, extractBuffers(n.varianceBuffers, "variance", "variance")...)
	return &OptimizerState{
		Type: "Nadam",
		Parameters: map[string]interface{}{
			"learning_rate": n.config.LearningRate,
			"beta1":         n.config.Beta1,
			"beta2":         n.config.Beta2,
			"epsilon":       n.config.Epsilon,
			"weight_decay":  n.config.WeightDecay,
			"step_count":    n.currentStep,
		},
		StateData: state,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (n *NadamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Nadam", state); err != nil {
		return err
	}

	n.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", n.config.LearningRate)
	n.config.Beta1 = extractFloat32Param(state.Parameters, "beta1", n.config.Beta1)
	n.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", n.config.Beta2)
	n.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", n.config.Epsilon)
	n.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", n.config.WeightDecay)
	n.currentStep = extractUint64Param(state.Parameters, "step_count", n.currentStep)

	if err := restoreBuffers(n.momentumBuffers, state, "momentum"); err != nil {
		return err
	}
	return restoreBuffers(n.varianceBuffers, state, "variance")
}
