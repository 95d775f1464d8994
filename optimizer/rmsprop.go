package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// RMSPropOptimizerState holds RMSProp hyperparameters and buffers
type RMSPropOptimizerState struct {
	LearningRate float32
	Alpha        float32 // Smoothing constant
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool

	SquaredGradAvgBuffers [][]float32
	MomentumBuffers       [][]float32 // only if momentum > 0
	GradientAvgBuffers    [][]float32 // only if centered

	StepCount uint64
}

// RMSPropConfig holds configuration for RMSProp optimizer
type RMSPropConfig struct {
	LearningRate float32
	Alpha        float32
	Epsilon      float32
	WeightDecay  float32
	Momentum     float32
	Centered     bool
}

// DefaultRMSPropConfig returns default RMSProp optimizer configuration
func DefaultRMSPropConfig() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.01,
		Alpha:        0.99,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
		Momentum:     0.0,
		Centered:     false,
	}
}

// NewRMSPropOptimizer creates a new RMSProp optimizer
func NewRMSPropOptimizer(config RMSPropConfig, weightShapes [][]int) (*RMSPropOptimizerState, error) {
	if len(weightShapes) == 0 {
		return nil, errors.New("no weight shapes provided")
	}
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Alpha < 0 || config.Alpha >= 1 {
		return nil, errors.Errorf("alpha must be in [0, 1): %f", config.Alpha)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}

	rms := &RMSPropOptimizerState{
		LearningRate:          config.LearningRate,
		Alpha:                 config.Alpha,
		Epsilon:               config.Epsilon,
		WeightDecay:           config.WeightDecay,
		Momentum:              config.Momentum,
		Centered:              config.Centered,
		SquaredGradAvgBuffers: allocateBuffers(weightShapes),
	}
	if config.Momentum > 0 {
		rms.MomentumBuffers = allocateBuffers(weightShapes)
	}
	if config.Centered {
		rms.GradientAvgBuffers = allocateBuffers(weightShapes)
	}
	return rms, nil
}

// Step performs a single RMSProp optimization step
func (rms *RMSPropOptimizerState) Step(weights, gradients [][]float32) error {
	if err := validateStep(len(rms.SquaredGradAvgBuffers), rms.SquaredGradAvgBuffers, weights, gradients); err != nil {
		return err
	}

	rms.StepCount++
	a := rms.Alpha

	for i, grad := range gradients {
		if grad == nil {
			continue
		}
		w, sq := weights[i], rms.SquaredGradAvgBuffers[i]
		for j, g := range grad {
			g += rms.WeightDecay * w[j]
			sq[j] = a*sq[j] + (1-a)*g*g
			avg := sq[j]
			if rms.Centered {
				ga := rms.GradientAvgBuffers[i]
				ga[j] = a*ga[j] + (1-a)*g
				avg -= ga[j] * ga[j]
			}
			denom := float32(math.Sqrt(float64(avg))) + rms.Epsilon
			if rms.Momentum > 0 {
				buf := rms.MomentumBuffers[i]
				buf[j] = rms.Momentum*buf[j] + g/denom
				w[j] -= rms.LearningRate * buf[j]
			} else {
				w[j] -= rms.LearningRate * g / denom
			}
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (rms *RMSPropOptimizerState) UpdateLearningRate(newLR float32) {
	rms.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (rms *RMSPropOptimizerState) GetLearningRate() float32 {
	return rms.LearningRate
}

// GetStepCount returns the current step count
func (rms *RMSPropOptimizerState) GetStepCount() uint64 {
	return rms.StepCount
}

// Name implements Optimizer
func (rms *RMSPropOptimizerState) Name() string {
	return "RMSProp"
}

// GetState extracts optimizer state for checkpointing
func (rms *RMSPropOptimizerState) GetState() (*OptimizerState, error) {
	state := extractBuffers(rms.SquaredGradAvgBuffers, "squared_grad_avg", "squared_grad_avg")
	state = append(state, extractBuffers(rms.MomentumBuffers, "momentum", "momentum")...)
	state = append(state, extractBuffers(rms.GradientAvgBuffers, "gradient_avg", "gradient_avg")...)
	return &OptimizerState{
		Type: "RMSProp",
		Parameters: map[string]interface{}{
			"learning_rate": rms.LearningRate,
			"alpha":         rms.Alpha,
			"epsilon":       rms.Epsilon,
			"weight_decay":  rms.WeightDecay,
			"momentum":      rms.Momentum,
			"centered":      rms.Centered,
			"step_count":    rms.StepCount,
		},
		StateData: state,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (rms *RMSPropOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("RMSProp", state); err != nil {
		return err
	}

	rms.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", rms.LearningRate)
	rms.Alpha = extractFloat32Param(state.Parameters, "alpha", rms.Alpha)
	rms.Epsilon = extractFloat32Param(state.Parameters, "epsilon", rms.Epsilon)
	rms.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", rms.WeightDecay)
	rms.StepCount = extractUint64Param(state.Parameters, "step_count", rms.StepCount)

	if err := restoreBuffers(rms.SquaredGradAvgBuffers, state, "squared_grad_avg"); err != nil {
		return err
	}
	if rms.MomentumBuffers != nil {
		if err := restoreBuffers(rms.MomentumBuffers, state, "momentum"); err != nil {
			return err
		}
	}
	if rms.GradientAvgBuffers != nil {
		return restoreBuffers(rms.GradientAvgBuffers, state, "gradient_avg")
	}
	return nil
}
