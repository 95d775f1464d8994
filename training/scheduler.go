package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Epoch-indexed schedulers are pure functions of the epoch.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch and step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MetricScheduler is implemented by schedulers driven by a validation metric
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
}

// SchedulerNames lists the names accepted by NewScheduler
func SchedulerNames() []string {
	return []string{"step", "cosine", "exponential", "plateau", "none"}
}

// NewScheduler creates a scheduler by name. stepSize and gamma configure
// StepLR; gamma is also the exponential decay and the plateau factor.
// maxEpochs bounds cosine annealing.
func NewScheduler(name string, stepSize int, gamma float64, maxEpochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "step", "steplr":
		return NewStepLRScheduler(stepSize, gamma), nil
	case "cosine", "cosineannealinglr":
		return NewCosineAnnealingLRScheduler(maxEpochs, 0), nil
	case "exponential", "exponentiallr":
		return NewExponentialLRScheduler(gamma), nil
	case "plateau", "reducelronplateau":
		// monitors validation accuracy
		return NewReduceLROnPlateauScheduler(gamma, max(stepSize/5, 1), 1e-4, "max"), nil
	case "none", "constant", "":
		return &NoOpScheduler{}, nil
	}
	return nil, errors.Errorf("unknown scheduler %q (available: %s)", name, strings.Join(SchedulerNames(), ", "))
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 25
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 50
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler reduces LR when a metric has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// PlateauState is the resumable state of a ReduceLROnPlateauScheduler
type PlateauState struct {
	BestMetric  float64 `json:"best_metric"`
	BadEpochs   int     `json:"bad_epochs"`
	CurrentLR   float64 `json:"current_lr"`
	Initialized bool    `json:"initialized"`
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step is called once per epoch with the validation metric and returns
// the learning rate for the next epoch
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// State returns the scheduler state for checkpointing
func (s *ReduceLROnPlateauScheduler) State() PlateauState {
	return PlateauState{
		BestMetric:  s.bestMetric,
		BadEpochs:   s.badEpochs,
		CurrentLR:   s.currentLR,
		Initialized: s.initialized,
	}
}

// SetState restores a state returned by State
func (s *ReduceLROnPlateauScheduler) SetState(state PlateauState) {
	s.bestMetric = state.BestMetric
	s.badEpochs = state.BadEpochs
	s.currentLR = state.CurrentLR
	s.initialized = state.Initialized
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
