package training

import (
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/engine"
	"github.com/tsawler/go-matnet/layers"
	"github.com/tsawler/go-matnet/optimizer"
)

// TrainerConfig configures a ModelTrainer
type TrainerConfig struct {
	BatchSize int
	Optimizer optimizer.Config
	Seed      int64 // parameter initialization seed when no store is given
}

// ModelTrainer couples a training engine with an optimizer and the loss bookkeeping
type ModelTrainer struct {
	modelEngine *engine.ModelTrainingEngine
	modelSpec   *layers.ModelSpec
	optimizer   optimizer.Optimizer
	batchSize   int
	loss        *CrossEntropyLoss

	lastStepTime time.Duration
	totalSteps   int64
	totalLoss    float64

	inputBuffer  []float32
	targetBuffer []float32
}

// TrainingResult is the outcome of one training step
type TrainingResult struct {
	Loss      float32
	Correct   int // argmax predictions matching the hard labels
	BatchSize int
	StepTime  time.Duration
}

// EvalResult is the outcome of evaluating one batch
type EvalResult struct {
	Loss      float64 // mean over the batch
	Correct   int
	BatchSize int
	Logits    []float32
}

// ModelTrainingStats summarizes the trainer
type ModelTrainingStats struct {
	TotalSteps          int64
	BatchSize           int
	Optimizer           string
	LearningRate        float32
	AverageLoss         float32
	LastStepTime        time.Duration
	ModelParameters     int64
	TrainableParameters int64
	LayerCount          int
}

// NewModelTrainer builds the engine and optimizer for a compiled model.
// params may be nil to initialize fresh parameters from config.Seed.
func NewModelTrainer(modelSpec *layers.ModelSpec, params *engine.ParameterStore, config TrainerConfig) (*ModelTrainer, error) {
	if err := validateTrainerConfig(config); err != nil {
		return nil, errors.Wrap(err, "invalid trainer configuration")
	}

	modelEngine, err := engine.NewModelTrainingEngine(modelSpec, params, engine.Config{
		BatchSize: config.BatchSize,
		Seed:      config.Seed,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create model training engine")
	}

	opt, err := optimizer.New(config.Optimizer, modelEngine.ParameterStore().TrainableShapes())
	if err != nil {
		modelEngine.Cleanup()
		return nil, errors.Wrap(err, "failed to create optimizer")
	}

	return &ModelTrainer{
		modelEngine: modelEngine,
		modelSpec:   modelSpec,
		optimizer:   opt,
		batchSize:   config.BatchSize,
		loss:        NewCrossEntropyLoss("mean"),
	}, nil
}

func validateTrainerConfig(config TrainerConfig) error {
	if config.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Optimizer.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", config.Optimizer.LearningRate)
	}
	return nil
}

// TrainBatch runs one optimization step on n samples. inputs is
// [n, C, H, W], targets [n, classes] and labels the hard labels used for
// accuracy. The training graph has a fixed batch size, so a short batch
// (samples skipped by the loader) is filled by repeating its samples.
func (mt *ModelTrainer) TrainBatch(inputs, targets []float32, labels []int32, n int) (*TrainingResult, error) {
	start := time.Now()
	if n <= 0 || n > mt.batchSize {
		return nil, errors.Errorf("batch of %d samples does not fit batch size %d", n, mt.batchSize)
	}
	sampleSize, classes := mt.modelEngine.SampleSize(), mt.modelEngine.NumClasses()
	if len(inputs) != n*sampleSize || len(targets) != n*classes || len(labels) != n {
		return nil, errors.Errorf("batch of %d samples has %d inputs, %d targets and %d labels",
			n, len(inputs), len(targets), len(labels))
	}

	if n < mt.batchSize {
		inputs = fill(&mt.inputBuffer, inputs, n, mt.batchSize, sampleSize)
		targets = fill(&mt.targetBuffer, targets, n, mt.batchSize, classes)
	}

	result, err := mt.modelEngine.ExecuteModelTrainingStep(inputs, targets, mt.optimizer)
	if err != nil {
		return nil, errors.Wrap(err, "model training step failed")
	}

	mt.lastStepTime = time.Since(start)
	mt.totalSteps++
	mt.totalLoss += float64(result.Loss)

	return &TrainingResult{
		Loss:      result.Loss,
		Correct:   CountCorrect(result.Logits[:n*classes], labels, classes),
		BatchSize: n,
		StepTime:  mt.lastStepTime,
	}, nil
}

// fill repeats the n samples of src cyclically up to size rows in buf
func fill(buf *[]float32, src []float32, n, size, width int) []float32 {
	if cap(*buf) < size*width {
		*buf = make([]float32, size*width)
	}
	out := (*buf)[:size*width]
	for row := 0; row < size; row++ {
		from := (row % n) * width
		copy(out[row*width:(row+1)*width], src[from:from+width])
	}
	return out
}

// EvaluateBatch scores n samples with the inference graph. Neither
// parameters nor batch-norm statistics change.
func (mt *ModelTrainer) EvaluateBatch(inputs, targets []float32, labels []int32, n int) (*EvalResult, error) {
	classes := mt.modelEngine.NumClasses()
	if len(targets) != n*classes || len(labels) != n {
		return nil, errors.Errorf("batch of %d samples has %d targets and %d labels", n, len(targets), len(labels))
	}
	logits, err := mt.modelEngine.ExecuteInference(inputs, n)
	if err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}
	loss, err := mt.loss.Forward(logits, targets, n, classes)
	if err != nil {
		return nil, err
	}
	return &EvalResult{
		Loss:      loss,
		Correct:   CountCorrect(logits, labels, classes),
		BatchSize: n,
		Logits:    logits,
	}, nil
}

// SetLearningRate changes the learning rate of the next steps
func (mt *ModelTrainer) SetLearningRate(lr float32) {
	mt.optimizer.UpdateLearningRate(lr)
}

// GetLearningRate returns the current learning rate
func (mt *ModelTrainer) GetLearningRate() float32 {
	return mt.optimizer.GetLearningRate()
}

// Engine returns the underlying training engine
func (mt *ModelTrainer) Engine() *engine.ModelTrainingEngine {
	return mt.modelEngine
}

// Optimizer returns the optimizer applied after every step
func (mt *ModelTrainer) Optimizer() optimizer.Optimizer {
	return mt.optimizer
}

// BatchSize returns the fixed training batch size
func (mt *ModelTrainer) BatchSize() int {
	return mt.batchSize
}

// GetStats returns training statistics
func (mt *ModelTrainer) GetStats() *ModelTrainingStats {
	avg := float32(0)
	if mt.totalSteps > 0 {
		avg = float32(mt.totalLoss / float64(mt.totalSteps))
	}
	return &ModelTrainingStats{
		TotalSteps:          mt.totalSteps,
		BatchSize:           mt.batchSize,
		Optimizer:           mt.optimizer.Name(),
		LearningRate:        mt.optimizer.GetLearningRate(),
		AverageLoss:         avg,
		LastStepTime:        mt.lastStepTime,
		ModelParameters:     mt.modelSpec.TotalParameters,
		TrainableParameters: mt.modelSpec.TrainableParameters,
		LayerCount:          len(mt.modelSpec.Layers),
	}
}

// GetModelSpec returns the model specification
func (mt *ModelTrainer) GetModelSpec() *layers.ModelSpec {
	return mt.modelSpec
}

// GetModelSummary returns a human-readable model summary
func (mt *ModelTrainer) GetModelSummary() string {
	return mt.modelEngine.GetModelSummary()
}

// PrintModelArchitecture prints the model architecture in PyTorch style
func (mt *ModelTrainer) PrintModelArchitecture(w io.Writer, modelName string) {
	NewModelArchitecturePrinter(w, modelName).PrintArchitecture(mt.modelSpec)
}

// Cleanup releases the compute graphs
func (mt *ModelTrainer) Cleanup() {
	if mt.modelEngine != nil {
		mt.modelEngine.Cleanup()
	}
}
