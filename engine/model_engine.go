package engine

import (
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/layers"
	"github.com/tsawler/go-matnet/optimizer"
)

// Config configures a training engine
type Config struct {
	BatchSize int
	Seed      int64 // parameter initialization seed, used when no store is given
}

// StepResult is the outcome of one training step
type StepResult struct {
	Loss   float32
	Logits []float32 // [batch, classes], valid until the next step
}

// ModelTrainingEngine trains a layer-based model with Gorgonia.
// It holds a training graph (dropout active, batch statistics, gradients for
// trainable parameters) and an inference graph, both over one ParameterStore.
type ModelTrainingEngine struct {
	modelSpec *layers.ModelSpec
	params    *ParameterStore
	train     *compiledGraph
	infer     *ModelInferenceEngine

	batchSize  int
	sampleSize int
	numClasses int
	gradients  [][]float32
}

// NewModelTrainingEngine builds both graphs for spec.
// A nil params allocates storage initialized from cfg.Seed.
func NewModelTrainingEngine(spec *layers.ModelSpec, params *ParameterStore, cfg Config) (*ModelTrainingEngine, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size: %d", cfg.BatchSize)
	}
	if len(spec.OutputShape) != 2 {
		return nil, errors.Errorf("model output must be [batch, classes], got %v", spec.OutputShape)
	}

	if params == nil {
		var err error
		if params, err = NewParameterStore(spec, rand.New(rand.NewSource(cfg.Seed))); err != nil {
			return nil, errors.Wrap(err, "failed to initialize parameters")
		}
	}

	train, err := buildGraph(spec, params, cfg.BatchSize, trainGraph)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build training graph")
	}
	infer, err := NewModelInferenceEngine(spec, params, cfg.BatchSize)
	if err != nil {
		train.vm.Close()
		return nil, err
	}

	return &ModelTrainingEngine{
		modelSpec:  spec,
		params:     params,
		train:      train,
		infer:      infer,
		batchSize:  cfg.BatchSize,
		sampleSize: infer.sampleSize,
		numClasses: spec.OutputShape[1],
		gradients:  make([][]float32, len(params.Parameters())),
	}, nil
}

// ExecuteTrainingStep runs forward and backward passes on one full batch.
// inputs is [batch, C, H, W] and targets [batch, classes] (one-hot or soft).
// Batch-norm running statistics are updated; parameters are not, the caller
// applies an optimizer to Gradients().
func (mte *ModelTrainingEngine) ExecuteTrainingStep(inputs, targets []float32) (*StepResult, error) {
	if len(inputs) != mte.batchSize*mte.sampleSize {
		return nil, errors.Errorf("expected %d input values, got %d", mte.batchSize*mte.sampleSize, len(inputs))
	}
	if len(targets) != mte.batchSize*mte.numClasses {
		return nil, errors.Errorf("expected %d target values, got %d", mte.batchSize*mte.numClasses, len(targets))
	}
	cg := mte.train

	x := tensor.New(tensor.WithShape(cg.inputShape...), tensor.WithBacking(inputs))
	if err := gorgonia.Let(cg.input, x); err != nil {
		return nil, errors.Wrap(err, "failed to bind input")
	}
	y := tensor.New(tensor.WithShape(mte.batchSize, mte.numClasses), tensor.WithBacking(targets))
	if err := gorgonia.Let(cg.target, y); err != nil {
		return nil, errors.Wrap(err, "failed to bind targets")
	}

	// gradients accumulate across runs unless cleared
	for _, n := range cg.wrts {
		if g, err := n.Grad(); err == nil {
			if z, ok := g.(tensor.Tensor); ok {
				z.Zero()
			}
		}
	}

	cg.vm.Reset()
	if err := cg.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "training step failed")
	}

	loss, err := float32s(cg.costVal)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read loss")
	}
	logits, err := float32s(cg.logitsVal)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read logits")
	}

	for i, n := range cg.wrts {
		g, err := n.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "no gradient for %s", n.Name())
		}
		data, err := float32s(g)
		if err != nil {
			return nil, errors.Wrapf(err, "gradient of %s", n.Name())
		}
		mte.gradients[cg.wrtIdx[i]] = data
	}

	for _, bn := range cg.batchNorms {
		if err := bn.updateRunning(mte.params); err != nil {
			return nil, err
		}
	}

	return &StepResult{Loss: loss[0], Logits: logits}, nil
}

// ExecuteModelTrainingStep runs a training step and applies opt to the parameters
func (mte *ModelTrainingEngine) ExecuteModelTrainingStep(inputs, targets []float32, opt optimizer.Optimizer) (*StepResult, error) {
	result, err := mte.ExecuteTrainingStep(inputs, targets)
	if err != nil {
		return nil, err
	}
	if err := opt.Step(mte.params.Data(), mte.gradients); err != nil {
		return nil, errors.Wrap(err, "optimizer step failed")
	}
	return result, nil
}

// ExecuteInference returns logits [n, classes] without touching parameters
// or running statistics. A final partial batch is zero-padded.
func (mte *ModelTrainingEngine) ExecuteInference(inputs []float32, n int) ([]float32, error) {
	return mte.infer.Predict(inputs, n)
}

// Gradients returns the gradients of the last step aligned with Parameters().
// Entries of frozen parameters are nil.
func (mte *ModelTrainingEngine) Gradients() [][]float32 {
	return mte.gradients
}

// Parameters returns the learnable tensors in model order
func (mte *ModelTrainingEngine) Parameters() []*Parameter {
	return mte.params.Parameters()
}

// ParameterStore returns the storage shared by both graphs
func (mte *ModelTrainingEngine) ParameterStore() *ParameterStore {
	return mte.params
}

// RunningStats returns the batch-norm buffers
func (mte *ModelTrainingEngine) RunningStats() []*Parameter {
	return mte.params.RunningStats()
}

// Weights snapshots every parameter and running statistic for a checkpoint
func (mte *ModelTrainingEngine) Weights() ([]checkpoints.WeightTensor, error) {
	return mte.params.Weights()
}

// LoadWeights copies checkpoint tensors into the parameter store
func (mte *ModelTrainingEngine) LoadWeights(weights []checkpoints.WeightTensor) error {
	return mte.params.LoadTensors(weights)
}

// GetModelSpec returns the model specification
func (mte *ModelTrainingEngine) GetModelSpec() *layers.ModelSpec {
	return mte.modelSpec
}

// BatchSize returns the fixed batch size of the training graph
func (mte *ModelTrainingEngine) BatchSize() int {
	return mte.batchSize
}

// NumClasses returns the width of the model output
func (mte *ModelTrainingEngine) NumClasses() int {
	return mte.numClasses
}

// SampleSize returns the number of input values per sample
func (mte *ModelTrainingEngine) SampleSize() int {
	return mte.sampleSize
}

// GetModelSummary returns a human-readable model summary
func (mte *ModelTrainingEngine) GetModelSummary() string {
	return mte.modelSpec.Summary()
}

// Cleanup releases both graphs
func (mte *ModelTrainingEngine) Cleanup() {
	if mte.train != nil && mte.train.vm != nil {
		mte.train.vm.Close()
		mte.train.vm = nil
	}
	if mte.infer != nil {
		mte.infer.Cleanup()
	}
}
