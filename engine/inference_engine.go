package engine

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/layers"
)

// ModelInferenceEngine runs forward passes with dropout disabled and batch
// norm driven by running statistics. It never modifies the parameter store.
type ModelInferenceEngine struct {
	modelSpec  *layers.ModelSpec
	params     *ParameterStore
	graph      *compiledGraph
	batchSize  int
	sampleSize int
	numClasses int
	buffer     []float32
}

// NewModelInferenceEngine creates an inference engine over params.
// A nil params allocates freshly initialized storage.
func NewModelInferenceEngine(modelSpec *layers.ModelSpec, params *ParameterStore, batchSize int) (*ModelInferenceEngine, error) {
	if modelSpec == nil || !modelSpec.Compiled {
		return nil, errors.New("model not compiled")
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size: %d", batchSize)
	}
	if params == nil {
		var err error
		if params, err = NewParameterStore(modelSpec, nil); err != nil {
			return nil, err
		}
	}

	graph, err := buildGraph(modelSpec, params, batchSize, inferGraph)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build inference graph")
	}

	sampleSize := 1
	for _, d := range modelSpec.InputShape[1:] {
		sampleSize *= d
	}
	return &ModelInferenceEngine{
		modelSpec:  modelSpec,
		params:     params,
		graph:      graph,
		batchSize:  batchSize,
		sampleSize: sampleSize,
		numClasses: modelSpec.OutputShape[len(modelSpec.OutputShape)-1],
		buffer:     make([]float32, batchSize*sampleSize),
	}, nil
}

// LoadWeights loads checkpoint tensors (native layout) into the engine's parameters
func (mie *ModelInferenceEngine) LoadWeights(weights []checkpoints.WeightTensor) error {
	return mie.params.LoadTensors(weights)
}

// Predict returns logits [n, classes] for n samples packed CHW in inputs.
// Inputs larger than the batch size are processed in chunks and a final
// partial chunk is zero-padded.
func (mie *ModelInferenceEngine) Predict(inputs []float32, n int) ([]float32, error) {
	if n <= 0 {
		return nil, errors.Errorf("invalid sample count: %d", n)
	}
	if len(inputs) != n*mie.sampleSize {
		return nil, errors.Errorf("expected %d input values for %d samples, got %d", n*mie.sampleSize, n, len(inputs))
	}

	for _, bn := range mie.graph.batchNorms {
		if err := bn.fold(mie.params); err != nil {
			return nil, err
		}
	}

	logits := make([]float32, 0, n*mie.numClasses)
	for start := 0; start < n; start += mie.batchSize {
		rows := min(mie.batchSize, n-start)
		chunk := inputs[start*mie.sampleSize : (start+rows)*mie.sampleSize]
		copy(mie.buffer, chunk)
		clear(mie.buffer[len(chunk):])

		out, err := mie.executeInference(mie.buffer)
		if err != nil {
			return nil, err
		}
		logits = append(logits, out[:rows*mie.numClasses]...)
	}
	return logits, nil
}

func (mie *ModelInferenceEngine) executeInference(batch []float32) ([]float32, error) {
	cg := mie.graph
	x := tensor.New(tensor.WithShape(cg.inputShape...), tensor.WithBacking(batch))
	if err := gorgonia.Let(cg.input, x); err != nil {
		return nil, errors.Wrap(err, "failed to bind input")
	}
	cg.vm.Reset()
	if err := cg.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "inference execution failed")
	}
	return float32s(cg.logitsVal)
}

// GetModelSpec returns the model specification
func (mie *ModelInferenceEngine) GetModelSpec() *layers.ModelSpec {
	return mie.modelSpec
}

// Parameters returns the store the engine reads from
func (mie *ModelInferenceEngine) Parameters() *ParameterStore {
	return mie.params
}

// ListBatchNormLayers returns the names of all batch-norm layers
func (mie *ModelInferenceEngine) ListBatchNormLayers() []string {
	names := make([]string, 0, len(mie.graph.batchNorms))
	for _, bn := range mie.graph.batchNorms {
		names = append(names, bn.layer.Name)
	}
	return names
}

// Cleanup releases the graph's virtual machine
func (mie *ModelInferenceEngine) Cleanup() {
	if mie.graph != nil && mie.graph.vm != nil {
		mie.graph.vm.Close()
		mie.graph.vm = nil
	}
}
