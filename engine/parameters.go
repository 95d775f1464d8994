package engine

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/layers"
)

// Parameter is one learnable tensor or running statistic backed by a flat slice.
// Both compute graphs alias Data, so in-place updates are seen by both.
type Parameter struct {
	layers.ParameterInfo
	Data []float32
}

// ParameterStore owns the storage of every parameter and batch-norm buffer of a model
type ParameterStore struct {
	spec   *layers.ModelSpec
	params []*Parameter
	stats  []*Parameter
	byName map[string]*Parameter
}

// NewParameterStore allocates and initializes storage for a compiled model:
// Kaiming-normal (fan_out) for convolutions, uniform(±1/sqrt(fan_in)) for
// dense layers, ones and zeros for batch norm.
func NewParameterStore(spec *layers.ModelSpec, rng *rand.Rand) (*ParameterStore, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	ps := &ParameterStore{spec: spec, byName: make(map[string]*Parameter)}
	for _, info := range spec.Parameters() {
		p := &Parameter{ParameterInfo: info, Data: make([]float32, info.Size())}
		if err := initializeParameter(p, rng); err != nil {
			return nil, errors.Wrapf(err, "failed to initialize %s", info.Name)
		}
		ps.params = append(ps.params, p)
		ps.byName[info.Name] = p
	}
	ps.initializeDenseBias(rng)
	for _, info := range spec.RunningStatistics() {
		p := &Parameter{ParameterInfo: info, Data: make([]float32, info.Size())}
		if info.Kind == "running_var" {
			fill(p.Data, 1)
		}
		ps.stats = append(ps.stats, p)
		ps.byName[info.Name] = p
	}
	return ps, nil
}

func initializeParameter(p *Parameter, rng *rand.Rand) error {
	switch p.LayerType {
	case layers.Conv2D, layers.DepthwiseConv2D:
		if p.Kind == "bias" {
			return nil
		}
		// weight [out, in, k, k]
		fanOut := p.Shape[0] * p.Shape[2] * p.Shape[3]
		initializeNormal(p.Data, rng, 0, float32(math.Sqrt(2/float64(fanOut))))
	case layers.Dense:
		// weight [in, out]; biases are filled by initializeDenseBias
		if p.Kind == "bias" {
			return nil
		}
		bound := float32(1 / math.Sqrt(float64(p.Shape[0])))
		initializeUniform(p.Data, rng, -bound, bound)
	case layers.BatchNorm:
		if p.Kind == "weight" {
			fill(p.Data, 1)
		}
	default:
		return errors.Errorf("no initializer for %s parameters", p.LayerType)
	}
	return nil
}

// initializeDenseBias gives dense biases the same bound as their weights
func (ps *ParameterStore) initializeDenseBias(rng *rand.Rand) {
	for _, p := range ps.params {
		if p.LayerType != layers.Dense || p.Kind != "bias" {
			continue
		}
		w := ps.byName[p.Layer+".weight"]
		bound := float32(1 / math.Sqrt(float64(w.Shape[0])))
		initializeUniform(p.Data, rng, -bound, bound)
	}
}

func initializeUniform(data []float32, rng *rand.Rand, min, max float32) {
	for i := range data {
		data[i] = min + (max-min)*rng.Float32()
	}
}

func initializeNormal(data []float32, rng *rand.Rand, mean, std float32) {
	for i := range data {
		data[i] = mean + std*float32(rng.NormFloat64())
	}
}

func fill(data []float32, v float32) {
	for i := range data {
		data[i] = v
	}
}

// Get returns a parameter or running statistic by name
func (ps *ParameterStore) Get(name string) (*Parameter, bool) {
	p, ok := ps.byName[name]
	return p, ok
}

// Parameters returns the learnable tensors in model order
func (ps *ParameterStore) Parameters() []*Parameter {
	return ps.params
}

// RunningStats returns the batch-norm buffers in model order
func (ps *ParameterStore) RunningStats() []*Parameter {
	return ps.stats
}

// Shapes returns the shapes of the learnable tensors, aligned with Parameters
func (ps *ParameterStore) Shapes() [][]int {
	shapes := make([][]int, len(ps.params))
	for i, p := range ps.params {
		shapes[i] = p.Shape
	}
	return shapes
}

// TrainableShapes is Shapes with nil in place of frozen tensors, so
// optimizers keep no state for them
func (ps *ParameterStore) TrainableShapes() [][]int {
	shapes := make([][]int, len(ps.params))
	for i, p := range ps.params {
		if p.Trainable {
			shapes[i] = p.Shape
		}
	}
	return shapes
}

// Data returns the backing slices of the learnable tensors, aligned with Parameters
func (ps *ParameterStore) Data() [][]float32 {
	data := make([][]float32, len(ps.params))
	for i, p := range ps.params {
		data[i] = p.Data
	}
	return data
}

// Load copies values into the store. Names not present in values are left untouched.
func (ps *ParameterStore) Load(values map[string][]float32) error {
	for name, v := range values {
		p, ok := ps.byName[name]
		if !ok {
			return errors.Errorf("model has no tensor %s", name)
		}
		if len(v) != len(p.Data) {
			return errors.Errorf("tensor %s: got %d values, expected %d", name, len(v), len(p.Data))
		}
		copy(p.Data, v)
	}
	return nil
}

// LoadTensors copies checkpoint tensors (native layout) into the store
func (ps *ParameterStore) LoadTensors(weights []checkpoints.WeightTensor) error {
	values := make(map[string][]float32, len(weights))
	for _, w := range weights {
		values[w.Name] = w.Data
	}
	return ps.Load(values)
}

// Weights snapshots every parameter and running statistic as checkpoint tensors
func (ps *ParameterStore) Weights() ([]checkpoints.WeightTensor, error) {
	return checkpoints.ExtractWeights(ps.spec, func(name string) ([]float32, bool) {
		p, ok := ps.byName[name]
		if !ok {
			return nil, false
		}
		return p.Data, true
	})
}
