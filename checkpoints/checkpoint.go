package checkpoints

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from a file extension (".onnx" or anything else)
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		return FormatONNX
	}
	return FormatJSON
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data.
// Dense weights are stored [in, out]; everything else uses the PyTorch layout.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "running_mean", "running_var"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`

	// Opaque state of a metric-driven learning rate scheduler
	SchedulerState json.RawMessage `json:"scheduler_state,omitempty"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance", etc.
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Model       string    `json:"model,omitempty"`
	Experiment  string    `json:"experiment,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// WeightMap indexes the checkpoint weights by name
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		m[w.Name] = w
	}
	return m
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint.
// The file is written to a temporary name and renamed into place, so a
// crash mid-write never leaves a truncated checkpoint behind.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return errors.New("checkpoint is nil")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-matnet"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return writeAtomic(path, func(w io.Writer) error {
			return cs.encodeJSON(checkpoint, w, strings.HasSuffix(path, ".gz"))
		})
	case FormatONNX:
		return writeAtomic(path, func(w io.Writer) error {
			return NewONNXExporter().Encode(checkpoint, w)
		})
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatONNX:
		return NewONNXImporter().ImportFromONNX(path)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// Load reads a checkpoint choosing the format from the file extension
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

func (cs *CheckpointSaver) encodeJSON(checkpoint *Checkpoint, w io.Writer, compress bool) error {
	if compress {
		gz := gzip.NewWriter(w)
		if err := json.NewEncoder(gz).Encode(checkpoint); err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
		return gz.Close()
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(checkpoint); err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open compressed checkpoint")
		}
		defer gz.Close()
		r = gz
	}

	var checkpoint Checkpoint
	if err := json.NewDecoder(r).Decode(&checkpoint); err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}

	// JSON turns integer layer parameters into float64; recompute derived shapes
	if checkpoint.ModelSpec != nil && len(checkpoint.ModelSpec.Layers) > 0 {
		if err := checkpoint.ModelSpec.Recompile(); err != nil {
			return nil, errors.Wrap(err, "checkpoint model spec is invalid")
		}
	}

	return &checkpoint, nil
}

func writeAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to flush checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into %s", path)
	}
	return nil
}

// ExtractWeights builds checkpoint tensors for every parameter and running
// statistic of spec, reading the data through lookup.
func ExtractWeights(spec *layers.ModelSpec, lookup func(name string) ([]float32, bool)) ([]WeightTensor, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model not compiled")
	}
	infos := append(spec.Parameters(), spec.RunningStatistics()...)
	weights := make([]WeightTensor, 0, len(infos))
	for _, info := range infos {
		data, ok := lookup(info.Name)
		if !ok {
			return nil, errors.Errorf("missing tensor %s", info.Name)
		}
		if len(data) != info.Size() {
			return nil, errors.Errorf("tensor %s has %d elements, expected %d", info.Name, len(data), info.Size())
		}
		weights = append(weights, WeightTensor{
			Name:  info.Name,
			Shape: append([]int(nil), info.Shape...),
			Data:  append([]float32(nil), data...),
			Layer: info.Layer,
			Type:  info.Kind,
		})
	}
	return weights, nil
}
