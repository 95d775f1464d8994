package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/layers"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13
	onnxInput     = "input"
	onnxOutput    = "output"
)

// ONNXExporter handles conversion of matnet models to ONNX format
type ONNXExporter struct {
	graph   *GraphProto
	weights map[string]WeightTensor
	written map[string]bool
}

// NewONNXExporter creates a new ONNX exporter
func NewONNXExporter() *ONNXExporter {
	return &ONNXExporter{}
}

// ExportToONNX converts a checkpoint to an ONNX file
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string) error {
	return writeAtomic(path, func(w io.Writer) error {
		return oe.Encode(checkpoint, w)
	})
}

// Encode writes the checkpoint as an ONNX model.
// The model spec is embedded as JSON in the model doc string so that
// ImportFromONNX can restore it exactly.
func (oe *ONNXExporter) Encode(checkpoint *Checkpoint, w io.Writer) error {
	if checkpoint == nil || checkpoint.ModelSpec == nil {
		return errors.New("ONNX export requires a checkpoint with a model spec")
	}
	spec := checkpoint.ModelSpec
	if !spec.Compiled {
		if err := spec.Recompile(); err != nil {
			return errors.Wrap(err, "failed to compile model spec")
		}
	}

	graph, err := oe.buildONNXGraph(checkpoint)
	if err != nil {
		return errors.Wrap(err, "failed to build ONNX graph")
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return errors.Wrap(err, "failed to encode model spec")
	}

	model := &ModelProto{
		IrVersion:       onnxIRVersion,
		OpsetImport:     []*OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		ProducerName:    "go-matnet",
		ProducerVersion: "1.0.0",
		ModelVersion:    1,
		DocString:       string(specJSON),
		Graph:           graph,
	}

	if _, err := w.Write(model.Marshal()); err != nil {
		return errors.Wrap(err, "failed to write ONNX model")
	}
	return nil
}

// buildONNXGraph creates the ONNX computation graph from the model spec
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint) (*GraphProto, error) {
	spec := checkpoint.ModelSpec
	name := checkpoint.Metadata.Model
	if name == "" {
		name = "matnet-model"
	}
	oe.graph = &GraphProto{Name: name}
	oe.weights = checkpoint.WeightMap()
	oe.written = make(map[string]bool)

	out, err := oe.emitSequence(spec.Layers, onnxInput)
	if err != nil {
		return nil, err
	}

	// Rename the last tensor to the graph output
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType: "Identity",
		Name:   "output_identity",
		Input:  []string{out},
		Output: []string{onnxOutput},
	})

	oe.graph.Input = []*ValueInfoProto{oe.valueInfo(onnxInput, spec.InputShape)}
	oe.graph.Output = []*ValueInfoProto{oe.valueInfo(onnxOutput, spec.OutputShape)}
	return oe.graph, nil
}

func (oe *ONNXExporter) emitSequence(seq []layers.LayerSpec, input string) (string, error) {
	current := input
	for i := range seq {
		out, err := oe.emitLayer(&seq[i], current)
		if err != nil {
			return "", errors.Wrapf(err, "layer %s", seq[i].Name)
		}
		current = out
	}
	return current, nil
}

func (oe *ONNXExporter) emitLayer(l *layers.LayerSpec, input string) (string, error) {
	switch l.Type {
	case layers.Conv2D:
		return oe.createConvNode(l, input, 1)
	case layers.DepthwiseConv2D:
		return oe.createConvNode(l, input, l.IntParam("input_channels", 1))
	case layers.Dense:
		return oe.createDenseNode(l, input)
	case layers.BatchNorm:
		return oe.createBatchNormNode(l, input)
	case layers.ReLU:
		return oe.simpleNode("Relu", l.Name, input), nil
	case layers.Sigmoid:
		return oe.simpleNode("Sigmoid", l.Name, input), nil
	case layers.LeakyReLU:
		return oe.simpleNode("LeakyRelu", l.Name, input,
			floatAttr("alpha", l.FloatParam("negative_slope", 0.01))), nil
	case layers.Swish:
		sig := oe.simpleNode("Sigmoid", l.Name+"_sigmoid", input)
		return oe.binaryNode("Mul", l.Name, input, sig), nil
	case layers.Softmax:
		return oe.simpleNode("Softmax", l.Name, input, intAttr("axis", int64(l.IntParam("axis", -1)))), nil
	case layers.Dropout:
		// Inference graph: dropout is the identity, the ratio is kept for reference
		n := oe.simpleNode("Dropout", l.Name, input)
		oe.lastNode().DocString = fmt.Sprintf("ratio=%g", l.FloatParam("rate", 0.5))
		return n, nil
	case layers.MaxPool2D:
		k := int64(l.IntParam("kernel_size", 2))
		s := int64(l.IntParam("stride", int(k)))
		p := int64(l.IntParam("padding", 0))
		return oe.simpleNode("MaxPool", l.Name, input,
			intsAttr("kernel_shape", k, k), intsAttr("strides", s, s), intsAttr("pads", p, p, p, p)), nil
	case layers.AvgPool2D:
		k := int64(l.IntParam("kernel_size", 2))
		return oe.simpleNode("AveragePool", l.Name, input,
			intsAttr("kernel_shape", k, k), intsAttr("strides", k, k)), nil
	case layers.GlobalAvgPool:
		return oe.simpleNode("GlobalAveragePool", l.Name, input), nil
	case layers.Flatten:
		return oe.simpleNode("Flatten", l.Name, input, intAttr("axis", 1)), nil
	case layers.Concat:
		outs := make([]string, len(l.Branches))
		for b, branch := range l.Branches {
			out, err := oe.emitSequence(branch, input)
			if err != nil {
				return "", errors.Wrapf(err, "branch %d", b)
			}
			outs[b] = out
		}
		return oe.concatNode(l.Name, outs), nil
	case layers.DenseConcat:
		out, err := oe.emitSequence(l.Branches[0], input)
		if err != nil {
			return "", err
		}
		return oe.concatNode(l.Name, []string{input, out}), nil
	case layers.Residual:
		out, err := oe.emitSequence(l.Branches[0], input)
		if err != nil {
			return "", err
		}
		return oe.binaryNode("Add", l.Name, input, out), nil
	case layers.SqueezeExcite:
		out, err := oe.emitSequence(l.Branches[0], input)
		if err != nil {
			return "", err
		}
		return oe.binaryNode("Mul", l.Name, input, out), nil
	default:
		return "", errors.Errorf("unsupported layer type for ONNX export: %s", l.Type)
	}
}

// createConvNode creates an ONNX Conv node; group > 1 expresses depthwise convolution
func (oe *ONNXExporter) createConvNode(l *layers.LayerSpec, input string, group int) (string, error) {
	k := int64(l.IntParam("kernel_size", 1))
	s := int64(l.IntParam("stride", 1))
	p := int64(l.IntParam("padding", 0))

	inputs := []string{input}
	for _, kind := range []string{"weight", "bias"} {
		name := l.Name + "." + kind
		if kind == "bias" && !l.BoolParam("use_bias", true) {
			break
		}
		w, ok := oe.weights[name]
		if !ok {
			return "", errors.Errorf("missing tensor %s", name)
		}
		oe.addInitializer(name, w.Shape, w.Data)
		inputs = append(inputs, name)
	}

	output := l.Name + "_output"
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType: "Conv",
		Name:   l.Name,
		Input:  inputs,
		Output: []string{output},
		Attribute: []*AttributeProto{
			intsAttr("kernel_shape", k, k),
			intsAttr("strides", s, s),
			intsAttr("pads", p, p, p, p),
			intAttr("group", int64(group)),
		},
	})
	return output, nil
}

// createDenseNode creates an ONNX Gemm node for a Dense layer.
// Weights are stored [input, output]; Gemm gets them as [output, input] with transB=1.
func (oe *ONNXExporter) createDenseNode(l *layers.LayerSpec, input string) (string, error) {
	if len(l.InputShape) > 2 {
		input = oe.simpleNode("Flatten", l.Name+"_flatten", input, intAttr("axis", 1))
	}

	weightName := l.Name + ".weight"
	w, ok := oe.weights[weightName]
	if !ok {
		return "", errors.Errorf("missing tensor %s", weightName)
	}
	if len(w.Shape) != 2 {
		return "", errors.Errorf("dense weight %s has shape %v", weightName, w.Shape)
	}
	oe.addInitializer(weightName, []int{w.Shape[1], w.Shape[0]}, TransposeMatrix(w.Data, w.Shape[0], w.Shape[1]))

	inputs := []string{input, weightName}
	if l.BoolParam("use_bias", true) {
		biasName := l.Name + ".bias"
		b, ok := oe.weights[biasName]
		if !ok {
			return "", errors.Errorf("missing tensor %s", biasName)
		}
		oe.addInitializer(biasName, b.Shape, b.Data)
		inputs = append(inputs, biasName)
	}

	output := l.Name + "_output"
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType:    "Gemm",
		Name:      l.Name,
		Input:     inputs,
		Output:    []string{output},
		Attribute: []*AttributeProto{intAttr("transB", 1)},
	})
	return output, nil
}

// createBatchNormNode creates an ONNX BatchNormalization node.
// Non-affine layers get constant unit scale and zero shift.
func (oe *ONNXExporter) createBatchNormNode(l *layers.LayerSpec, input string) (string, error) {
	c := l.IntParam("num_features", 0)
	inputs := []string{input}

	if l.BoolParam("affine", true) {
		for _, kind := range []string{"weight", "bias"} {
			name := l.Name + "." + kind
			w, ok := oe.weights[name]
			if !ok {
				return "", errors.Errorf("missing tensor %s", name)
			}
			oe.addInitializer(name, w.Shape, w.Data)
			inputs = append(inputs, name)
		}
	} else {
		ones := make([]float32, c)
		for i := range ones {
			ones[i] = 1
		}
		oe.addInitializer(l.Name+".scale_const", []int{c}, ones)
		oe.addInitializer(l.Name+".shift_const", []int{c}, make([]float32, c))
		inputs = append(inputs, l.Name+".scale_const", l.Name+".shift_const")
	}

	for _, kind := range []string{"running_mean", "running_var"} {
		name := l.Name + "." + kind
		w, ok := oe.weights[name]
		if !ok {
			return "", errors.Errorf("missing tensor %s", name)
		}
		oe.addInitializer(name, w.Shape, w.Data)
		inputs = append(inputs, name)
	}

	output := l.Name + "_output"
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType: "BatchNormalization",
		Name:   l.Name,
		Input:  inputs,
		Output: []string{output},
		Attribute: []*AttributeProto{
			floatAttr("epsilon", l.FloatParam("eps", 1e-5)),
			// ONNX momentum weights the old running value
			floatAttr("momentum", 1-l.FloatParam("momentum", 0.1)),
		},
	})
	return output, nil
}

func (oe *ONNXExporter) simpleNode(op, name, input string, attrs ...*AttributeProto) string {
	output := name + "_output"
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType:    op,
		Name:      name,
		Input:     []string{input},
		Output:    []string{output},
		Attribute: attrs,
	})
	return output
}

func (oe *ONNXExporter) binaryNode(op, name, a, b string) string {
	output := name + "_output"
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType: op,
		Name:   name,
		Input:  []string{a, b},
		Output: []string{output},
	})
	return output
}

func (oe *ONNXExporter) concatNode(name string, inputs []string) string {
	output := name + "_output"
	oe.graph.Node = append(oe.graph.Node, &NodeProto{
		OpType:    "Concat",
		Name:      name,
		Input:     inputs,
		Output:    []string{output},
		Attribute: []*AttributeProto{intAttr("axis", 1)},
	})
	return output
}

func (oe *ONNXExporter) lastNode() *NodeProto {
	return oe.graph.Node[len(oe.graph.Node)-1]
}

func (oe *ONNXExporter) addInitializer(name string, shape []int, data []float32) {
	if oe.written[name] {
		return
	}
	oe.written[name] = true
	oe.graph.Initializer = append(oe.graph.Initializer, createTensorProto(name, shape, data))
}

// valueInfo describes a graph input or output with a symbolic batch dimension
func (oe *ONNXExporter) valueInfo(name string, shape []int) *ValueInfoProto {
	dims := make([]int64, len(shape))
	names := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	if len(dims) > 0 {
		dims[0] = -1
		names[0] = "batch"
	}
	return &ValueInfoProto{
		Name:     name,
		ElemType: TensorProto_DataType_FLOAT,
		Dims:     dims,
		DimNames: names,
	}
}

func createTensorProto(name string, shape []int, data []float32) *TensorProto {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return &TensorProto{
		Name:      name,
		Dims:      dims,
		DataType:  TensorProto_DataType_FLOAT,
		FloatData: data,
	}
}

func intAttr(name string, v int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_INT, I: v}
}

func intsAttr(name string, v ...int64) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_INTS, Ints: v}
}

func floatAttr(name string, v float32) *AttributeProto {
	return &AttributeProto{Name: name, Type: AttributeProto_FLOAT, F: v}
}

// TransposeMatrix transposes a row-major rows x cols matrix
func TransposeMatrix(data []float32, rows, cols int) []float32 {
	out := make([]float32, len(data))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = data[r*cols+c]
		}
	}
	return out
}

// ONNXImporter reads ONNX models into checkpoints
type ONNXImporter struct{}

// NewONNXImporter creates a new ONNX importer
func NewONNXImporter() *ONNXImporter {
	return &ONNXImporter{}
}

// ImportFromONNX reads an ONNX file.
//
// Models written by ONNXExporter carry their model spec and come back with
// native weight layout. For any other producer the checkpoint has a nil
// ModelSpec and its initializers are returned as-is (PyTorch layout), ready
// for ImportWeights with LayoutTorch.
func (oi *ONNXImporter) ImportFromONNX(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ONNX file")
	}
	return oi.Decode(data)
}

// Decode parses an ONNX model held in memory
func (oi *ONNXImporter) Decode(data []byte) (*Checkpoint, error) {
	model, err := UnmarshalModel(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal ONNX model")
	}
	if model.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}

	weights := make([]WeightTensor, 0, len(model.Graph.Initializer))
	for _, init := range model.Graph.Initializer {
		if strings.HasSuffix(init.Name, "_const") {
			continue
		}
		values, err := init.Floats()
		if err != nil {
			// integer initializers (shape constants and the like) are not weights
			continue
		}
		shape := make([]int, len(init.Dims))
		for i, d := range init.Dims {
			shape[i] = int(d)
		}
		layer, kind := splitTensorName(init.Name)
		weights = append(weights, WeightTensor{
			Name:  init.Name,
			Shape: shape,
			Data:  values,
			Layer: layer,
			Type:  kind,
		})
	}

	checkpoint := &Checkpoint{
		Weights: weights,
		Metadata: CheckpointMetadata{
			Version:     "1.0.0",
			Framework:   "go-matnet",
			CreatedAt:   time.Now(),
			Model:       model.Graph.Name,
			Description: fmt.Sprintf("Imported from ONNX (producer: %s)", model.ProducerName),
		},
	}

	if model.ProducerName == "go-matnet" && model.DocString != "" {
		var spec layers.ModelSpec
		if err := json.Unmarshal([]byte(model.DocString), &spec); err != nil {
			return nil, errors.Wrap(err, "failed to decode embedded model spec")
		}
		if err := spec.Recompile(); err != nil {
			return nil, errors.Wrap(err, "embedded model spec is invalid")
		}
		native, err := ToNativeLayout(&spec, weights)
		if err != nil {
			return nil, err
		}
		checkpoint.ModelSpec = &spec
		checkpoint.Weights = native
	}

	return checkpoint, nil
}

// splitTensorName splits "features.0.weight" into ("features.0", "weight")
func splitTensorName(name string) (string, string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return name, ""
	}
	return name[:i], name[i+1:]
}
