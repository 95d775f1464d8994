package layers

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	Softmax
	MaxPool2D
	Dropout
	BatchNorm
	LeakyReLU
	DepthwiseConv2D
	AvgPool2D
	GlobalAvgPool
	Flatten
	Sigmoid
	Swish
	// Composite layers. Their sub-networks live in LayerSpec.Branches.
	Concat        // parallel branches joined on the channel axis
	DenseConcat   // input joined with the output of its single branch
	Residual      // input added to the output of its single branch
	SqueezeExcite // input scaled channel-wise by the output of its single branch
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case Softmax:
		return "Softmax"
	case MaxPool2D:
		return "MaxPool2D"
	case Dropout:
		return "Dropout"
	case BatchNorm:
		return "BatchNorm"
	case LeakyReLU:
		return "LeakyReLU"
	case DepthwiseConv2D:
		return "DepthwiseConv2D"
	case AvgPool2D:
		return "AvgPool2D"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Flatten:
		return "Flatten"
	case Sigmoid:
		return "Sigmoid"
	case Swish:
		return "Swish"
	case Concat:
		return "Concat"
	case DenseConcat:
		return "DenseConcat"
	case Residual:
		return "Residual"
	case SqueezeExcite:
		return "SqueezeExcite"
	default:
		return "Unknown"
	}
}

// IsComposite reports whether the layer wraps sub-networks
func (lt LayerType) IsComposite() bool {
	switch lt {
	case Concat, DenseConcat, Residual, SqueezeExcite:
		return true
	}
	return false
}

// LayerSpec defines layer configuration.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Sub-networks of composite layers
	Branches [][]LayerSpec `json:"branches,omitempty"`

	// Frozen layers keep their parameters fixed during training
	Frozen bool `json:"frozen,omitempty"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters     int64   `json:"total_parameters"`
	TrainableParameters int64   `json:"trainable_parameters"`
	ParameterShapes     [][]int `json:"parameter_shapes"`
	InputShape          []int   `json:"input_shape"`
	OutputShape         []int   `json:"output_shape"`
	Compiled            bool    `json:"compiled"`
}

// ParameterInfo describes one learnable tensor or running statistic of a compiled model.
// Names follow the "<layer>.<kind>" convention used in checkpoints.
type ParameterInfo struct {
	Name      string
	Layer     string
	Kind      string // "weight", "bias", "running_mean", "running_var"
	Shape     []int
	Trainable bool
	LayerType LayerType
}

// Size returns the number of elements of the parameter
func (p ParameterInfo) Size() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder.
// inputShape is [batch, channels, height, width] for image models.
// Builders used only to assemble branches may pass nil.
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// Layers returns the layers added so far, for use as a composite branch
func (mb *ModelBuilder) Layers() []LayerSpec {
	out := make([]LayerSpec, len(mb.layers))
	copy(out, mb.layers)
	return out
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddLayers appends a sequence of layers, typically a reusable block
func (mb *ModelBuilder) AddLayers(layers []LayerSpec) *ModelBuilder {
	for _, l := range layers {
		mb.AddLayer(l)
	}
	return mb
}

// AddDense adds a dense layer to the model.
// Inputs of rank > 2 are flattened.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(
	outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddDepthwiseConv2D adds a depthwise convolution (one filter per input channel)
func (mb *ModelBuilder) AddDepthwiseConv2D(kernelSize, stride, padding int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: DepthwiseConv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddSigmoid adds a Sigmoid activation to the model
func (mb *ModelBuilder) AddSigmoid(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Sigmoid, Name: name})
}

// AddSwish adds a Swish (SiLU) activation: x * sigmoid(x)
func (mb *ModelBuilder) AddSwish(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Swish, Name: name})
}

// AddSoftmax adds a Softmax activation to the model
func (mb *ModelBuilder) AddSoftmax(axis int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": axis,
		},
	})
}

// AddDropout adds a Dropout layer to the model.
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all)
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer to the model.
// numFeatures may be 0, in which case it is taken from the input channels.
// momentum weights the new batch statistic in the running average (PyTorch convention, default 0.1)
func (mb *ModelBuilder) AddBatchNorm(numFeatures int, eps float32, momentum float32, affine bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features": numFeatures,
			"eps":          eps,
			"momentum":     momentum,
			"affine":       affine,
		},
	})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values (default: 0.01)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddMaxPool2D adds a max pooling layer
func (mb *ModelBuilder) AddMaxPool2D(kernelSize, stride, padding int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
		},
	})
}

// AddAvgPool2D adds a non-overlapping average pooling layer (stride == kernel size)
func (mb *ModelBuilder) AddAvgPool2D(kernelSize int, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: AvgPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
		},
	})
}

// AddGlobalAvgPool averages each channel down to 1x1
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: GlobalAvgPool, Name: name})
}

// AddFlatten collapses all non-batch dimensions
func (mb *ModelBuilder) AddFlatten(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Flatten, Name: name})
}

// AddConcat adds parallel branches whose outputs are concatenated on the channel axis
func (mb *ModelBuilder) AddConcat(name string, branches ...[]LayerSpec) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Concat, Name: name, Branches: branches})
}

// AddDenseConcat concatenates the input with the branch output (DenseNet layer)
func (mb *ModelBuilder) AddDenseConcat(name string, branch []LayerSpec) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: DenseConcat, Name: name, Branches: [][]LayerSpec{branch}})
}

// AddResidual adds the input to the branch output
func (mb *ModelBuilder) AddResidual(name string, branch []LayerSpec) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Residual, Name: name, Branches: [][]LayerSpec{branch}})
}

// AddSqueezeExcite scales the input by the branch output, which must be [N, C, 1, 1]
func (mb *ModelBuilder) AddSqueezeExcite(name string, branch []LayerSpec) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: SqueezeExcite, Name: name, Branches: [][]LayerSpec{branch}})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, errors.New("cannot compile empty model")
	}
	if len(mb.inputShape) < 2 {
		return nil, errors.Errorf("input shape %v must include batch and feature dimensions", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     copyLayers(mb.layers),
		InputShape: append([]int(nil), mb.inputShape...),
	}

	if err := model.compile(); err != nil {
		return nil, err
	}
	mb.compiled = true
	return model, nil
}

// GetCompiledModel returns the compiled model (must call Compile first)
func (mb *ModelBuilder) GetCompiledModel() (*ModelSpec, error) {
	if !mb.compiled {
		return nil, errors.New("model not compiled - call Compile() first")
	}

	return mb.Compile() // Re-compile to get fresh copy
}

// Recompile recomputes shapes and parameter totals, e.g. after a model
// was decoded from JSON or its head was replaced.
func (ms *ModelSpec) Recompile() error {
	return ms.compile()
}

func (ms *ModelSpec) compile() error {
	names := make(map[string]bool)
	out, shapes, count, err := compileSequence(ms.Layers, ms.InputShape, names)
	if err != nil {
		return err
	}
	ms.OutputShape = out
	ms.ParameterShapes = shapes
	ms.TotalParameters = count
	ms.TrainableParameters = 0
	for _, p := range ms.Parameters() {
		if p.Trainable {
			ms.TrainableParameters += int64(p.Size())
		}
	}
	ms.Compiled = true
	return nil
}

// compileSequence infers shapes for a chain of layers, recursing into composites.
func compileSequence(seq []LayerSpec, inputShape []int, names map[string]bool) ([]int, [][]int, int64, error) {
	currentShape := inputShape
	var allShapes [][]int
	var total int64

	for i := range seq {
		layer := &seq[i]
		if layer.Parameters == nil {
			layer.Parameters = map[string]interface{}{}
		}
		if layer.Name == "" {
			return nil, nil, 0, errors.Errorf("layer %d (%s) has no name", i, layer.Type)
		}
		if names[layer.Name] {
			return nil, nil, 0, errors.Errorf("duplicate layer name %q", layer.Name)
		}
		names[layer.Name] = true

		layer.InputShape = append([]int(nil), currentShape...)

		var (
			outputShape []int
			paramShapes [][]int
			paramCount  int64
			err         error
		)
		if layer.Type.IsComposite() {
			outputShape, paramShapes, paramCount, err = computeCompositeInfo(layer, currentShape, names)
		} else {
			outputShape, paramShapes, paramCount, err = computeLayerInfo(layer, currentShape)
		}
		if err != nil {
			return nil, nil, 0, errors.Wrapf(err, "failed to compute layer %d (%s) info", i, layer.Name)
		}

		layer.OutputShape = outputShape
		if !layer.Type.IsComposite() {
			layer.ParameterShapes = paramShapes
		}
		layer.ParameterCount = paramCount

		allShapes = append(allShapes, paramShapes...)
		total += paramCount
		currentShape = outputShape
	}

	return currentShape, allShapes, total, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return computeDenseInfo(layer, inputShape)
	case Conv2D:
		return computeConv2DInfo(layer, inputShape)
	case DepthwiseConv2D:
		return computeDepthwiseInfo(layer, inputShape)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputShape)
	case MaxPool2D:
		return computeMaxPoolInfo(layer, inputShape)
	case AvgPool2D:
		return computeAvgPoolInfo(layer, inputShape)
	case GlobalAvgPool:
		if len(inputShape) != 4 {
			return nil, nil, 0, errors.New("global average pooling requires 4D input")
		}
		return []int{inputShape[0], inputShape[1], 1, 1}, nil, 0, nil
	case Flatten:
		return []int{inputShape[0], flatSize(inputShape)}, nil, 0, nil
	case ReLU, Softmax, Dropout, LeakyReLU, Sigmoid, Swish:
		return computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, errors.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, errors.New("dense layer requires at least 2D input")
	}

	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, errors.New("missing output_size parameter")
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Flatten all dimensions except batch
	inputSize := flatSize(inputShape)
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

func convOutput(size, kernel, stride, padding int) int {
	return (size+2*padding-kernel)/stride + 1
}

// computeConv2DInfo computes Conv2D layer information
func computeConv2DInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("Conv2D layer requires 4D input [batch, channels, height, width]")
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	if outputChannels <= 0 {
		return nil, nil, 0, errors.New("missing output_channels parameter")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	if stride <= 0 {
		return nil, nil, 0, errors.Errorf("invalid stride %d", stride)
	}
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	inputChannels := inputShape[1]
	layer.Parameters["input_channels"] = inputChannels

	outputHeight := convOutput(inputShape[2], kernelSize, stride, padding)
	outputWidth := convOutput(inputShape[3], kernelSize, stride, padding)
	if outputHeight <= 0 || outputWidth <= 0 {
		return nil, nil, 0, errors.Errorf("input %v too small for kernel %d", inputShape, kernelSize)
	}

	outputShape := []int{inputShape[0], outputChannels, outputHeight, outputWidth}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels * inputChannels * kernelSize * kernelSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return outputShape, paramShapes, paramCount, nil
}

func computeDepthwiseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("depthwise convolution requires 4D input")
	}
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	if kernelSize <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getIntParam(layer.Parameters, "padding", 0)
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	channels := inputShape[1]
	layer.Parameters["input_channels"] = channels
	oh := convOutput(inputShape[2], kernelSize, stride, padding)
	ow := convOutput(inputShape[3], kernelSize, stride, padding)
	if oh <= 0 || ow <= 0 {
		return nil, nil, 0, errors.Errorf("input %v too small for kernel %d", inputShape, kernelSize)
	}

	// Weight tensor: [channels, 1, k, k]
	paramShapes := [][]int{{channels, 1, kernelSize, kernelSize}}
	paramCount := int64(channels * kernelSize * kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{channels})
		paramCount += int64(channels)
	}
	return []int{inputShape[0], channels, oh, ow}, paramShapes, paramCount, nil
}

// computeBatchNormInfo computes batch normalization layer information
func computeBatchNormInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 2 && len(inputShape) != 4 {
		return nil, nil, 0, errors.New("batch norm layer requires 2D or 4D input")
	}

	expectedFeatures := inputShape[1]
	numFeatures := getIntParam(layer.Parameters, "num_features", 0)
	if numFeatures == 0 {
		numFeatures = expectedFeatures
		layer.Parameters["num_features"] = numFeatures
	}
	if numFeatures != expectedFeatures {
		return nil, nil, 0, errors.Errorf("num_features (%d) doesn't match input feature dimension (%d)", numFeatures, expectedFeatures)
	}

	outputShape := append([]int(nil), inputShape...)

	var paramShapes [][]int
	var paramCount int64
	if getBoolParam(layer.Parameters, "affine", true) {
		// gamma (scale) and beta (shift)
		paramShapes = [][]int{{numFeatures}, {numFeatures}}
		paramCount = int64(numFeatures * 2)
	}

	// running_mean and running_var are buffers, not learnable parameters
	return outputShape, paramShapes, paramCount, nil
}

func computeMaxPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("max pooling requires 4D input")
	}
	k := getIntParam(layer.Parameters, "kernel_size", 0)
	if k <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	stride := getIntParam(layer.Parameters, "stride", k)
	padding := getIntParam(layer.Parameters, "padding", 0)
	if padding*2 > k {
		return nil, nil, 0, errors.Errorf("padding %d exceeds half the kernel size %d", padding, k)
	}
	oh := convOutput(inputShape[2], k, stride, padding)
	ow := convOutput(inputShape[3], k, stride, padding)
	if oh <= 0 || ow <= 0 {
		return nil, nil, 0, errors.Errorf("input %v too small for pool %d", inputShape, k)
	}
	return []int{inputShape[0], inputShape[1], oh, ow}, nil, 0, nil
}

func computeAvgPoolInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, errors.New("average pooling requires 4D input")
	}
	k := getIntParam(layer.Parameters, "kernel_size", 0)
	if k <= 0 {
		return nil, nil, 0, errors.New("missing kernel_size parameter")
	}
	oh, ow := inputShape[2]/k, inputShape[3]/k
	if oh == 0 || ow == 0 {
		return nil, nil, 0, errors.Errorf("input %v too small for pool %d", inputShape, k)
	}
	return []int{inputShape[0], inputShape[1], oh, ow}, nil, 0, nil
}

func computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	return append([]int(nil), inputShape...), nil, 0, nil
}

func computeCompositeInfo(layer *LayerSpec, inputShape []int, names map[string]bool) ([]int, [][]int, int64, error) {
	if len(layer.Branches) == 0 {
		return nil, nil, 0, errors.Errorf("%s layer has no branches", layer.Type)
	}
	if layer.Type != Concat && len(layer.Branches) != 1 {
		return nil, nil, 0, errors.Errorf("%s layer takes exactly one branch, got %d", layer.Type, len(layer.Branches))
	}

	var shapes [][]int
	var count int64
	outs := make([][]int, len(layer.Branches))
	for b := range layer.Branches {
		out, s, c, err := compileSequence(layer.Branches[b], inputShape, names)
		if err != nil {
			return nil, nil, 0, errors.Wrapf(err, "branch %d", b)
		}
		outs[b] = out
		shapes = append(shapes, s...)
		count += c
	}

	switch layer.Type {
	case Concat:
		return concatShapes(outs, shapes, count)
	case DenseConcat:
		return concatShapes([][]int{inputShape, outs[0]}, shapes, count)
	case Residual:
		if !sameShape(inputShape, outs[0]) {
			return nil, nil, 0, errors.Errorf("residual branch output %v doesn't match input %v", outs[0], inputShape)
		}
		return append([]int(nil), inputShape...), shapes, count, nil
	default: // SqueezeExcite
		o := outs[0]
		if len(inputShape) != 4 || len(o) != 4 || o[1] != inputShape[1] || o[2] != 1 || o[3] != 1 {
			return nil, nil, 0, errors.Errorf("squeeze-excite branch output %v must be [N, %d, 1, 1]", o, inputShape[1])
		}
		return append([]int(nil), inputShape...), shapes, count, nil
	}
}

func concatShapes(outs [][]int, shapes [][]int, count int64) ([]int, [][]int, int64, error) {
	result := append([]int(nil), outs[0]...)
	for _, o := range outs[1:] {
		if len(o) != len(result) {
			return nil, nil, 0, errors.Errorf("cannot concatenate shapes %v and %v", result, o)
		}
		for d := range o {
			if d != 1 && o[d] != result[d] {
				return nil, nil, 0, errors.Errorf("cannot concatenate shapes %v and %v", result, o)
			}
		}
		result[1] += o[1]
	}
	return result, shapes, count, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func flatSize(shape []int) int {
	n := 1
	for _, d := range shape[1:] {
		n *= d
	}
	return n
}

func copyLayers(src []LayerSpec) []LayerSpec {
	if src == nil {
		return nil
	}
	dst := make([]LayerSpec, len(src))
	for i, l := range src {
		c := l
		c.Parameters = make(map[string]interface{}, len(l.Parameters))
		for k, v := range l.Parameters {
			c.Parameters[k] = v
		}
		if l.Branches != nil {
			c.Branches = make([][]LayerSpec, len(l.Branches))
			for b := range l.Branches {
				c.Branches[b] = copyLayers(l.Branches[b])
			}
		}
		dst[i] = c
	}
	return dst
}

// Walk visits every layer depth-first in execution order.
// Composite layers are visited before their branches.
func (ms *ModelSpec) Walk(fn func(layer *LayerSpec) error) error {
	return walk(ms.Layers, fn)
}

func walk(seq []LayerSpec, fn func(layer *LayerSpec) error) error {
	for i := range seq {
		if err := fn(&seq[i]); err != nil {
			return err
		}
		for b := range seq[i].Branches {
			if err := walk(seq[i].Branches[b], fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// FindLayer returns the layer with the given name
func (ms *ModelSpec) FindLayer(name string) (*LayerSpec, bool) {
	var found *LayerSpec
	_ = ms.Walk(func(l *LayerSpec) error {
		if found == nil && l.Name == name {
			found = l
		}
		return nil
	})
	return found, found != nil
}

// Parameters lists the learnable tensors of a compiled model in a stable order
func (ms *ModelSpec) Parameters() []ParameterInfo {
	var params []ParameterInfo
	_ = ms.Walk(func(l *LayerSpec) error {
		kinds := []string{"weight", "bias"}
		for i, shape := range l.ParameterShapes {
			params = append(params, ParameterInfo{
				Name:      l.Name + "." + kinds[i],
				Layer:     l.Name,
				Kind:      kinds[i],
				Shape:     append([]int(nil), shape...),
				Trainable: !l.Frozen,
				LayerType: l.Type,
			})
		}
		return nil
	})
	return params
}

// RunningStatistics lists the batch-norm buffers of a compiled model
func (ms *ModelSpec) RunningStatistics() []ParameterInfo {
	var stats []ParameterInfo
	_ = ms.Walk(func(l *LayerSpec) error {
		if l.Type != BatchNorm {
			return nil
		}
		c := getIntParam(l.Parameters, "num_features", 0)
		for _, kind := range []string{"running_mean", "running_var"} {
			stats = append(stats, ParameterInfo{
				Name:      l.Name + "." + kind,
				Layer:     l.Name,
				Kind:      kind,
				Shape:     []int{c},
				LayerType: BatchNorm,
			})
		}
		return nil
	})
	return stats
}

// Freeze marks every parameterized layer accepted by match as frozen
// and returns how many layers were frozen.
func (ms *ModelSpec) Freeze(match func(layerName string) bool) int {
	n := 0
	_ = ms.Walk(func(l *LayerSpec) error {
		if len(l.ParameterShapes) > 0 && match(l.Name) {
			l.Frozen = true
			n++
		}
		return nil
	})
	ms.TrainableParameters = 0
	for _, p := range ms.Parameters() {
		if p.Trainable {
			ms.TrainableParameters += int64(p.Size())
		}
	}
	return n
}

// FreezePrefixes freezes every layer whose name starts with one of the prefixes
func (ms *ModelSpec) FreezePrefixes(prefixes ...string) int {
	return ms.Freeze(func(name string) bool {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				return true
			}
		}
		return false
	})
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	sb.WriteString("Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Trainable Parameters: %d\n", ms.TrainableParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))
	summarize(&sb, ms.Layers, "")
	return sb.String()
}

func summarize(sb *strings.Builder, seq []LayerSpec, indent string) {
	for i, layer := range seq {
		frozen := ""
		if layer.Frozen {
			frozen = " [frozen]"
		}
		fmt.Fprintf(sb, "%sLayer %d: %s (%s)%s\n", indent, i+1, layer.Name, layer.Type.String(), frozen)
		fmt.Fprintf(sb, "%s  Input:  %v\n", indent, layer.InputShape)
		fmt.Fprintf(sb, "%s  Output: %v\n", indent, layer.OutputShape)
		fmt.Fprintf(sb, "%s  Params: %d\n", indent, layer.ParameterCount)
		for b, branch := range layer.Branches {
			fmt.Fprintf(sb, "%s  Branch %d:\n", indent, b)
			summarize(sb, branch, indent+"    ")
		}
	}
}

// Helper functions for parameter extraction.
// Values decoded from JSON arrive as float64.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}

// IntParam reads an integer layer parameter
func (l *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(l.Parameters, key, defaultValue)
}

// BoolParam reads a boolean layer parameter
func (l *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(l.Parameters, key, defaultValue)
}

// FloatParam reads a floating point layer parameter
func (l *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(l.Parameters, key, defaultValue)
}
