package engine

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-matnet/layers"
)

type graphMode int

const (
	trainGraph graphMode = iota
	inferGraph
)

// batchNormBinding connects a batch-norm layer of a graph to its running statistics.
// Training graphs read the batch moments back out; inference graphs are fed a
// per-channel scale and shift folded from the running statistics.
type batchNormBinding struct {
	layer *layers.LayerSpec
	count int // elements averaged per channel

	mean, variance gorgonia.Value

	scale, shift []float32
}

// compiledGraph is one Gorgonia expression graph over a ParameterStore
type compiledGraph struct {
	mode  graphMode
	g     *gorgonia.ExprGraph
	vm    gorgonia.VM
	input *gorgonia.Node

	// training only
	target *gorgonia.Node
	cost   *gorgonia.Node
	wrts   []*gorgonia.Node
	wrtIdx []int // index into ParameterStore.Parameters for each wrt

	logits    *gorgonia.Node
	costVal   gorgonia.Value
	logitsVal gorgonia.Value

	batchNorms []*batchNormBinding
	inputShape []int
}

type graphBuilder struct {
	mode  graphMode
	g     *gorgonia.ExprGraph
	store *ParameterStore
	cg    *compiledGraph
	masks map[[2]int]*gorgonia.Node
	nodes map[string]*gorgonia.Node
}

// buildGraph builds the expression graph of spec for a fixed batch size
func buildGraph(spec *layers.ModelSpec, store *ParameterStore, batchSize int, mode graphMode) (*compiledGraph, error) {
	if len(spec.InputShape) < 2 {
		return nil, errors.Errorf("invalid model input shape %v", spec.InputShape)
	}
	g := gorgonia.NewGraph()
	shape := append([]int{batchSize}, spec.InputShape[1:]...)
	cg := &compiledGraph{mode: mode, g: g, inputShape: shape}

	cg.input = gorgonia.NewTensor(g, tensor.Float32, len(shape),
		gorgonia.WithShape(shape...),
		gorgonia.WithName("input"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(shape...), tensor.Of(tensor.Float32))))

	b := &graphBuilder{mode: mode, g: g, store: store, cg: cg, masks: make(map[[2]int]*gorgonia.Node), nodes: make(map[string]*gorgonia.Node)}
	out, err := b.sequence(spec.Layers, cg.input)
	if err != nil {
		return nil, err
	}
	if out.Dims() != 2 {
		return nil, errors.Errorf("model output must be [batch, classes], got %v", out.Shape())
	}
	cg.logits = out
	gorgonia.Read(cg.logits, &cg.logitsVal)

	if mode == inferGraph {
		cg.vm = gorgonia.NewTapeMachine(g)
		return cg, nil
	}

	classes := out.Shape()[1]
	cg.target = gorgonia.NewMatrix(g, tensor.Float32,
		gorgonia.WithShape(batchSize, classes),
		gorgonia.WithName("target"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(batchSize, classes), tensor.Of(tensor.Float32))))

	if cg.cost, err = softCrossEntropy(g, cg.logits, cg.target); err != nil {
		return nil, errors.Wrap(err, "failed to build loss")
	}
	gorgonia.Read(cg.cost, &cg.costVal)

	for i, p := range store.Parameters() {
		if !p.Trainable {
			continue
		}
		n, ok := b.nodes[p.Name]
		if !ok {
			return nil, errors.Errorf("parameter %s is not part of the graph", p.Name)
		}
		cg.wrts = append(cg.wrts, n)
		cg.wrtIdx = append(cg.wrtIdx, i)
	}
	if len(cg.wrts) == 0 {
		return nil, errors.New("model has no trainable parameters")
	}
	if _, err := gorgonia.Grad(cg.cost, cg.wrts...); err != nil {
		return nil, errors.Wrap(err, "failed to differentiate loss")
	}
	cg.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(cg.wrts...))
	return cg, nil
}

// softCrossEntropy is mean over the batch of -sum(target * log(softmax(logits)))
func softCrossEntropy(g *gorgonia.ExprGraph, logits, target *gorgonia.Node) (*gorgonia.Node, error) {
	probs, err := gorgonia.SoftMax(logits)
	if err != nil {
		return nil, err
	}
	eps := gorgonia.NewScalar(g, tensor.Float32, gorgonia.WithName("loss.eps"), gorgonia.WithValue(float32(1e-7)))
	if probs, err = gorgonia.Add(probs, eps); err != nil {
		return nil, err
	}
	logp, err := gorgonia.Log(probs)
	if err != nil {
		return nil, err
	}
	prod, err := gorgonia.HadamardProd(target, logp)
	if err != nil {
		return nil, err
	}
	perSample, err := gorgonia.Sum(prod, 1)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.Mean(perSample)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}

func (b *graphBuilder) sequence(seq []layers.LayerSpec, x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	for i := range seq {
		if x, err = b.layer(&seq[i], x); err != nil {
			return nil, errors.Wrapf(err, "layer %s", seq[i].Name)
		}
	}
	return x, nil
}

func (b *graphBuilder) layer(l *layers.LayerSpec, x *gorgonia.Node) (*gorgonia.Node, error) {
	switch l.Type {
	case layers.Conv2D, layers.DepthwiseConv2D:
		return b.conv(l, x)
	case layers.Dense:
		return b.dense(l, x)
	case layers.BatchNorm:
		return b.batchNorm(l, x)
	case layers.ReLU:
		return gorgonia.Rectify(x)
	case layers.LeakyReLU:
		return gorgonia.LeakyRelu(x, float64(l.FloatParam("negative_slope", 0.01)))
	case layers.Sigmoid:
		return gorgonia.Sigmoid(x)
	case layers.Swish:
		s, err := gorgonia.Sigmoid(x)
		if err != nil {
			return nil, err
		}
		return gorgonia.HadamardProd(x, s)
	case layers.Softmax:
		return gorgonia.SoftMax(x)
	case layers.Dropout:
		rate := l.FloatParam("rate", 0.5)
		if b.mode == inferGraph || rate <= 0 {
			return x, nil
		}
		return gorgonia.Dropout(x, float64(rate))
	case layers.MaxPool2D:
		k := l.IntParam("kernel_size", 2)
		s := l.IntParam("stride", k)
		p := l.IntParam("padding", 0)
		return gorgonia.MaxPool2D(x, tensor.Shape{k, k}, []int{p, p}, []int{s, s})
	case layers.AvgPool2D:
		return avgPool(x, l.IntParam("kernel_size", 2))
	case layers.GlobalAvgPool:
		shape := x.Shape()
		m, err := gorgonia.Mean(x, 2, 3)
		if err != nil {
			return nil, err
		}
		return gorgonia.Reshape(m, tensor.Shape{shape[0], shape[1], 1, 1})
	case layers.Flatten:
		return flatten(x)
	case layers.Concat:
		outs := make([]*gorgonia.Node, len(l.Branches))
		for i, branch := range l.Branches {
			out, err := b.sequence(branch, x)
			if err != nil {
				return nil, errors.Wrapf(err, "branch %d", i)
			}
			outs[i] = out
		}
		if len(outs) == 1 {
			return outs[0], nil
		}
		return gorgonia.Concat(1, outs...)
	case layers.DenseConcat:
		out, err := b.sequence(l.Branches[0], x)
		if err != nil {
			return nil, err
		}
		return gorgonia.Concat(1, x, out)
	case layers.Residual:
		out, err := b.sequence(l.Branches[0], x)
		if err != nil {
			return nil, err
		}
		return gorgonia.Add(x, out)
	case layers.SqueezeExcite:
		gate, err := b.sequence(l.Branches[0], x)
		if err != nil {
			return nil, err
		}
		return gorgonia.BroadcastHadamardProd(x, gate, nil, []byte{2, 3})
	default:
		return nil, errors.Errorf("unsupported layer type %s", l.Type)
	}
}

// param returns the graph node of a stored tensor, viewed with shape.
// The node aliases the store's slice.
func (b *graphBuilder) param(name string, shape ...int) (*gorgonia.Node, error) {
	p, ok := b.store.Get(name)
	if !ok {
		return nil, errors.Errorf("missing parameter %s", name)
	}
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(p.Data) {
		return nil, errors.Errorf("parameter %s has %d values, cannot view as %v", name, len(p.Data), shape)
	}
	if _, dup := b.nodes[name]; dup {
		return nil, errors.Errorf("parameter %s used twice", name)
	}
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(p.Data))
	n := gorgonia.NewTensor(b.g, tensor.Float32, len(shape),
		gorgonia.WithShape(shape...), gorgonia.WithName(name), gorgonia.WithValue(t))
	b.nodes[name] = n
	return n, nil
}

func (b *graphBuilder) conv(l *layers.LayerSpec, x *gorgonia.Node) (*gorgonia.Node, error) {
	k := l.IntParam("kernel_size", 1)
	s := l.IntParam("stride", 1)
	p := l.IntParam("padding", 0)

	w, err := b.param(l.Name+".weight", l.ParameterShapes[0]...)
	if err != nil {
		return nil, err
	}
	if l.Type == layers.DepthwiseConv2D {
		// [C, 1, k, k] spread onto the diagonal of a dense [C, C, k, k] filter
		c := x.Shape()[1]
		if w, err = gorgonia.BroadcastHadamardProd(w, b.diagonalMask(c, k), []byte{1}, nil); err != nil {
			return nil, err
		}
	}

	y, err := gorgonia.Conv2d(x, w, tensor.Shape{k, k}, []int{p, p}, []int{s, s}, []int{1, 1})
	if err != nil {
		return nil, err
	}
	if !l.BoolParam("use_bias", true) {
		return y, nil
	}
	out := l.ParameterShapes[0][0]
	bias, err := b.param(l.Name+".bias", 1, out, 1, 1)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(y, bias, nil, []byte{0, 2, 3})
}

// diagonalMask is the constant [C, C, k, k] tensor selecting filter c for input channel c
func (b *graphBuilder) diagonalMask(c, k int) *gorgonia.Node {
	key := [2]int{c, k}
	if m, ok := b.masks[key]; ok {
		return m
	}
	data := make([]float32, c*c*k*k)
	for i := 0; i < c; i++ {
		base := (i*c + i) * k * k
		for j := 0; j < k*k; j++ {
			data[base+j] = 1
		}
	}
	t := tensor.New(tensor.WithShape(c, c, k, k), tensor.WithBacking(data))
	m := gorgonia.NewTensor(b.g, tensor.Float32, 4, gorgonia.WithShape(c, c, k, k),
		gorgonia.WithName(maskName(c, k)), gorgonia.WithValue(t))
	b.masks[key] = m
	return m
}

func maskName(c, k int) string {
	return fmt.Sprintf("depthwise_mask_%dx%d", c, k)
}

func (b *graphBuilder) dense(l *layers.LayerSpec, x *gorgonia.Node) (*gorgonia.Node, error) {
	var err error
	if x.Dims() > 2 {
		if x, err = flatten(x); err != nil {
			return nil, err
		}
	}
	shape := l.ParameterShapes[0]
	w, err := b.param(l.Name+".weight", shape...)
	if err != nil {
		return nil, err
	}
	y, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, err
	}
	if !l.BoolParam("use_bias", true) {
		return y, nil
	}
	bias, err := b.param(l.Name+".bias", 1, shape[1])
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(y, bias, nil, []byte{0})
}

func (b *graphBuilder) batchNorm(l *layers.LayerSpec, x *gorgonia.Node) (*gorgonia.Node, error) {
	shape := x.Shape()
	c := shape[1]
	var axes []int
	var pattern []byte
	bshape := []int{1, c}
	count := shape[0]
	switch x.Dims() {
	case 2:
		axes, pattern = []int{0}, []byte{0}
	case 4:
		axes, pattern = []int{0, 2, 3}, []byte{0, 2, 3}
		bshape = []int{1, c, 1, 1}
		count *= shape[2] * shape[3]
	default:
		return nil, errors.Errorf("batch norm input must be 2D or 4D, got %v", shape)
	}

	binding := &batchNormBinding{layer: l, count: count}
	b.cg.batchNorms = append(b.cg.batchNorms, binding)

	if b.mode == inferGraph {
		return b.foldedBatchNorm(l, x, binding, bshape, pattern)
	}

	mean, err := gorgonia.Mean(x, axes...)
	if err != nil {
		return nil, err
	}
	meanB, err := gorgonia.Reshape(mean, tensor.Shape(bshape))
	if err != nil {
		return nil, err
	}
	centered, err := gorgonia.BroadcastSub(x, meanB, nil, pattern)
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := gorgonia.Mean(sq, axes...)
	if err != nil {
		return nil, err
	}
	eps := gorgonia.NewScalar(b.g, tensor.Float32, gorgonia.WithName(l.Name+".eps"),
		gorgonia.WithValue(l.FloatParam("eps", 1e-5)))
	shifted, err := gorgonia.Add(variance, eps)
	if err != nil {
		return nil, err
	}
	std, err := gorgonia.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	stdB, err := gorgonia.Reshape(std, tensor.Shape(bshape))
	if err != nil {
		return nil, err
	}
	y, err := gorgonia.BroadcastHadamardDiv(centered, stdB, nil, pattern)
	if err != nil {
		return nil, err
	}

	gorgonia.Read(mean, &binding.mean)
	gorgonia.Read(variance, &binding.variance)

	if !l.BoolParam("affine", true) {
		return y, nil
	}
	gamma, err := b.param(l.Name+".weight", bshape...)
	if err != nil {
		return nil, err
	}
	beta, err := b.param(l.Name+".bias", bshape...)
	if err != nil {
		return nil, err
	}
	if y, err = gorgonia.BroadcastHadamardProd(y, gamma, nil, pattern); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(y, beta, nil, pattern)
}

// foldedBatchNorm applies y = x*scale + shift with scale and shift refreshed
// from the running statistics before every inference run.
func (b *graphBuilder) foldedBatchNorm(l *layers.LayerSpec, x *gorgonia.Node, binding *batchNormBinding, bshape []int, pattern []byte) (*gorgonia.Node, error) {
	c := bshape[1]
	binding.scale = make([]float32, c)
	binding.shift = make([]float32, c)

	scale := gorgonia.NewTensor(b.g, tensor.Float32, len(bshape), gorgonia.WithShape(bshape...),
		gorgonia.WithName(l.Name+".scale"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(bshape...), tensor.WithBacking(binding.scale))))
	shift := gorgonia.NewTensor(b.g, tensor.Float32, len(bshape), gorgonia.WithShape(bshape...),
		gorgonia.WithName(l.Name+".shift"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(bshape...), tensor.WithBacking(binding.shift))))

	y, err := gorgonia.BroadcastHadamardProd(x, scale, nil, pattern)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(y, shift, nil, pattern)
}

// fold recomputes the inference scale and shift of a batch-norm layer
func (bn *batchNormBinding) fold(store *ParameterStore) error {
	name := bn.layer.Name
	mean, ok1 := store.Get(name + ".running_mean")
	variance, ok2 := store.Get(name + ".running_var")
	if !ok1 || !ok2 {
		return errors.Errorf("missing running statistics for %s", name)
	}
	eps := float64(bn.layer.FloatParam("eps", 1e-5))
	gamma, hasGamma := store.Get(name + ".weight")
	beta, hasBeta := store.Get(name + ".bias")
	for i := range bn.scale {
		s := float32(1 / math.Sqrt(float64(variance.Data[i])+eps))
		if hasGamma {
			s *= gamma.Data[i]
		}
		bn.scale[i] = s
		bn.shift[i] = -mean.Data[i] * s
		if hasBeta {
			bn.shift[i] += beta.Data[i]
		}
	}
	return nil
}

// updateRunning blends the last batch moments into the running statistics.
// The running variance uses the unbiased batch variance.
func (bn *batchNormBinding) updateRunning(store *ParameterStore) error {
	name := bn.layer.Name
	runMean, ok1 := store.Get(name + ".running_mean")
	runVar, ok2 := store.Get(name + ".running_var")
	if !ok1 || !ok2 {
		return errors.Errorf("missing running statistics for %s", name)
	}
	mean, err := float32s(bn.mean)
	if err != nil {
		return errors.Wrapf(err, "%s batch mean", name)
	}
	variance, err := float32s(bn.variance)
	if err != nil {
		return errors.Wrapf(err, "%s batch variance", name)
	}
	m := bn.layer.FloatParam("momentum", 0.1)
	correction := float32(1)
	if bn.count > 1 {
		correction = float32(bn.count) / float32(bn.count-1)
	}
	for i := range runMean.Data {
		runMean.Data[i] = (1-m)*runMean.Data[i] + m*mean[i]
		runVar.Data[i] = (1-m)*runVar.Data[i] + m*variance[i]*correction
	}
	return nil
}

func avgPool(x *gorgonia.Node, k int) (*gorgonia.Node, error) {
	s := x.Shape()
	if len(s) != 4 || s[2]%k != 0 || s[3]%k != 0 {
		return nil, errors.Errorf("average pool %d needs a 4D input with divisible spatial size, got %v", k, s)
	}
	r, err := gorgonia.Reshape(x, tensor.Shape{s[0], s[1], s[2] / k, k, s[3] / k, k})
	if err != nil {
		return nil, err
	}
	return gorgonia.Mean(r, 3, 5)
}

func flatten(x *gorgonia.Node) (*gorgonia.Node, error) {
	s := x.Shape()
	n := 1
	for _, d := range s[1:] {
		n *= d
	}
	return gorgonia.Reshape(x, tensor.Shape{s[0], n})
}

// float32s extracts the data of a value read from a graph
func float32s(v gorgonia.Value) ([]float32, error) {
	if v == nil {
		return nil, errors.New("value was not computed")
	}
	switch d := v.Data().(type) {
	case []float32:
		return d, nil
	case float32:
		return []float32{d}, nil
	default:
		return nil, errors.Errorf("unexpected value type %T", d)
	}
}
