package models

import (
	"fmt"

	"github.com/tsawler/go-matnet/layers"
)

const (
	effEps      = 1e-3
	effMomentum = 0.01
	effSERatio  = 0.25
)

// mbConvStage describes a stage of repeated MBConv blocks
type mbConvStage struct {
	kernel, stride, expand, in, out, repeats int
}

var efficientNetB0 = []mbConvStage{
	{3, 1, 1, 32, 16, 1},
	{3, 2, 6, 16, 24, 2},
	{5, 2, 6, 24, 40, 2},
	{3, 2, 6, 40, 80, 3},
	{5, 1, 6, 80, 112, 3},
	{5, 2, 6, 112, 192, 4},
	{3, 1, 6, 192, 320, 1},
}

// mbConv builds one inverted-residual block with squeeze-and-excitation.
// Padding is symmetric (k/2).
func mbConv(prefix string, kernel, stride, expand, in, out int) []layers.LayerSpec {
	mb := layers.NewModelBuilder(nil)
	hidden := in * expand
	if expand != 1 {
		mb.AddConv2D(hidden, 1, 1, 0, false, prefix+"._expand_conv").
			AddBatchNorm(0, effEps, effMomentum, true, prefix+"._bn0").
			AddSwish(prefix + "._expand_act")
	}
	mb.AddDepthwiseConv2D(kernel, stride, kernel/2, false, prefix+"._depthwise_conv").
		AddBatchNorm(0, effEps, effMomentum, true, prefix+"._bn1").
		AddSwish(prefix + "._depthwise_act")

	squeezed := max(1, int(float64(in)*effSERatio))
	se := layers.NewModelBuilder(nil).
		AddGlobalAvgPool(prefix+"._se_pool").
		AddConv2D(squeezed, 1, 1, 0, true, prefix+"._se_reduce").
		AddSwish(prefix+"._se_act").
		AddConv2D(hidden, 1, 1, 0, true, prefix+"._se_expand").
		AddSigmoid(prefix + "._se_gate").
		Layers()
	mb.AddSqueezeExcite(prefix+"._se", se)

	mb.AddConv2D(out, 1, 1, 0, false, prefix+"._project_conv").
		AddBatchNorm(0, effEps, effMomentum, true, prefix+"._bn2")
	return mb.Layers()
}

func buildEfficientNetB0(opts Options) (*Backbone, error) {
	mb := layers.NewModelBuilder(opts.inputShape()).
		AddConv2D(32, 3, 2, 1, false, "_conv_stem").
		AddBatchNorm(0, effEps, effMomentum, true, "_bn0").
		AddSwish("_stem_act")

	idx := 0
	for _, s := range efficientNetB0 {
		for r := 0; r < s.repeats; r++ {
			in, stride := s.in, s.stride
			if r > 0 {
				in, stride = s.out, 1
			}
			prefix := fmt.Sprintf("_blocks.%d", idx)
			block := mbConv(prefix, s.kernel, stride, s.expand, in, s.out)
			if stride == 1 && in == s.out {
				mb.AddResidual(prefix, block)
			} else {
				mb.AddLayers(block)
			}
			idx++
		}
	}

	mb.AddConv2D(1280, 1, 1, 0, false, "_conv_head").
		AddBatchNorm(0, effEps, effMomentum, true, "_bn1").
		AddSwish("_head_act").
		AddGlobalAvgPool("_avg_pooling").
		AddDropout(0.2, "_dropout").
		AddDense(opts.NumClasses, true, "_fc")

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec, FreshLayers: []string{"_fc"}}, nil
}
