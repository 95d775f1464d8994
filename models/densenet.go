package models

import (
	"fmt"

	"github.com/tsawler/go-matnet/layers"
)

const (
	denseGrowth  = 32
	denseBNSize  = 4
	denseInitial = 64
)

var densenet121Blocks = []int{6, 12, 24, 16}

// denseLayer: BN-ReLU-Conv1x1 bottleneck then BN-ReLU-Conv3x3 producing growth channels
func denseLayer(prefix string) []layers.LayerSpec {
	return layers.NewModelBuilder(nil).
		AddBatchNorm(0, 1e-5, 0.1, true, prefix+".norm1").
		AddReLU(prefix+".relu1").
		AddConv2D(denseBNSize*denseGrowth, 1, 1, 0, false, prefix+".conv1").
		AddBatchNorm(0, 1e-5, 0.1, true, prefix+".norm2").
		AddReLU(prefix+".relu2").
		AddConv2D(denseGrowth, 3, 1, 1, false, prefix+".conv2").
		Layers()
}

func transition(prefix string, out int) []layers.LayerSpec {
	return layers.NewModelBuilder(nil).
		AddBatchNorm(0, 1e-5, 0.1, true, prefix+".norm").
		AddReLU(prefix+".relu").
		AddConv2D(out, 1, 1, 0, false, prefix+".conv").
		AddAvgPool2D(2, prefix+".pool").
		Layers()
}

func buildDenseNet121(opts Options) (*Backbone, error) {
	mb := layers.NewModelBuilder(opts.inputShape()).
		AddConv2D(denseInitial, 7, 2, 3, false, "features.conv0").
		AddBatchNorm(0, 1e-5, 0.1, true, "features.norm0").
		AddReLU("features.relu0").
		AddMaxPool2D(3, 2, 1, "features.pool0")

	channels := denseInitial
	for b, n := range densenet121Blocks {
		block := fmt.Sprintf("features.denseblock%d", b+1)
		for l := 1; l <= n; l++ {
			name := fmt.Sprintf("%s.denselayer%d", block, l)
			mb.AddDenseConcat(name, denseLayer(name))
			channels += denseGrowth
		}
		if b != len(densenet121Blocks)-1 {
			channels /= 2
			mb.AddLayers(transition(fmt.Sprintf("features.transition%d", b+1), channels))
		}
	}

	mb.AddBatchNorm(0, 1e-5, 0.1, true, "features.norm5").
		AddReLU("features.relu5").
		AddGlobalAvgPool("avgpool").
		AddDense(opts.NumClasses, true, "classifier")

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec, TruncateLayers: []string{"classifier"}}, nil
}
