package models

import (
	"github.com/tsawler/go-matnet/layers"
)

// inceptionConfig: 1x1, 3x3 reduce, 3x3, 5x5 reduce, 5x5, pool projection
type inceptionConfig struct {
	name                                          string
	ch1x1, ch3x3red, ch3x3, ch5x5red, ch5x5, pool int
}

// basicConv is Conv (no bias) + BN(eps 1e-3) + ReLU
func basicConv(mb *layers.ModelBuilder, prefix string, out, kernel, stride, padding int) *layers.ModelBuilder {
	return mb.
		AddConv2D(out, kernel, stride, padding, false, prefix+".conv").
		AddBatchNorm(0, 1e-3, 0.1, true, prefix+".bn").
		AddReLU(prefix + ".relu")
}

func inception(mb *layers.ModelBuilder, c inceptionConfig) *layers.ModelBuilder {
	b1 := basicConv(layers.NewModelBuilder(nil), c.name+".branch1", c.ch1x1, 1, 1, 0).Layers()

	b2 := layers.NewModelBuilder(nil)
	basicConv(b2, c.name+".branch2.0", c.ch3x3red, 1, 1, 0)
	basicConv(b2, c.name+".branch2.1", c.ch3x3, 3, 1, 1)

	// The reference implementation uses 3x3 kernels in the "5x5" branch
	b3 := layers.NewModelBuilder(nil)
	basicConv(b3, c.name+".branch3.0", c.ch5x5red, 1, 1, 0)
	basicConv(b3, c.name+".branch3.1", c.ch5x5, 3, 1, 1)

	b4 := layers.NewModelBuilder(nil).AddMaxPool2D(3, 1, 1, c.name+".branch4.0")
	basicConv(b4, c.name+".branch4.1", c.pool, 1, 1, 0)

	return mb.AddConcat(c.name, b1, b2.Layers(), b3.Layers(), b4.Layers())
}

var (
	inception3 = []inceptionConfig{
		{"inception3a", 64, 96, 128, 16, 32, 32},
		{"inception3b", 128, 128, 192, 32, 96, 64},
	}
	inception4 = []inceptionConfig{
		{"inception4a", 192, 96, 208, 16, 48, 64},
		{"inception4b", 160, 112, 224, 24, 64, 64},
		{"inception4c", 128, 128, 256, 24, 64, 64},
		{"inception4d", 112, 144, 288, 32, 64, 64},
		{"inception4e", 256, 160, 320, 32, 128, 128},
	}
	inception5 = []inceptionConfig{
		{"inception5a", 256, 160, 320, 32, 128, 128},
		{"inception5b", 384, 192, 384, 48, 128, 128},
	}
)

// buildGoogLeNet omits the auxiliary classifiers, which only contribute in
// training mode of the reference model. Ceil-mode pools are expressed as
// padded floor-mode pools, equal for the 224 input.
func buildGoogLeNet(opts Options) (*Backbone, error) {
	mb := layers.NewModelBuilder(opts.inputShape())
	basicConv(mb, "conv1", 64, 7, 2, 3)
	mb.AddMaxPool2D(3, 2, 1, "maxpool1")
	basicConv(mb, "conv2", 64, 1, 1, 0)
	basicConv(mb, "conv3", 192, 3, 1, 1)
	mb.AddMaxPool2D(3, 2, 1, "maxpool2")

	for _, c := range inception3 {
		inception(mb, c)
	}
	mb.AddMaxPool2D(3, 2, 1, "maxpool3")
	for _, c := range inception4 {
		inception(mb, c)
	}
	mb.AddMaxPool2D(2, 2, 0, "maxpool4")
	for _, c := range inception5 {
		inception(mb, c)
	}

	mb.AddGlobalAvgPool("avgpool").
		AddDropout(0.2, "dropout").
		AddDense(opts.NumClasses, true, "fc")

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec, FreshLayers: []string{"fc"}}, nil
}
