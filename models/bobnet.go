package models

import (
	"fmt"

	"github.com/tsawler/go-matnet/layers"
)

const (
	bobNetStages = 2
	bobNetWidth  = 32
)

// buildBobNet is the custom baseline: each stage is two conv-bn-relu
// layers followed by a 2x2 max pool, channel width doubling per stage.
func buildBobNet(opts Options) (*Backbone, error) {
	mb := layers.NewModelBuilder(opts.inputShape())
	width := bobNetWidth
	for s := 0; s < bobNetStages; s++ {
		prefix := fmt.Sprintf("features.%d", s)
		for c := 1; c <= 2; c++ {
			mb.AddConv2D(width, 3, 1, 1, false, fmt.Sprintf("%s.conv%d", prefix, c)).
				AddBatchNorm(0, 1e-5, 0.1, true, fmt.Sprintf("%s.bn%d", prefix, c)).
				AddReLU(fmt.Sprintf("%s.relu%d", prefix, c))
		}
		mb.AddMaxPool2D(2, 2, 0, prefix+".pool")
		width *= 2
	}
	mb.AddGlobalAvgPool("avgpool").
		AddDropout(0.25, "dropout").
		AddDense(opts.NumClasses, true, "fc")

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec}, nil
}
