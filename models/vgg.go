package models

import (
	"fmt"

	"github.com/tsawler/go-matnet/layers"
)

const vggHead = "classifier.6"

// vgg19Config lists output channels per conv layer, 0 marks a max pool
var vgg19Config = []int{
	64, 64, 0,
	128, 128, 0,
	256, 256, 256, 256, 0,
	512, 512, 512, 512, 0,
	512, 512, 512, 512, 0,
}

func buildVGG19(opts Options) (*Backbone, error) {
	mb := layers.NewModelBuilder(opts.inputShape())

	idx := 0
	for _, c := range vgg19Config {
		if c == 0 {
			mb.AddMaxPool2D(2, 2, 0, fmt.Sprintf("features.%d", idx))
			idx++
			continue
		}
		mb.AddConv2D(c, 3, 1, 1, true, fmt.Sprintf("features.%d", idx))
		mb.AddReLU(fmt.Sprintf("features.%d", idx+1))
		idx += 2
	}

	mb.AddFlatten("flatten").
		AddDense(4096, true, "classifier.0").
		AddReLU("classifier.1").
		AddDropout(0.5, "classifier.2").
		AddDense(4096, true, "classifier.3").
		AddReLU("classifier.4").
		AddDropout(0.5, "classifier.5").
		AddDense(opts.NumClasses, true, vggHead)

	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec, TruncateLayers: []string{vggHead}}, nil
}
