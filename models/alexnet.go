package models

import (
	"fmt"

	"github.com/tsawler/go-matnet/layers"
)

// alexNetFeatures: [3,224,224] => [256,6,6]
func alexNetFeatures(mb *layers.ModelBuilder) *layers.ModelBuilder {
	return mb.
		AddConv2D(64, 11, 4, 2, true, "features.0").
		AddReLU("features.1").
		AddMaxPool2D(3, 2, 0, "features.2").
		AddConv2D(192, 5, 1, 2, true, "features.3").
		AddReLU("features.4").
		AddMaxPool2D(3, 2, 0, "features.5").
		AddConv2D(384, 3, 1, 1, true, "features.6").
		AddReLU("features.7").
		AddConv2D(256, 3, 1, 1, true, "features.8").
		AddReLU("features.9").
		AddConv2D(256, 3, 1, 1, true, "features.10").
		AddReLU("features.11").
		AddMaxPool2D(3, 2, 0, "features.12").
		AddFlatten("flatten")
}

// alexNetClassifier adds classifier layers 0..last of the reference head
func alexNetClassifier(mb *layers.ModelBuilder, last int) *layers.ModelBuilder {
	head := []func(name string){
		func(name string) { mb.AddDropout(0.5, name) },
		func(name string) { mb.AddDense(4096, true, name) },
		func(name string) { mb.AddReLU(name) },
		func(name string) { mb.AddDropout(0.5, name) },
		func(name string) { mb.AddDense(4096, true, name) },
		func(name string) { mb.AddReLU(name) },
		func(name string) { mb.AddDense(1000, true, name) },
	}
	for i := 0; i <= last; i++ {
		head[i](fmt.Sprintf("classifier.%d", i))
	}
	return mb
}

func buildAlexNet(opts Options) (*Backbone, error) {
	mb := alexNetFeatures(layers.NewModelBuilder(opts.inputShape()))
	alexNetClassifier(mb, 5).AddDense(opts.NumClasses, true, "classifier.6")
	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec, FreshLayers: []string{"classifier.6"}}, nil
}

func buildDeepAlexNet(opts Options) (*Backbone, error) {
	mb := alexNetFeatures(layers.NewModelBuilder(opts.inputShape()))
	alexNetClassifier(mb, 6).
		AddReLU("classifier.7").
		AddDense(opts.NumClasses, true, "classifier.8")
	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec, FreshLayers: []string{"classifier.8"}}, nil
}

func buildShallowAlexNet(opts Options) (*Backbone, error) {
	mb := alexNetFeatures(layers.NewModelBuilder(opts.inputShape()))
	alexNetClassifier(mb, 3).AddDense(opts.NumClasses, true, "classifier.4")
	spec, err := mb.Compile()
	if err != nil {
		return nil, err
	}
	return &Backbone{Spec: spec, FreshLayers: []string{"classifier.4"}}, nil
}
