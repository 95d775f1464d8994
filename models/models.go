// Package models builds the layer specifications of the supported backbones.
// Layer names follow the PyTorch state-dict keys of the reference
// implementations so that exported pretrained weights match by name.
package models

import (
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/layers"
)

// Options configures a backbone
type Options struct {
	NumClasses int // width of the classification head (default 10)
	ImageSize  int // square input size (default 224)
	Channels   int // input channels (default 3)
	BatchSize  int // batch dimension of the compiled spec (default 1)
}

func (o Options) withDefaults() Options {
	if o.NumClasses <= 0 {
		o.NumClasses = 10
	}
	if o.ImageSize <= 0 {
		o.ImageSize = 224
	}
	if o.Channels <= 0 {
		o.Channels = 3
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	return o
}

func (o Options) inputShape() []int {
	return []int{o.BatchSize, o.Channels, o.ImageSize, o.ImageSize}
}

// Backbone is a compiled model together with the information needed to
// import pretrained weights into it
type Backbone struct {
	Name string
	Spec *layers.ModelSpec

	// FreshLayers were replaced or added for the new head and keep their
	// initialization when importing pretrained weights
	FreshLayers []string
	// TruncateLayers keep only the leading rows of a wider pretrained head
	TruncateLayers []string
}

// ImportOptions returns the options for loading pretrained weights into the backbone
func (b *Backbone) ImportOptions() checkpoints.ImportOptions {
	return checkpoints.ImportOptions{
		SkipLayers:     b.FreshLayers,
		TruncateLayers: b.TruncateLayers,
	}
}

// Descriptor documents a registered backbone
type Descriptor struct {
	Name        string
	Description string
	Aliases     []string
	Freezable   bool
}

type builder func(opts Options) (*Backbone, error)

type entry struct {
	Descriptor
	build builder
}

var registry = map[string]entry{}

func register(d Descriptor, b builder) {
	registry[d.Name] = entry{Descriptor: d, build: b}
}

func init() {
	register(Descriptor{
		Name:        "bobnet",
		Description: "small custom CNN: two conv-bn-relu stages, global pooling, linear head",
		Aliases:     []string{"custom"},
	}, buildBobNet)
	register(Descriptor{
		Name:        "alexnet",
		Description: "AlexNet with classifier.6 replaced by Linear(4096, C)",
	}, buildAlexNet)
	register(Descriptor{
		Name:        "deepalexnet",
		Description: "AlexNet keeping the 1000-way head, followed by ReLU and Linear(1000, C)",
	}, buildDeepAlexNet)
	register(Descriptor{
		Name:        "shallowalexnet",
		Description: "AlexNet classifier cut after index 3, then Linear(4096, C)",
	}, buildShallowAlexNet)
	register(Descriptor{
		Name:        "vgg19",
		Description: "VGG19 with the pretrained head truncated to C classes",
		Freezable:   true,
	}, buildVGG19)
	register(Descriptor{
		Name:        "densenet121",
		Description: "DenseNet-121 with the pretrained head truncated to C classes",
		Aliases:     []string{"densenet"},
	}, buildDenseNet121)
	register(Descriptor{
		Name:        "googlenet",
		Description: "GoogLeNet (Inception v1) with fc replaced by Linear(1024, C)",
	}, buildGoogLeNet)
	register(Descriptor{
		Name:        "efficientnet-b0",
		Description: "EfficientNet-B0 built for C classes",
		Aliases:     []string{"efficientnet"},
	}, buildEfficientNetB0)
}

// Canonical resolves aliases and case to a registered backbone name
func Canonical(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := registry[n]; ok {
		return n, nil
	}
	for _, e := range registry {
		for _, a := range e.Aliases {
			if a == n {
				return e.Name, nil
			}
		}
	}
	return "", errors.Errorf("unknown model %q (available: %s)", name, strings.Join(Names(), ", "))
}

// Names returns the registered backbone names in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Variants returns the descriptors of all registered backbones
func Variants() []Descriptor {
	out := make([]Descriptor, 0, len(registry))
	for _, n := range Names() {
		out = append(out, registry[n].Descriptor)
	}
	return out
}

// Describe returns the descriptor of one backbone
func Describe(name string) (Descriptor, error) {
	n, err := Canonical(name)
	if err != nil {
		return Descriptor{}, err
	}
	return registry[n].Descriptor, nil
}

// Build compiles the named backbone
func Build(name string, opts Options) (*Backbone, error) {
	n, err := Canonical(name)
	if err != nil {
		return nil, err
	}
	b, err := registry[n].build(opts.withDefaults())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s", n)
	}
	b.Name = n
	return b, nil
}

// Freeze applies the freezing policy of the backbone and returns the
// number of frozen layers. Only VGG19 has one: every features layer and
// every classifier layer except the head.
func Freeze(b *Backbone) (int, error) {
	if !registry[b.Name].Freezable {
		return 0, errors.Errorf("freezing is not supported for %s", b.Name)
	}
	return b.Spec.Freeze(func(layer string) bool {
		if strings.HasPrefix(layer, "features.") {
			return true
		}
		return strings.HasPrefix(layer, "classifier.") && layer != vggHead
	}), nil
}
