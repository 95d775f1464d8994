package checkpoints

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/layers"
)

// WeightLayout tells how dense weight matrices are laid out in a weight source
type WeightLayout int

const (
	// LayoutNative stores dense weights [input, output]
	LayoutNative WeightLayout = iota
	// LayoutTorch stores dense weights [output, input], as PyTorch state dicts do
	LayoutTorch
)

func (wl WeightLayout) String() string {
	if wl == LayoutTorch {
		return "torch"
	}
	return "native"
}

// ImportOptions controls how pretrained tensors are matched to a model
type ImportOptions struct {
	// SkipLayers keep their fresh initialization (replaced heads)
	SkipLayers []string
	// TruncateLayers may keep only the leading output units of a larger source tensor
	TruncateLayers []string
	// Strict fails on any model tensor missing from the source
	Strict bool
}

// ImportReport lists what happened to each tensor during an import
type ImportReport struct {
	Loaded    []string
	Truncated []string
	Fresh     []string
	Missing   []string
	Unused    []string
}

func (r *ImportReport) String() string {
	return fmt.Sprintf("loaded %d tensors (%d truncated), %d fresh, %d missing, %d unused",
		len(r.Loaded), len(r.Truncated), len(r.Fresh), len(r.Missing), len(r.Unused))
}

// ImportWeights matches source tensors to the parameters and running
// statistics of spec by name and returns their data in native layout.
// Tensors that are skipped or missing are absent from the result.
func ImportWeights(spec *layers.ModelSpec, source []WeightTensor, layout WeightLayout, opts ImportOptions) (map[string][]float32, *ImportReport, error) {
	if spec == nil || !spec.Compiled {
		return nil, nil, errors.New("model not compiled")
	}

	byName := make(map[string]WeightTensor, len(source))
	for _, w := range source {
		byName[w.Name] = w
	}
	used := make(map[string]bool, len(source))

	report := &ImportReport{}
	result := make(map[string][]float32)
	infos := append(spec.Parameters(), spec.RunningStatistics()...)

	for _, info := range infos {
		if matchesLayer(info.Layer, opts.SkipLayers) {
			report.Fresh = append(report.Fresh, info.Name)
			used[info.Name] = true
			continue
		}
		src, ok := byName[info.Name]
		if !ok {
			if opts.Strict {
				return nil, nil, errors.Errorf("pretrained weights have no tensor %s", info.Name)
			}
			report.Missing = append(report.Missing, info.Name)
			continue
		}
		used[info.Name] = true

		data, shape := src.Data, src.Shape
		if size(shape) != len(data) {
			return nil, nil, errors.Errorf("tensor %s: shape %v does not match %d elements", info.Name, shape, len(data))
		}
		if info.LayerType == layers.Dense && info.Kind == "weight" && layout == LayoutTorch {
			if len(shape) != 2 {
				return nil, nil, errors.Errorf("dense weight %s has shape %v", info.Name, shape)
			}
			data = TransposeMatrix(data, shape[0], shape[1])
			shape = []int{shape[1], shape[0]}
		}

		if !sameInts(shape, info.Shape) {
			if !matchesLayer(info.Layer, opts.TruncateLayers) {
				return nil, nil, errors.Errorf("tensor %s: pretrained shape %v, model expects %v", info.Name, shape, info.Shape)
			}
			truncated, err := truncate(data, shape, info)
			if err != nil {
				return nil, nil, err
			}
			data = truncated
			report.Truncated = append(report.Truncated, info.Name)
		} else {
			data = append([]float32(nil), data...)
		}

		result[info.Name] = data
		report.Loaded = append(report.Loaded, info.Name)
	}

	for name := range byName {
		if !used[name] {
			report.Unused = append(report.Unused, name)
		}
	}
	sort.Strings(report.Unused)

	return result, report, nil
}

// ToNativeLayout converts dense weights of a spec from [output, input] to
// [input, output]. Tensors of other layers are returned unchanged.
func ToNativeLayout(spec *layers.ModelSpec, weights []WeightTensor) ([]WeightTensor, error) {
	dense := make(map[string]bool)
	for _, p := range spec.Parameters() {
		if p.LayerType == layers.Dense && p.Kind == "weight" {
			dense[p.Name] = true
		}
	}
	out := make([]WeightTensor, len(weights))
	for i, w := range weights {
		out[i] = w
		if !dense[w.Name] {
			continue
		}
		if len(w.Shape) != 2 {
			return nil, errors.Errorf("dense weight %s has shape %v", w.Name, w.Shape)
		}
		out[i].Data = TransposeMatrix(w.Data, w.Shape[0], w.Shape[1])
		out[i].Shape = []int{w.Shape[1], w.Shape[0]}
	}
	return out, nil
}

// truncate keeps the leading output units of a tensor.
// Dense weights [in, out] keep leading columns, everything else keeps leading rows.
func truncate(data []float32, shape []int, info layers.ParameterInfo) ([]float32, error) {
	fail := errors.Errorf("tensor %s: cannot truncate %v to %v", info.Name, shape, info.Shape)
	if len(shape) != len(info.Shape) {
		return nil, fail
	}

	if info.LayerType == layers.Dense && info.Kind == "weight" {
		in, out := shape[0], shape[1]
		if in != info.Shape[0] || out < info.Shape[1] {
			return nil, fail
		}
		keep := info.Shape[1]
		res := make([]float32, 0, in*keep)
		for r := 0; r < in; r++ {
			res = append(res, data[r*out:r*out+keep]...)
		}
		return res, nil
	}

	if shape[0] < info.Shape[0] || !sameInts(shape[1:], info.Shape[1:]) {
		return nil, fail
	}
	return append([]float32(nil), data[:info.Size()]...), nil
}

// matchesLayer reports whether layer equals one of names or lies inside one of them
func matchesLayer(layer string, names []string) bool {
	for _, n := range names {
		if layer == n || strings.HasPrefix(layer, n+".") {
			return true
		}
	}
	return false
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameInts(a, b []int) bool {
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
