package models

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/engine"
)

// LoadPretrained imports weights from an ONNX export or a checkpoint into
// params, matching tensors by name. Foreign ONNX files carry PyTorch
// layout; files written by this module carry their own spec and native
// layout. Replaced heads keep their fresh initialization.
func (b *Backbone) LoadPretrained(params *engine.ParameterStore, path string) (*checkpoints.ImportReport, error) {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pretrained weights %s", path)
	}
	layout := checkpoints.LayoutNative
	if cp.ModelSpec == nil {
		layout = checkpoints.LayoutTorch
	}

	values, report, err := checkpoints.ImportWeights(b.Spec, cp.Weights, layout, b.ImportOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to match pretrained weights to %s", b.Name)
	}
	if len(report.Loaded) == 0 {
		return nil, errors.Errorf("no tensor of %s matches %s", path, b.Name)
	}
	if err := params.Load(values); err != nil {
		return nil, err
	}
	if len(report.Missing) > 0 {
		klog.Warningf("%s: %d tensors missing from %s keep their initialization: %v", b.Name, len(report.Missing), path, report.Missing)
	}
	klog.Infof("%s: pretrained weights from %s (%s layout): %s", b.Name, path, layout, report)
	return report, nil
}
