//go:build cuda

package device

import (
	"github.com/pkg/errors"
	"gorgonia.org/cu"
)

// CUDAAvailable reports whether the binary was built with CUDA support
const CUDAAvailable = true

func probeCUDA(ordinal int, info *Info) error {
	n, err := cu.NumDevices()
	if err != nil {
		return errors.Wrap(err, "failed to count CUDA devices")
	}
	if ordinal >= n {
		return errors.Errorf("device %d requested, %d present", ordinal, n)
	}

	d := cu.Device(ordinal)
	if info.GPUName, err = d.Name(); err != nil {
		return errors.Wrap(err, "failed to read device name")
	}
	if info.GPUMemory, err = d.TotalMem(); err != nil {
		return errors.Wrap(err, "failed to read device memory")
	}
	if info.ComputeMajor, err = d.Attribute(cu.ComputeCapabilityMajor); err != nil {
		return err
	}
	if info.ComputeMinor, err = d.Attribute(cu.ComputeCapabilityMinor); err != nil {
		return err
	}
	info.CUDAVersion = cu.Version()
	return nil
}
