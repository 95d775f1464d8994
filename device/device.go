// Package device resolves the compute device requested on the command line
// and describes the host it runs on.
package device

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kind is the class of compute device
type Kind int

const (
	CPU Kind = iota
	CUDA
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Info describes the device a run will use
type Info struct {
	Kind    Kind
	Ordinal int // CUDA device index, 0 for the CPU

	// CPU details are always filled in, the host prepares every batch
	CPUBrand      string
	PhysicalCores int
	LogicalCores  int
	Features      []string // SIMD extensions relevant to BLAS kernels

	// CUDA details
	GPUName      string
	GPUMemory    int64
	ComputeMajor int
	ComputeMinor int
	CUDAVersion  int
}

// simdFeatures are reported when present
var simdFeatures = []cpuid.FeatureID{
	cpuid.SSE2, cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD,
}

// Parse splits a device spec such as "cpu", "cuda" or "cuda:1"
func Parse(spec string) (Kind, int, error) {
	s := strings.ToLower(strings.TrimSpace(spec))
	switch {
	case s == "" || s == "cpu":
		return CPU, 0, nil
	case s == "cuda" || s == "gpu":
		return CUDA, 0, nil
	case strings.HasPrefix(s, "cuda:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || n < 0 {
			return CPU, 0, errors.Errorf("invalid CUDA ordinal in %q", spec)
		}
		return CUDA, n, nil
	}
	return CPU, 0, errors.Errorf("unknown device %q (want cpu or cuda:N)", spec)
}

// Detect resolves spec to a usable device. A CUDA request that cannot be
// honoured falls back to the CPU with a warning.
func Detect(spec string) (*Info, error) {
	kind, ordinal, err := Parse(spec)
	if err != nil {
		return nil, err
	}

	info := hostInfo()
	if kind == CUDA {
		if err := probeCUDA(ordinal, info); err != nil {
			klog.Warningf("CUDA device %d unavailable, falling back to CPU: %v", ordinal, err)
			return info, nil
		}
		info.Kind = CUDA
		info.Ordinal = ordinal
	}
	return info, nil
}

func hostInfo() *Info {
	info := &Info{
		Kind:          CPU,
		CPUBrand:      cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if info.CPUBrand == "" {
		info.CPUBrand = runtime.GOARCH
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	if info.PhysicalCores <= 0 {
		info.PhysicalCores = info.LogicalCores
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			info.Features = append(info.Features, f.String())
		}
	}
	return info
}

// Workers suggests a data-loading worker count for the host
func (i *Info) Workers() int {
	return max(i.PhysicalCores-1, 1)
}

func (i *Info) String() string {
	cpu := fmt.Sprintf("%s (%d cores, %d threads", i.CPUBrand, i.PhysicalCores, i.LogicalCores)
	if len(i.Features) > 0 {
		cpu += ", " + strings.Join(i.Features, " ")
	}
	cpu += ")"
	if i.Kind != CUDA {
		return "cpu: " + cpu
	}
	return fmt.Sprintf("cuda:%d: %s, %d MiB, compute %d.%d, CUDA %d; host %s",
		i.Ordinal, i.GPUName, i.GPUMemory>>20, i.ComputeMajor, i.ComputeMinor, i.CUDAVersion, cpu)
}
