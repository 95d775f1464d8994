//go:build !cuda

package device

import "github.com/pkg/errors"

// CUDAAvailable reports whether the binary was built with CUDA support
const CUDAAvailable = false

func probeCUDA(int, *Info) error {
	return errors.New("binary built without the cuda tag")
}
