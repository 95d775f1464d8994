package optimizer

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/checkpoints"
)

// Common helper functions for optimizer state management

// allocateBuffers creates one zeroed buffer per weight shape. A nil shape
// marks a frozen weight and gets no buffer.
func allocateBuffers(weightShapes [][]int) [][]float32 {
	buffers := make([][]float32, len(weightShapes))
	for i, shape := range weightShapes {
		if shape == nil {
			continue
		}
		buffers[i] = make([]float32, calculateTensorSize(shape))
	}
	return buffers
}

// calculateTensorSize returns the number of elements of a shape
func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// extractBufferState copies a single buffer into a checkpoint tensor
func extractBufferState(buffer []float32, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}

	data := make([]float32, len(buffer))
	copy(data, buffer)

	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// extractBuffers snapshots a whole family of buffers ("momentum_0", "momentum_1", ...)
func extractBuffers(buffers [][]float32, prefix, stateType string) []checkpoints.OptimizerTensor {
	out := make([]checkpoints.OptimizerTensor, 0, len(buffers))
	for i, buf := range buffers {
		if t := extractBufferState(buf, fmt.Sprintf("%s_%d", prefix, i), stateType); t != nil {
			out = append(out, *t)
		}
	}
	return out
}

// restoreBufferState copies checkpointed data back into a buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if buffer == nil {
		return errors.Errorf("%s buffer is nil", name)
	}

	if len(data) != len(buffer) {
		return errors.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}

	copy(buffer, data)
	return nil
}

// restoreBuffers restores every tensor of the given state type into buffers.
// State saved for a weight that is now frozen is dropped.
func restoreBuffers(buffers [][]float32, state *OptimizerState, stateType string) error {
	for _, tensor := range state.StateData {
		if tensor.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if buffers[idx] == nil {
			continue
		}
		if err := restoreBufferState(buffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values read back from JSON arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	case int:
		return uint64(val)
	}
	return defaultValue
}
