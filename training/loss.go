package training

import (
	"math"

	"github.com/pkg/errors"
)

// CrossEntropyLoss scores logits against (possibly soft) targets on the CPU.
// Training computes the same loss inside the compute graph; this one serves
// evaluation, where logits come back from inference.
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new cross-entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes -sum(target * log_softmax(logits)) per row and reduces
// over the batch. Both slices are [batchSize, numClasses].
func (ce *CrossEntropyLoss) Forward(logits, targets []float32, batchSize, numClasses int) (float64, error) {
	if batchSize <= 0 || numClasses <= 0 {
		return 0, errors.Errorf("invalid shape [%d, %d]", batchSize, numClasses)
	}
	if len(logits) != batchSize*numClasses || len(targets) != batchSize*numClasses {
		return 0, errors.Errorf("expected %d logits and targets, got %d and %d",
			batchSize*numClasses, len(logits), len(targets))
	}

	total := 0.0
	logProbs := make([]float64, numClasses)
	for i := 0; i < batchSize; i++ {
		row := logits[i*numClasses : (i+1)*numClasses]
		LogSoftmax(row, logProbs)
		for j, t := range targets[i*numClasses : (i+1)*numClasses] {
			if t != 0 {
				total -= float64(t) * logProbs[j]
			}
		}
	}

	if ce.reduction == "mean" {
		total /= float64(batchSize)
	}
	return total, nil
}

// LogSoftmax writes log(softmax(row)) into dst using the log-sum-exp shift
func LogSoftmax(row []float32, dst []float64) {
	m := math.Inf(-1)
	for _, v := range row {
		m = math.Max(m, float64(v))
	}
	sum := 0.0
	for _, v := range row {
		sum += math.Exp(float64(v) - m)
	}
	lse := m + math.Log(sum)
	for j, v := range row {
		dst[j] = float64(v) - lse
	}
}

// LabelsToOneHot converts integer labels to one-hot rows, reusing dst when large enough
func LabelsToOneHot(labels []int32, numClasses int, dst []float32) []float32 {
	size := len(labels) * numClasses
	if cap(dst) < size {
		dst = make([]float32, size)
	}
	dst = dst[:size]
	clear(dst)
	for i, label := range labels {
		if label >= 0 && int(label) < numClasses {
			dst[i*numClasses+int(label)] = 1
		}
	}
	return dst
}

// CountCorrect returns how many argmax predictions match the labels
func CountCorrect(logits []float32, labels []int32, numClasses int) int {
	correct := 0
	for i, label := range labels {
		if (i+1)*numClasses > len(logits) {
			break
		}
		if argmax(logits[i*numClasses:(i+1)*numClasses]) == int(label) {
			correct++
		}
	}
	return correct
}
