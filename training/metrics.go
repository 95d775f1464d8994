package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
	Accuracy
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	case Accuracy:
		return "Accuracy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per [true class][predicted class]
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		clear(cm.Matrix[i])
	}
	cm.TotalSamples = 0
}

// UpdateFromPredictions adds a batch of logits [batchSize, numClasses]
// scored by argmax against the true labels
func (cm *ConfusionMatrix) UpdateFromPredictions(predictions []float32, trueLabels []int32, batchSize, numClasses int) error {
	if numClasses != cm.NumClasses {
		return errors.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, numClasses)
	}
	if len(predictions) != batchSize*numClasses {
		return errors.Errorf("predictions length mismatch: expected %d, got %d", batchSize*numClasses, len(predictions))
	}
	if len(trueLabels) != batchSize {
		return errors.Errorf("labels length mismatch: expected %d, got %d", batchSize, len(trueLabels))
	}

	for i := 0; i < batchSize; i++ {
		pred := argmax(predictions[i*numClasses : (i+1)*numClasses])
		truth := int(trueLabels[i])
		if truth < 0 || truth >= cm.NumClasses {
			continue
		}
		cm.Matrix[truth][pred]++
		cm.TotalSamples++
	}
	return nil
}

// ClassPrecision returns TP / (TP + FP) for one class, 0 when it was never predicted
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	tp := cm.Matrix[class][class]
	predicted := 0
	for t := 0; t < cm.NumClasses; t++ {
		predicted += cm.Matrix[t][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(tp) / float64(predicted)
}

// ClassRecall returns TP / (TP + FN) for one class, 0 when it has no samples
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	tp := cm.Matrix[class][class]
	actual := 0
	for _, n := range cm.Matrix[class] {
		actual += n
	}
	if actual == 0 {
		return 0
	}
	return float64(tp) / float64(actual)
}

// ClassSupport returns the number of samples of a class
func (cm *ConfusionMatrix) ClassSupport(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// GetMetric calculates an evaluation metric. Macro averages skip classes
// for which the metric is undefined.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.macro(func(c int) (float64, bool) {
			return cm.ClassPrecision(c), cm.predictedCount(c) > 0
		})
	case MacroRecall:
		return cm.macro(func(c int) (float64, bool) {
			return cm.ClassRecall(c), cm.ClassSupport(c) > 0
		})
	case MacroF1:
		return f1(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroPrecision, MicroRecall, MicroF1, Accuracy:
		// every misclassification is one FP and one FN, so the micro averages equal accuracy
		return cm.GetAccuracy()
	}
	return 0
}

func (cm *ConfusionMatrix) predictedCount(class int) int {
	n := 0
	for t := 0; t < cm.NumClasses; t++ {
		n += cm.Matrix[t][class]
	}
	return n
}

func (cm *ConfusionMatrix) macro(value func(int) (float64, bool)) float64 {
	sum, valid := 0.0, 0
	for c := 0; c < cm.NumClasses; c++ {
		if v, ok := value(c); ok {
			sum += v
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

// GetAccuracy returns overall classification accuracy in [0, 1]
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Report renders per-class precision, recall and F1 in the layout of
// scikit-learn's classification_report
func (cm *ConfusionMatrix) Report(classNames []string) string {
	width := len("macro avg")
	name := func(c int) string {
		if c < len(classNames) && classNames[c] != "" {
			return classNames[c]
		}
		return fmt.Sprintf("class %d", c)
	}
	for c := 0; c < cm.NumClasses; c++ {
		width = max(width, len(name(c)))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s %9s %9s %9s %9s\n", width, "", "precision", "recall", "f1-score", "support")
	for c := 0; c < cm.NumClasses; c++ {
		p, r := cm.ClassPrecision(c), cm.ClassRecall(c)
		fmt.Fprintf(&sb, "%*s %9.4f %9.4f %9.4f %9d\n", width, name(c), p, r, f1(p, r), cm.ClassSupport(c))
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%*s %9s %9s %9.4f %9d\n", width, "accuracy", "", "", cm.GetAccuracy(), cm.TotalSamples)
	fmt.Fprintf(&sb, "%*s %9.4f %9.4f %9.4f %9d\n", width, "macro avg",
		cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall), cm.GetMetric(MacroF1), cm.TotalSamples)
	return sb.String()
}

// argmax returns the index of the largest value, the first on ties
func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}
