package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-matnet/layers"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// String renders the current state without the leading carriage return
func (pb *ProgressBar) String() string {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}
	filled := min(int(percentage*float64(pb.width)), pb.width)
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		fmt.Fprintf(&sb, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		fmt.Fprintf(&sb, " [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		fmt.Fprintf(&sb, ", %.2fbatch/s", rate)
	}

	// sorted so the line does not jitter between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			fmt.Fprintf(&sb, ", %s=%.2f%%", key, value)
		} else {
			fmt.Fprintf(&sb, ", %s=%.4f", key, value)
		}
	}
	sb.WriteString("]")
	return sb.String()
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	out       io.Writer
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(out io.Writer, modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		out:       out,
		modelName: modelName,
	}
}

// PrintArchitecture prints the model architecture in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	fmt.Fprintf(p.out, "%s(\n", p.modelName)
	p.printLayers(modelSpec.Layers, "  ")
	fmt.Fprintf(p.out, ")\n\n")

	frozen := modelSpec.TotalParameters - modelSpec.TrainableParameters
	fmt.Fprintf(p.out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Trainable parameters: %s\n", formatParameterCount(modelSpec.TrainableParameters))
	fmt.Fprintf(p.out, "Non-trainable parameters: %s\n", formatParameterCount(frozen))
	fmt.Fprintf(p.out, "Input size (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(p.out, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(modelSpec))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024)
	fmt.Fprintf(p.out, "Estimated Total Size (MB): %.3f\n\n", estimateTotalSize(modelSpec))
}

func (p *ModelArchitecturePrinter) printLayers(seq []layers.LayerSpec, indent string) {
	for i := range seq {
		layer := &seq[i]
		if !layer.Type.IsComposite() {
			fmt.Fprintf(p.out, "%s%s\n", indent, formatLayer(layer))
			continue
		}
		fmt.Fprintf(p.out, "%s(%s): %s(\n", indent, layer.Name, layer.Type)
		for b, branch := range layer.Branches {
			if len(layer.Branches) > 1 {
				fmt.Fprintf(p.out, "%s  (branch%d): Sequential(\n", indent, b+1)
				p.printLayers(branch, indent+"    ")
				fmt.Fprintf(p.out, "%s  )\n", indent)
			} else {
				p.printLayers(branch, indent+"  ")
			}
		}
		fmt.Fprintf(p.out, "%s)\n", indent)
	}
}

// formatLayer formats a single layer for display
func formatLayer(layer *layers.LayerSpec) string {
	var s string
	switch layer.Type {
	case layers.Conv2D:
		k, st, pad := layer.IntParam("kernel_size", 1), layer.IntParam("stride", 1), layer.IntParam("padding", 0)
		s = fmt.Sprintf("Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0), k, k, st, st, pad, pad,
			layer.BoolParam("use_bias", true))
	case layers.DepthwiseConv2D:
		c, k := layer.IntParam("input_channels", 0), layer.IntParam("kernel_size", 1)
		st, pad := layer.IntParam("stride", 1), layer.IntParam("padding", 0)
		s = fmt.Sprintf("Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), groups=%d, bias=%t)",
			c, c, k, k, st, st, pad, pad, c, layer.BoolParam("use_bias", false))
	case layers.Dense:
		s = fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.IntParam("input_size", 0), layer.IntParam("output_size", 0), layer.BoolParam("use_bias", true))
	case layers.BatchNorm:
		s = fmt.Sprintf("BatchNorm2d(%d, eps=%g, momentum=%g, affine=%t)",
			layer.IntParam("num_features", 0), layer.FloatParam("eps", 1e-5), layer.FloatParam("momentum", 0.1),
			layer.BoolParam("affine", true))
	case layers.MaxPool2D:
		s = fmt.Sprintf("MaxPool2d(kernel_size=%d, stride=%d, padding=%d)",
			layer.IntParam("kernel_size", 2), layer.IntParam("stride", 2), layer.IntParam("padding", 0))
	case layers.AvgPool2D:
		k := layer.IntParam("kernel_size", 2)
		s = fmt.Sprintf("AvgPool2d(kernel_size=%d, stride=%d)", k, k)
	case layers.GlobalAvgPool:
		s = "AdaptiveAvgPool2d(output_size=(1, 1))"
	case layers.Flatten:
		s = "Flatten()"
	case layers.Dropout:
		s = fmt.Sprintf("Dropout(p=%g)", layer.FloatParam("rate", 0.5))
	case layers.ReLU:
		s = "ReLU()"
	case layers.LeakyReLU:
		s = fmt.Sprintf("LeakyReLU(negative_slope=%g)", layer.FloatParam("negative_slope", 0.01))
	case layers.Sigmoid:
		s = "Sigmoid()"
	case layers.Swish:
		s = "SiLU()"
	case layers.Softmax:
		s = fmt.Sprintf("Softmax(dim=%d)", layer.IntParam("axis", -1))
	default:
		s = layer.Type.String() + "()"
	}
	if layer.Frozen {
		s += " [frozen]"
	}
	return fmt.Sprintf("(%s): %s", layer.Name, s)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates input tensor size in MB
func calculateInputSize(inputShape []int) float64 {
	size := 1
	for _, dim := range inputShape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// estimateForwardBackwardSize sums activation sizes, doubled for gradients
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) float64 {
	total := 0.0
	modelSpec.Walk(func(layer *layers.LayerSpec) error {
		if len(layer.OutputShape) > 0 {
			total += calculateInputSize(layer.OutputShape)
		}
		return nil
	})
	return total * 2
}

// estimateTotalSize estimates total model memory usage
func estimateTotalSize(modelSpec *layers.ModelSpec) float64 {
	inputSize := calculateInputSize(modelSpec.InputShape)
	paramsSize := float64(modelSpec.TotalParameters*4) / 1024 / 1024
	return inputSize + paramsSize + estimateForwardBackwardSize(modelSpec)
}

// ProgressReporter renders per-epoch progress bars and summaries. A
// reporter with a nil writer is silent.
type ProgressReporter struct {
	out             io.Writer
	epochs          int
	stepsPerEpoch   int
	validationSteps int
	currentEpoch    int

	trainProgress      *ProgressBar
	validationProgress *ProgressBar

	trainLoss          float64
	trainAccuracy      float64
	validationLoss     float64
	validationAccuracy float64
}

// NewProgressReporter creates a progress reporter
func NewProgressReporter(out io.Writer, epochs, stepsPerEpoch, validationSteps int) *ProgressReporter {
	return &ProgressReporter{
		out:             out,
		epochs:          epochs,
		stepsPerEpoch:   stepsPerEpoch,
		validationSteps: validationSteps,
	}
}

func (pr *ProgressReporter) enabled() bool {
	return pr != nil && pr.out != nil
}

// StartEpoch begins a new epoch, numbered from 1
func (pr *ProgressReporter) StartEpoch(epoch int) {
	if !pr.enabled() {
		return
	}
	pr.currentEpoch = epoch
	pr.trainProgress = NewProgressBar(pr.out, fmt.Sprintf("Epoch %d/%d (Training)", epoch, pr.epochs), pr.stepsPerEpoch)
}

// UpdateTrainingProgress updates training progress. accuracy is a percentage.
func (pr *ProgressReporter) UpdateTrainingProgress(step int, loss float64, accuracy float64) {
	if !pr.enabled() || pr.trainProgress == nil {
		return
	}
	pr.trainLoss, pr.trainAccuracy = loss, accuracy
	pr.trainProgress.Update(step, map[string]float64{"loss": loss, "acc": accuracy})
}

// FinishTrainingEpoch completes the training phase of an epoch
func (pr *ProgressReporter) FinishTrainingEpoch() {
	if pr.enabled() && pr.trainProgress != nil {
		pr.trainProgress.Finish()
	}
}

// StartValidation begins the validation phase
func (pr *ProgressReporter) StartValidation() {
	if !pr.enabled() || pr.validationSteps <= 0 {
		return
	}
	pr.validationProgress = NewProgressBar(pr.out,
		fmt.Sprintf("Epoch %d/%d (Validation)", pr.currentEpoch, pr.epochs), pr.validationSteps)
}

// UpdateValidationProgress updates validation progress
func (pr *ProgressReporter) UpdateValidationProgress(step int, loss float64, accuracy float64) {
	if !pr.enabled() || pr.validationProgress == nil {
		return
	}
	pr.validationLoss, pr.validationAccuracy = loss, accuracy
	pr.validationProgress.Update(step, map[string]float64{"loss": loss, "acc": accuracy})
}

// FinishValidationEpoch completes the validation phase of an epoch
func (pr *ProgressReporter) FinishValidationEpoch() {
	if pr.enabled() && pr.validationProgress != nil {
		pr.validationProgress.Finish()
	}
}

// PrintEpochSummary prints the epoch's final metrics
func (pr *ProgressReporter) PrintEpochSummary(event EpochEvent) {
	if !pr.enabled() {
		return
	}
	fmt.Fprintf(pr.out, "Epoch %d/%d Summary:\n", event.Epoch+1, pr.epochs)
	fmt.Fprintf(pr.out, "  Training   - Loss: %.4f, Accuracy: %.2f%%\n", event.TrainLoss, event.TrainAccuracy)
	fmt.Fprintf(pr.out, "  Validation - Loss: %.4f, Accuracy: %.2f%%", event.ValLoss, event.ValAccuracy)
	if event.Best {
		fmt.Fprint(pr.out, " (best)")
	}
	fmt.Fprintf(pr.out, "\n  lr: %g, time: %s\n\n", event.LearningRate, event.Elapsed.Round(time.Millisecond))
}
