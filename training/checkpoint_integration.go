package training

import (
	"encoding/json"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/optimizer"
)

// Checkpoint file names inside an experiment directory
const (
	LatestCheckpointFile = "run.ckpt"
	BestCheckpointFile   = "best_acc.ckpt"
)

// initialBestAccuracy is the accuracy a first validation pass must beat
const initialBestAccuracy = 1e-6

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string // experiment directory
	ModelName     string
	Experiment    string
	RunID         string
	Tags          []string
}

// CheckpointManager writes the latest and best checkpoints of a run and
// restores a trainer from either
type CheckpointManager struct {
	config       CheckpointConfig
	trainer      *ModelTrainer
	saver        *checkpoints.CheckpointSaver
	scheduler    LRScheduler
	bestAccuracy float64
	bestLoss     float64
	totalSteps   int
}

// NewCheckpointManager creates a new checkpoint manager. scheduler may be
// nil; a plateau scheduler has its state saved alongside the weights.
func NewCheckpointManager(trainer *ModelTrainer, scheduler LRScheduler, config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config:       config,
		trainer:      trainer,
		saver:        checkpoints.NewCheckpointSaver(checkpoints.FormatJSON),
		scheduler:    scheduler,
		bestAccuracy: initialBestAccuracy,
		bestLoss:     1e9,
	}
}

// LatestPath returns the path of the latest checkpoint
func (cm *CheckpointManager) LatestPath() string {
	return filepath.Join(cm.config.SaveDirectory, LatestCheckpointFile)
}

// BestPath returns the path of the best-accuracy checkpoint
func (cm *CheckpointManager) BestPath() string {
	return filepath.Join(cm.config.SaveDirectory, BestCheckpointFile)
}

// BestAccuracy returns the best validation accuracy seen so far
func (cm *CheckpointManager) BestAccuracy() float64 {
	return cm.bestAccuracy
}

// AddSteps counts optimization steps for the training state
func (cm *CheckpointManager) AddSteps(n int) {
	cm.totalSteps += n
}

// SaveLatest overwrites the latest checkpoint with the state after epoch
func (cm *CheckpointManager) SaveLatest(epoch int) error {
	cp, err := cm.createCheckpoint(epoch, "latest")
	if err != nil {
		return err
	}
	if err := cm.saver.SaveCheckpoint(cp, cm.LatestPath()); err != nil {
		return errors.Wrap(err, "failed to save latest checkpoint")
	}
	return nil
}

// SaveBest writes the best checkpoint when accuracy strictly beats the
// best so far, and reports whether it did
func (cm *CheckpointManager) SaveBest(epoch int, accuracy, loss float64) (bool, error) {
	if !(accuracy > cm.bestAccuracy) {
		return false, nil
	}
	cm.bestAccuracy = accuracy
	cm.bestLoss = loss

	cp, err := cm.createCheckpoint(epoch, "best validation accuracy")
	if err != nil {
		return false, err
	}
	if err := cm.saver.SaveCheckpoint(cp, cm.BestPath()); err != nil {
		return false, errors.Wrap(err, "failed to save best checkpoint")
	}
	klog.V(1).Infof("Saved best checkpoint at epoch %d (acc %.2f%%)", epoch+1, accuracy)
	return true, nil
}

func (cm *CheckpointManager) createCheckpoint(epoch int, description string) (*checkpoints.Checkpoint, error) {
	weights, err := cm.trainer.Engine().Weights()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract weights")
	}

	optState, err := cm.trainer.Optimizer().GetState()
	if err != nil {
		return nil, errors.Wrap(err, "failed to extract optimizer state")
	}

	trainingState := checkpoints.TrainingState{
		Epoch:        epoch,
		Step:         int(cm.trainer.Optimizer().GetStepCount()),
		LearningRate: cm.trainer.GetLearningRate(),
		BestLoss:     float32(cm.bestLoss),
		BestAccuracy: float32(cm.bestAccuracy),
		TotalSteps:   cm.totalSteps,
	}
	if plateau, ok := cm.scheduler.(*ReduceLROnPlateauScheduler); ok {
		raw, err := json.Marshal(plateau.State())
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode scheduler state")
		}
		trainingState.SchedulerState = raw
	}

	return &checkpoints.Checkpoint{
		ModelSpec:      cm.trainer.GetModelSpec(),
		Weights:        weights,
		TrainingState:  trainingState,
		OptimizerState: optState.ToCheckpoint(),
		Metadata: checkpoints.CheckpointMetadata{
			Model:       cm.config.ModelName,
			Experiment:  cm.config.Experiment,
			RunID:       cm.config.RunID,
			Description: description,
			Tags:        cm.config.Tags,
		},
	}, nil
}

// Resume restores weights, optimizer buffers, learning rate, best
// accuracy and scheduler state from a checkpoint. The returned checkpoint
// tells the caller which epoch was completed.
func (cm *CheckpointManager) Resume(path string) (*checkpoints.Checkpoint, error) {
	cp, err := checkpoints.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint %s", path)
	}
	if err := cm.trainer.Engine().LoadWeights(cp.Weights); err != nil {
		return nil, errors.Wrap(err, "failed to restore weights")
	}

	if cp.OptimizerState != nil {
		if cp.OptimizerState.Type == cm.trainer.Optimizer().Name() {
			if err := cm.trainer.Optimizer().LoadState(optimizer.FromCheckpoint(cp.OptimizerState)); err != nil {
				return nil, errors.Wrap(err, "failed to restore optimizer state")
			}
		} else {
			klog.Warningf("Checkpoint optimizer %s differs from %s, starting with fresh optimizer state",
				cp.OptimizerState.Type, cm.trainer.Optimizer().Name())
		}
	}
	if cp.TrainingState.LearningRate > 0 {
		cm.trainer.SetLearningRate(cp.TrainingState.LearningRate)
	}

	cm.bestAccuracy = max(float64(cp.TrainingState.BestAccuracy), initialBestAccuracy)
	cm.bestLoss = float64(cp.TrainingState.BestLoss)
	cm.totalSteps = cp.TrainingState.TotalSteps

	if plateau, ok := cm.scheduler.(*ReduceLROnPlateauScheduler); ok && len(cp.TrainingState.SchedulerState) > 0 {
		var state PlateauState
		if err := json.Unmarshal(cp.TrainingState.SchedulerState, &state); err != nil {
			return nil, errors.Wrap(err, "failed to decode scheduler state")
		}
		plateau.SetState(state)
	}
	return cp, nil
}

// ExportBestONNX converts the best checkpoint into an ONNX model at path
func (cm *CheckpointManager) ExportBestONNX(path string) error {
	cp, err := checkpoints.Load(cm.BestPath())
	if err != nil {
		return errors.Wrap(err, "no best checkpoint to export")
	}
	return errors.Wrap(checkpoints.NewONNXExporter().ExportToONNX(cp, path), "failed to export ONNX model")
}
