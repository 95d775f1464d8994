package training

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-matnet/vision/dataloader"
)

// HistoryFile is the metric history written into the experiment directory
const HistoryFile = "history.json"

// SessionConfig configures a training session
type SessionConfig struct {
	Experiment string
	ModelName  string
	Dataset    string
	Dir        string // experiment directory for checkpoints, history and plots
	Epochs     int
	BaseLR     float64
	LogEvery   int // global iterations between loss log lines
	ClassNames []string
	Progress   io.Writer // progress bars; nil disables them
	Plot       bool      // write loss and accuracy PNGs after every epoch
	RunID      string    // generated when empty
	ConfigJSON []byte    // resolved configuration, recorded by observers
}

// RunInfo describes a run when it starts
type RunInfo struct {
	RunID      string
	Experiment string
	Model      string
	Dataset    string
	Epochs     int
	StartEpoch int
	StartedAt  time.Time
	ConfigJSON []byte
}

// EpochEvent reports one finished epoch. Epoch is zero-based; accuracies
// are percentages.
type EpochEvent struct {
	RunID         string        `json:"run_id"`
	Experiment    string        `json:"experiment"`
	Epoch         int           `json:"epoch"`
	Epochs        int           `json:"epochs"`
	TrainLoss     float64       `json:"train_loss"`
	TrainAccuracy float64       `json:"train_acc"`
	ValLoss       float64       `json:"val_loss"`
	ValAccuracy   float64       `json:"val_acc"`
	LearningRate  float64       `json:"lr"`
	Best          bool          `json:"best"`
	BestAccuracy  float64       `json:"best_acc"`
	Elapsed       time.Duration `json:"elapsed"`
	Time          time.Time     `json:"time"`
}

// RunSummary is produced when a run ends, successfully or not
type RunSummary struct {
	RunID            string
	EpochsCompleted  int
	BestAccuracy     float64
	BestCheckpoint   string
	LatestCheckpoint string
	HistoryPath      string
	Report           string // per-class metrics of the last validation pass
	FinishedAt       time.Time
	Err              error
}

// Observer receives run lifecycle events. Calls are made from the
// training goroutine and must not block.
type Observer interface {
	RunStarted(info RunInfo)
	EpochFinished(event EpochEvent)
	RunFinished(summary RunSummary)
}

// Session runs the epoch loop: train, validate, checkpoint, step the
// scheduler and record history
type Session struct {
	config      SessionConfig
	trainer     *ModelTrainer
	train       *dataloader.DataLoader
	val         *dataloader.DataLoader
	scheduler   LRScheduler
	checkpoints *CheckpointManager
	history     *History
	progress    *ProgressReporter
	observers   []Observer
	startEpoch  int
	lastMatrix  *ConfusionMatrix
}

// NewSession wires a trainer to its loaders. scheduler may be nil for a
// constant learning rate.
func NewSession(trainer *ModelTrainer, train, val *dataloader.DataLoader, scheduler LRScheduler, config SessionConfig) (*Session, error) {
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if train.BatchSize() != trainer.BatchSize() {
		return nil, errors.Errorf("training loader batch size %d differs from trainer batch size %d",
			train.BatchSize(), trainer.BatchSize())
	}
	if train.NumSamples()/train.BatchSize() == 0 {
		return nil, errors.Errorf("training set of %d samples is smaller than one batch of %d",
			train.NumSamples(), train.BatchSize())
	}
	if scheduler == nil {
		scheduler = &NoOpScheduler{}
	}
	if config.LogEvery <= 0 {
		config.LogEvery = 10
	}
	if config.BaseLR <= 0 {
		config.BaseLR = float64(trainer.GetLearningRate())
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}

	s := &Session{
		config:    config,
		trainer:   trainer,
		train:     train,
		val:       val,
		scheduler: scheduler,
		history:   NewHistory(),
		progress:  NewProgressReporter(config.Progress, config.Epochs, train.Len(), val.Len()),
	}
	s.checkpoints = NewCheckpointManager(trainer, scheduler, CheckpointConfig{
		SaveDirectory: config.Dir,
		ModelName:     config.ModelName,
		Experiment:    config.Experiment,
		RunID:         config.RunID,
		Tags:          []string{config.Dataset},
	})
	return s, nil
}

// AddObserver registers an observer for run events
func (s *Session) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// History returns the metrics recorded so far
func (s *Session) History() *History {
	return s.history
}

// RunID returns the run identifier
func (s *Session) RunID() string {
	return s.config.RunID
}

// Checkpoints returns the checkpoint manager
func (s *Session) Checkpoints() *CheckpointManager {
	return s.checkpoints
}

// HistoryPath returns where the history is written
func (s *Session) HistoryPath() string {
	return filepath.Join(s.config.Dir, HistoryFile)
}

// Resume continues from a checkpoint: the epoch after the checkpointed one
// is trained next and the history on disk is kept up to it
func (s *Session) Resume(path string) error {
	cp, err := s.checkpoints.Resume(path)
	if err != nil {
		return err
	}
	s.startEpoch = cp.TrainingState.Epoch + 1
	if cp.Metadata.RunID != "" {
		s.config.RunID = cp.Metadata.RunID
		s.checkpoints.config.RunID = cp.Metadata.RunID
	}

	h, err := LoadHistory(s.HistoryPath())
	switch {
	case err == nil:
		h.Truncate(s.startEpoch)
		s.history = h
	case errors.Is(err, os.ErrNotExist):
		klog.Warningf("No history at %s, starting a new one", s.HistoryPath())
	default:
		return err
	}
	klog.Infof("Resuming run %s at epoch %d/%d (lr %g, best acc %.2f%%)", s.config.RunID,
		s.startEpoch+1, s.config.Epochs, s.trainer.GetLearningRate(), s.checkpoints.BestAccuracy())
	return nil
}

// Run trains until the configured number of epochs or until ctx is
// cancelled. Everything up to the last completed epoch is on disk when it
// returns.
func (s *Session) Run(ctx context.Context) (*RunSummary, error) {
	info := RunInfo{
		RunID:      s.config.RunID,
		Experiment: s.config.Experiment,
		Model:      s.config.ModelName,
		Dataset:    s.config.Dataset,
		Epochs:     s.config.Epochs,
		StartEpoch: s.startEpoch,
		StartedAt:  time.Now(),
		ConfigJSON: s.config.ConfigJSON,
	}
	for _, o := range s.observers {
		o.RunStarted(info)
	}

	summary := &RunSummary{
		RunID:            s.config.RunID,
		BestCheckpoint:   s.checkpoints.BestPath(),
		LatestCheckpoint: s.checkpoints.LatestPath(),
		HistoryPath:      s.HistoryPath(),
	}
	err := s.run(ctx, summary)

	summary.BestAccuracy = s.checkpoints.BestAccuracy()
	summary.EpochsCompleted = s.history.Len()
	summary.FinishedAt = time.Now()
	summary.Err = err
	if s.lastMatrix != nil {
		summary.Report = s.lastMatrix.Report(s.config.ClassNames)
	}
	for _, o := range s.observers {
		o.RunFinished(*summary)
	}
	return summary, err
}

func (s *Session) run(ctx context.Context, summary *RunSummary) error {
	for epoch := s.startEpoch; epoch < s.config.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		lr := float64(s.trainer.GetLearningRate())
		s.progress.StartEpoch(epoch + 1)

		trainLoss, trainAcc, err := s.trainEpoch(ctx, epoch)
		if err != nil {
			return errors.Wrapf(err, "epoch %d training", epoch+1)
		}
		valLoss, valAcc, err := s.validate(ctx)
		if err != nil {
			return errors.Wrapf(err, "epoch %d validation", epoch+1)
		}

		// checkpoints carry the rate of the next epoch
		s.trainer.SetLearningRate(float32(s.nextLR(epoch, valAcc, lr)))
		best, err := s.checkpoints.SaveBest(epoch, valAcc, valLoss)
		if err != nil {
			return err
		}

		s.history.Append(trainAcc, trainLoss, valAcc, valLoss)
		if err := s.history.Save(s.HistoryPath()); err != nil {
			return err
		}
		if err := s.checkpoints.SaveLatest(epoch); err != nil {
			return err
		}
		if s.config.Plot {
			if err := SavePlots(s.history, s.config.Dir); err != nil {
				klog.Warningf("Failed to save plots: %v", err)
			}
		}

		event := EpochEvent{
			RunID:         s.config.RunID,
			Experiment:    s.config.Experiment,
			Epoch:         epoch,
			Epochs:        s.config.Epochs,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValLoss:       valLoss,
			ValAccuracy:   valAcc,
			LearningRate:  lr,
			Best:          best,
			BestAccuracy:  s.checkpoints.BestAccuracy(),
			Elapsed:       time.Since(start),
			Time:          time.Now(),
		}
		s.progress.PrintEpochSummary(event)
		klog.Infof("Epoch %d/%d: train loss %.4f acc %.2f%% | val loss %.4f acc %.2f%% | %s",
			epoch+1, s.config.Epochs, trainLoss, trainAcc, valLoss, valAcc, event.Elapsed.Round(time.Millisecond))
		for _, o := range s.observers {
			o.EpochFinished(event)
		}
	}

	if s.lastMatrix != nil {
		klog.Infof("Validation report:\n%s", s.lastMatrix.Report(s.config.ClassNames))
	}
	klog.Infof("Best validation accuracy %.2f%%", s.checkpoints.BestAccuracy())
	return nil
}

// nextLR steps the scheduler after validation
func (s *Session) nextLR(epoch int, valAcc, lr float64) float64 {
	if ms, ok := s.scheduler.(MetricScheduler); ok {
		return ms.Step(valAcc, lr)
	}
	return s.scheduler.GetLR(epoch+1, 0, s.config.BaseLR)
}

// logIteration returns the 1-based global iteration of the batches-th batch
// of epoch and whether it is due for a log line
func logIteration(epoch, batches, ipe, every int) (int, bool) {
	iteration := epoch*ipe + batches
	return iteration, every > 0 && iteration%every == 0
}

// trainEpoch returns the mean batch loss and the accuracy in percent
func (s *Session) trainEpoch(ctx context.Context, epoch int) (float64, float64, error) {
	ipe := max(s.train.NumSamples()/s.train.BatchSize(), 1)
	it := s.train.Epoch(ctx)
	defer it.Close()

	var lossSum float64
	batches, correct, total := 0, 0, 0
	for it.Next() {
		b := it.Batch()
		result, err := s.trainer.TrainBatch(b.Inputs, b.Targets, b.Labels, b.Size)
		if err != nil {
			return 0, 0, err
		}
		lossSum += float64(result.Loss)
		correct += result.Correct
		total += result.BatchSize
		s.checkpoints.AddSteps(1)

		batches++
		if iteration, ok := logIteration(epoch, batches, ipe, s.config.LogEvery); ok {
			klog.Infof("Epoch: %d/%d || Iters: %d/%d || Loss: %.4f || lr: %g",
				epoch+1, s.config.Epochs, iteration%ipe, ipe, result.Loss, s.trainer.GetLearningRate())
		}
		s.progress.UpdateTrainingProgress(batches, lossSum/float64(batches), percent(correct, total))
	}
	if err := it.Err(); err != nil {
		return 0, 0, err
	}
	s.progress.FinishTrainingEpoch()
	if batches == 0 {
		return 0, 0, errors.New("no training batch could be loaded")
	}
	return lossSum / float64(batches), percent(correct, total), nil
}

// validate returns the mean of per-batch losses and the accuracy in percent
func (s *Session) validate(ctx context.Context) (float64, float64, error) {
	cm := NewConfusionMatrix(s.trainer.Engine().NumClasses())
	s.progress.StartValidation()
	it := s.val.Epoch(ctx)
	defer it.Close()

	var lossSum float64
	batches, correct, total := 0, 0, 0
	for it.Next() {
		b := it.Batch()
		result, err := s.trainer.EvaluateBatch(b.Inputs, b.Targets, b.Labels, b.Size)
		if err != nil {
			return 0, 0, err
		}
		if err := cm.UpdateFromPredictions(result.Logits, b.Labels, b.Size, b.NumClasses); err != nil {
			return 0, 0, err
		}
		lossSum += result.Loss
		correct += result.Correct
		total += result.BatchSize
		batches++
		s.progress.UpdateValidationProgress(batches, lossSum/float64(batches), percent(correct, total))
	}
	if err := it.Err(); err != nil {
		return 0, 0, err
	}
	s.progress.FinishValidationEpoch()
	s.lastMatrix = cm

	if total == 0 {
		klog.Warning("Validation set is empty, reporting accuracy 0")
		return 0, 0, nil
	}
	klog.V(1).Infof("Validation macro F1 %.4f", cm.GetMetric(MacroF1))
	return lossSum / float64(batches), percent(correct, total), nil
}

func percent(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return 100 * float64(correct) / float64(total)
}
