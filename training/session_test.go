package training

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-matnet/checkpoints"
	"github.com/tsawler/go-matnet/layers"
	"github.com/tsawler/go-matnet/optimizer"
	"github.com/tsawler/go-matnet/vision/dataloader"
	"github.com/tsawler/go-matnet/vision/dataset"
)

// synthDataset holds two linearly separable classes of 3x8x8 images
type synthDataset struct {
	n int
}

func (sd *synthDataset) Len() int        { return sd.n }
func (sd *synthDataset) NumClasses() int { return 2 }

func (sd *synthDataset) Get(index int, rng *rand.Rand) (dataset.Sample, error) {
	label := index % 2
	sign := float32(1)
	if label == 1 {
		sign = -1
	}
	data := make([]float32, 3*8*8)
	for i := range data {
		data[i] = sign + 0.1*float32(rng.NormFloat64())
	}
	return dataset.Sample{Data: data, Label: label, Target: dataset.OneHot(label, 2)}, nil
}

func newTestTrainer(t *testing.T, batch int) *ModelTrainer {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{batch, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, 0, "pool1").
		AddFlatten("flat").
		AddDense(2, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile test model: %v", err)
	}
	trainer, err := NewModelTrainer(model, nil, TrainerConfig{
		BatchSize: batch,
		Seed:      1,
		Optimizer: optimizer.Config{Type: "sgd", LearningRate: 0.05, Momentum: 0.9},
	})
	if err != nil {
		t.Fatalf("Failed to create trainer: %v", err)
	}
	t.Cleanup(trainer.Cleanup)
	return trainer
}

func newLoaders(t *testing.T, trainN, valN, batch int) (*dataloader.DataLoader, *dataloader.DataLoader) {
	t.Helper()
	train, err := dataloader.NewDataLoader(&synthDataset{n: trainN}, dataloader.Config{
		BatchSize: batch, Shuffle: true, DropLast: true, Seed: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	val, err := dataloader.NewDataLoader(&synthDataset{n: valN}, dataloader.Config{BatchSize: batch, Seed: 4})
	if err != nil {
		t.Fatal(err)
	}
	return train, val
}

type recordingObserver struct {
	started  []RunInfo
	events   []EpochEvent
	finished []RunSummary
}

func (r *recordingObserver) RunStarted(info RunInfo) { r.started = append(r.started, info) }
func (r *recordingObserver) EpochFinished(event EpochEvent) { r.events = append(r.events, event) }
func (r *recordingObserver) RunFinished(summary RunSummary) { r.finished = append(r.finished, summary) }

func TestModelTrainerBatches(t *testing.T) {
	trainer := newTestTrainer(t, 4)
	ds := &synthDataset{n: 4}
	rng := rand.New(rand.NewSource(1))

	var inputs, targets []float32
	var labels []int32
	for i := 0; i < 3; i++ {
		s, _ := ds.Get(i, rng)
		inputs = append(inputs, s.Data...)
		targets = append(targets, s.Target...)
		labels = append(labels, int32(s.Label))
	}

	result, err := trainer.TrainBatch(inputs, targets, labels, 3)
	if err != nil {
		t.Fatalf("Short batch should be filled: %v", err)
	}
	if result.BatchSize != 3 || result.Correct > 3 || result.Loss <= 0 {
		t.Errorf("Unexpected result %+v", result)
	}
	if trainer.GetStats().TotalSteps != 1 || trainer.Optimizer().GetStepCount() != 1 {
		t.Error("Expected one optimization step")
	}

	if _, err := trainer.TrainBatch(inputs, targets, labels, 5); err == nil {
		t.Error("Expected error for an oversized batch")
	}
	if _, err := trainer.TrainBatch(inputs[:10], targets, labels, 3); err == nil {
		t.Error("Expected error for truncated inputs")
	}

	eval, err := trainer.EvaluateBatch(inputs, targets, labels, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(eval.Logits) != 6 || eval.Loss <= 0 {
		t.Errorf("Unexpected evaluation %+v", eval)
	}

	trainer.SetLearningRate(0.01)
	if trainer.GetLearningRate() != 0.01 {
		t.Errorf("Expected lr 0.01, got %g", trainer.GetLearningRate())
	}

	if _, err := NewModelTrainer(trainer.GetModelSpec(), nil, TrainerConfig{BatchSize: 4}); err == nil {
		t.Error("Expected error for zero learning rate")
	}
}

func TestModelTrainerFrozenLayers(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{4, 3, 8, 8}).
		AddConv2D(4, 3, 1, 1, true, "conv1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, 0, "pool1").
		AddFlatten("flat").
		AddDense(2, true, "fc").
		Compile()
	if err != nil {
		t.Fatal(err)
	}
	if n := model.FreezePrefixes("conv1"); n != 1 {
		t.Fatalf("Expected 1 frozen layer, got %d", n)
	}
	trainer, err := NewModelTrainer(model, nil, TrainerConfig{
		BatchSize: 4,
		Seed:      1,
		Optimizer: optimizer.Config{Type: "sgd", LearningRate: 0.05, Momentum: 0.9},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer trainer.Cleanup()

	ds := &synthDataset{n: 4}
	rng := rand.New(rand.NewSource(1))
	var inputs, targets []float32
	var labels []int32
	for i := 0; i < 4; i++ {
		s, _ := ds.Get(i, rng)
		inputs = append(inputs, s.Data...)
		targets = append(targets, s.Target...)
		labels = append(labels, int32(s.Label))
	}
	if _, err := trainer.TrainBatch(inputs, targets, labels, 4); err != nil {
		t.Fatal(err)
	}

	state, err := trainer.Optimizer().GetState()
	if err != nil {
		t.Fatal(err)
	}
	// momentum only for fc.weight and fc.bias
	if len(state.StateData) != 2 {
		t.Errorf("Expected 2 momentum buffers, got %d", len(state.StateData))
	}
	for i, p := range trainer.Engine().Parameters() {
		for _, tensor := range state.StateData {
			if !p.Trainable && tensor.Name == fmt.Sprintf("momentum_%d", i) {
				t.Errorf("Frozen parameter %s has momentum state", p.Name)
			}
		}
	}
}

func TestSessionRun(t *testing.T) {
	dir := t.TempDir()
	trainer := newTestTrainer(t, 4)
	train, val := newLoaders(t, 14, 6, 4)
	scheduler := NewStepLRScheduler(2, 0.1)

	session, err := NewSession(trainer, train, val, scheduler, SessionConfig{
		Experiment: "synthetic",
		ModelName:  "tiny",
		Dir:        dir,
		Epochs:     3,
		ClassNames: []string{"bright", "dark"},
		Plot:       true,
	})
	if err != nil {
		t.Fatal(err)
	}
	obs := &recordingObserver{}
	session.AddObserver(obs)

	summary, err := session.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if summary.EpochsCompleted != 3 || len(obs.events) != 3 {
		t.Fatalf("Expected 3 epochs, got %d (%d events)", summary.EpochsCompleted, len(obs.events))
	}
	if len(obs.started) != 1 || len(obs.finished) != 1 || obs.started[0].RunID != session.RunID() {
		t.Error("Expected one start and one finish notification for the run")
	}

	// StepLR(2, 0.1) after validation: epochs 0 and 1 at base, epoch 2 decayed
	wantLR := []float64{0.05, 0.05, 0.005}
	for i, ev := range obs.events {
		if ev.Epoch != i {
			t.Errorf("Event %d has epoch %d", i, ev.Epoch)
		}
		if diff := ev.LearningRate - wantLR[i]; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("Epoch %d: expected lr %g, got %g", i, wantLR[i], ev.LearningRate)
		}
	}

	for _, name := range []string{LatestCheckpointFile, BestCheckpointFile, HistoryFile, LossPlotFile, AccuracyPlotFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to be written: %v", name, err)
		}
	}

	// both checkpoints resume with the rate of the epoch after them
	for _, name := range []string{LatestCheckpointFile, BestCheckpointFile} {
		cp, err := checkpoints.Load(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		want := float32(scheduler.GetLR(cp.TrainingState.Epoch+1, 0, float64(float32(0.05))))
		if got := cp.TrainingState.LearningRate; got != want {
			t.Errorf("%s at epoch %d: expected lr %g, got %g", name, cp.TrainingState.Epoch, want, got)
		}
	}

	h, err := LoadHistory(filepath.Join(dir, HistoryFile))
	if err != nil {
		t.Fatal(err)
	}
	if h.Len() != 3 || len(h.ValAcc[0]) != 1 {
		t.Errorf("Expected 3 single-element entries, got %+v", h)
	}
	if summary.BestAccuracy <= initialBestAccuracy || summary.Report == "" {
		t.Errorf("Expected a best accuracy and a report, got %+v", summary)
	}
}

func TestLogIteration(t *testing.T) {
	tests := []struct {
		epoch, batches, ipe, every int
		want                       int
		log                        bool
	}{
		{0, 1, 3, 10, 1, false},
		{0, 10, 12, 10, 10, true},
		{1, 8, 12, 10, 20, true},
		{3, 1, 3, 10, 10, true},
		{2, 3, 3, 1, 9, true},
		{0, 5, 3, 0, 5, false},
	}
	for _, tt := range tests {
		got, log := logIteration(tt.epoch, tt.batches, tt.ipe, tt.every)
		if got != tt.want || log != tt.log {
			t.Errorf("logIteration(%d, %d, %d, %d) = %d, %v, want %d, %v",
				tt.epoch, tt.batches, tt.ipe, tt.every, got, log, tt.want, tt.log)
		}
	}
}

func TestSessionResume(t *testing.T) {
	dir := t.TempDir()
	cfg := SessionConfig{Experiment: "resume", Dir: dir, Epochs: 2}

	train, val := newLoaders(t, 8, 4, 4)
	s1, err := NewSession(newTestTrainer(t, 4), train, val, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s1.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	cfg.Epochs = 3
	train, val = newLoaders(t, 8, 4, 4)
	trainer := newTestTrainer(t, 4)
	s2, err := NewSession(trainer, train, val, nil, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Resume(filepath.Join(dir, LatestCheckpointFile)); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if s2.RunID() != s1.RunID() {
		t.Errorf("Resumed run should keep id %s, got %s", s1.RunID(), s2.RunID())
	}
	if trainer.Optimizer().GetStepCount() != 4 {
		t.Errorf("Expected 4 restored optimizer steps, got %d", trainer.Optimizer().GetStepCount())
	}

	obs := &recordingObserver{}
	s2.AddObserver(obs)
	if _, err := s2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(obs.events) != 1 || obs.events[0].Epoch != 2 {
		t.Fatalf("Expected only epoch 2 to run, got %+v", obs.events)
	}
	if s2.History().Len() != 3 {
		t.Errorf("Expected history of 3 epochs, got %d", s2.History().Len())
	}
}

func TestSessionCancelled(t *testing.T) {
	dir := t.TempDir()
	train, val := newLoaders(t, 8, 4, 4)
	s, err := NewSession(newTestTrainer(t, 4), train, val, nil, SessionConfig{Dir: dir, Epochs: 5})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := s.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if summary.EpochsCompleted != 0 || summary.Err == nil {
		t.Errorf("Unexpected summary %+v", summary)
	}
	if _, err := os.Stat(filepath.Join(dir, HistoryFile)); !os.IsNotExist(err) {
		t.Error("No history should be written before an epoch completes")
	}
}

func TestSessionEmptyValidation(t *testing.T) {
	dir := t.TempDir()
	train, val := newLoaders(t, 8, 0, 4)
	s, err := NewSession(newTestTrainer(t, 4), train, val, nil, SessionConfig{Dir: dir, Epochs: 1})
	if err != nil {
		t.Fatal(err)
	}
	obs := &recordingObserver{}
	s.AddObserver(obs)
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ev := obs.events[0]; ev.ValAccuracy != 0 || ev.Best {
		t.Errorf("Empty validation should report 0 without a best checkpoint, got %+v", ev)
	}
	if _, err := os.Stat(filepath.Join(dir, BestCheckpointFile)); !os.IsNotExist(err) {
		t.Error("Best checkpoint should not be written for accuracy 0")
	}
}

func TestSessionRejectsTinyTrainingSet(t *testing.T) {
	train, val := newLoaders(t, 3, 2, 4)
	if _, err := NewSession(newTestTrainer(t, 4), train, val, nil, SessionConfig{Epochs: 1}); err == nil {
		t.Error("Expected error for a training set smaller than one batch")
	}
}

func TestCheckpointManager(t *testing.T) {
	dir := t.TempDir()
	trainer := newTestTrainer(t, 4)
	plateau := NewReduceLROnPlateauScheduler(0.5, 1, 0, "max")
	plateau.Step(40, 0.05)
	cm := NewCheckpointManager(trainer, plateau, CheckpointConfig{SaveDirectory: dir, ModelName: "tiny"})

	saved, err := cm.SaveBest(0, 0, 1)
	if err != nil || saved {
		t.Fatalf("Accuracy 0 must not beat the initial best (saved=%v, err=%v)", saved, err)
	}
	if saved, _ := cm.SaveBest(0, 50, 1); !saved {
		t.Error("First positive accuracy should be saved")
	}
	if saved, _ := cm.SaveBest(1, 50, 0.5); saved {
		t.Error("Equal accuracy must not replace the best checkpoint")
	}
	if saved, _ := cm.SaveBest(2, 60, 0.4); !saved {
		t.Error("Higher accuracy should be saved")
	}
	trainer.SetLearningRate(0.02)
	if err := cm.SaveLatest(2); err != nil {
		t.Fatal(err)
	}

	other := newTestTrainer(t, 4)
	restoredPlateau := NewReduceLROnPlateauScheduler(0.5, 1, 0, "max")
	cm2 := NewCheckpointManager(other, restoredPlateau, CheckpointConfig{SaveDirectory: dir})
	cp, err := cm2.Resume(cm.LatestPath())
	if err != nil {
		t.Fatal(err)
	}
	if cp.TrainingState.Epoch != 2 || cm2.BestAccuracy() != 60 || other.GetLearningRate() != 0.02 {
		t.Errorf("Unexpected restored state: epoch %d, best %f, lr %g",
			cp.TrainingState.Epoch, cm2.BestAccuracy(), other.GetLearningRate())
	}
	if restoredPlateau.State() != plateau.State() {
		t.Errorf("Scheduler state not restored: %+v vs %+v", restoredPlateau.State(), plateau.State())
	}

	w1, _ := trainer.Engine().Weights()
	w2, _ := other.Engine().Weights()
	for i := range w1 {
		for j := range w1[i].Data {
			if w1[i].Data[j] != w2[i].Data[j] {
				t.Fatalf("Weight %s differs after resume", w1[i].Name)
			}
		}
	}

	onnxPath := filepath.Join(dir, "best.onnx")
	if err := cm.ExportBestONNX(onnxPath); err != nil {
		t.Fatalf("ONNX export failed: %v", err)
	}
	if info, err := os.Stat(onnxPath); err != nil || info.Size() == 0 {
		t.Error("Expected a non-empty ONNX file")
	}
}
