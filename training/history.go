package training

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// History holds the per-epoch metrics of a run. Every value is stored as a
// single-element list, the layout downstream notebooks already read.
// Accuracies are percentages.
type History struct {
	TrainAcc  [][]float64 `json:"train_acc"`
	TrainLoss [][]float64 `json:"train_loss"`
	ValAcc    [][]float64 `json:"val_acc"`
	ValLoss   [][]float64 `json:"val_loss"`
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{
		TrainAcc:  [][]float64{},
		TrainLoss: [][]float64{},
		ValAcc:    [][]float64{},
		ValLoss:   [][]float64{},
	}
}

// Append records one finished epoch
func (h *History) Append(trainAcc, trainLoss, valAcc, valLoss float64) {
	h.TrainAcc = append(h.TrainAcc, []float64{trainAcc})
	h.TrainLoss = append(h.TrainLoss, []float64{trainLoss})
	h.ValAcc = append(h.ValAcc, []float64{valAcc})
	h.ValLoss = append(h.ValLoss, []float64{valLoss})
}

// Len returns the number of recorded epochs
func (h *History) Len() int {
	return min(len(h.TrainAcc), len(h.TrainLoss), len(h.ValAcc), len(h.ValLoss))
}

// Truncate keeps the first n epochs, used when resuming from an earlier checkpoint
func (h *History) Truncate(n int) {
	n = max(0, min(n, h.Len()))
	h.TrainAcc = h.TrainAcc[:n]
	h.TrainLoss = h.TrainLoss[:n]
	h.ValAcc = h.ValAcc[:n]
	h.ValLoss = h.ValLoss[:n]
}

// Series returns a flat copy of one metric: "train_acc", "train_loss",
// "val_acc" or "val_loss"
func (h *History) Series(name string) []float64 {
	var src [][]float64
	switch name {
	case "train_acc":
		src = h.TrainAcc
	case "train_loss":
		src = h.TrainLoss
	case "val_acc":
		src = h.ValAcc
	case "val_loss":
		src = h.ValLoss
	}
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if len(v) > 0 {
			out = append(out, v[0])
		}
	}
	return out
}

// Clone returns a deep copy
func (h *History) Clone() *History {
	c := NewHistory()
	for i := 0; i < h.Len(); i++ {
		c.Append(h.TrainAcc[i][0], h.TrainLoss[i][0], h.ValAcc[i][0], h.ValLoss[i][0])
	}
	return c
}

// Save writes the history as JSON, replacing path atomically so an
// interrupted run keeps the previous epoch's file
func (h *History) Save(path string) error {
	data, err := json.Marshal(h)
	if err != nil {
		return errors.Wrap(err, "failed to encode history")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create history file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write history")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to flush history")
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "failed to move history into %s", path)
}

// LoadHistory reads a history written by Save
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read history")
	}
	h := NewHistory()
	if err := json.Unmarshal(data, h); err != nil {
		return nil, errors.Wrapf(err, "failed to decode history %s", path)
	}
	return h, nil
}
