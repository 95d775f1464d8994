// Package store records training runs and their per-epoch metrics in a
// SQLite database so results can be compared across backbones.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	_ "modernc.org/sqlite"

	"github.com/tsawler/go-matnet/training"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id          TEXT PRIMARY KEY,
	exp_name    TEXT NOT NULL,
	model       TEXT NOT NULL,
	dataset     TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	best_acc    REAL NOT NULL DEFAULT 0,
	config_json TEXT
);
CREATE TABLE IF NOT EXISTS epochs(
	run_id     TEXT NOT NULL REFERENCES runs(id),
	epoch      INTEGER NOT NULL,
	train_loss REAL,
	train_acc  REAL,
	val_loss   REAL,
	val_acc    REAL,
	lr         REAL,
	elapsed_ms INTEGER,
	PRIMARY KEY(run_id, epoch)
);
CREATE INDEX IF NOT EXISTS runs_best_acc ON runs(best_acc DESC);
`

// Run is one row of the runs table
type Run struct {
	ID         string
	Experiment string
	Model      string
	Dataset    string
	StartedAt  time.Time
	FinishedAt time.Time // zero while running or after a crash
	BestAcc    float64
	ConfigJSON string
}

// Epoch is one row of the epochs table
type Epoch struct {
	RunID     string
	Epoch     int
	TrainLoss float64
	TrainAcc  float64
	ValLoss   float64
	ValAcc    float64
	LR        float64
	Elapsed   time.Duration
}

// Registry is a run registry backed by SQLite. It implements
// training.Observer; write failures are logged and never stop a run.
type Registry struct {
	db *sql.DB
}

var _ training.Observer = (*Registry)(nil)

// Open opens or creates the registry at path. ":memory:" gives a private
// in-memory registry.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open run registry %s", path)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		klog.V(1).Infof("run registry: WAL unavailable: %v", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create run registry schema")
	}
	return &Registry{db: db}, nil
}

// Close closes the database
func (r *Registry) Close() error {
	return r.db.Close()
}

// StartRun inserts a run, or reopens it when a resumed run reuses its ID
func (r *Registry) StartRun(ctx context.Context, info training.RunInfo) error {
	started := info.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs(id, exp_name, model, dataset, started_at, config_json) VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET finished_at = NULL, config_json = excluded.config_json`,
		info.RunID, info.Experiment, info.Model, info.Dataset, started.UnixMilli(), string(info.ConfigJSON))
	return errors.Wrapf(err, "failed to record run %s", info.RunID)
}

// RecordEpoch stores one epoch and raises the run's best accuracy
func (r *Registry) RecordEpoch(ctx context.Context, ev training.EpochEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO epochs(run_id, epoch, train_loss, train_acc, val_loss, val_acc, lr, elapsed_ms)
		VALUES(?,?,?,?,?,?,?,?)`,
		ev.RunID, ev.Epoch, ev.TrainLoss, ev.TrainAccuracy, ev.ValLoss, ev.ValAccuracy, ev.LearningRate, ev.Elapsed.Milliseconds()); err != nil {
		return errors.Wrapf(err, "failed to record epoch %d", ev.Epoch)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET best_acc = MAX(best_acc, ?, ?) WHERE id = ?`,
		ev.ValAccuracy, ev.BestAccuracy, ev.RunID); err != nil {
		return errors.Wrap(err, "failed to update best accuracy")
	}
	return errors.Wrap(tx.Commit(), "failed to commit epoch")
}

// FinishRun stamps the finish time and final best accuracy
func (r *Registry) FinishRun(ctx context.Context, sum training.RunSummary) error {
	finished := sum.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `UPDATE runs SET finished_at = ?, best_acc = MAX(best_acc, ?) WHERE id = ?`,
		finished.UnixMilli(), sum.BestAccuracy, sum.RunID)
	return errors.Wrapf(err, "failed to finish run %s", sum.RunID)
}

func (r *Registry) RunStarted(info training.RunInfo) {
	if err := r.StartRun(context.Background(), info); err != nil {
		klog.Errorf("run registry: %v", err)
	}
}

func (r *Registry) EpochFinished(ev training.EpochEvent) {
	if err := r.RecordEpoch(context.Background(), ev); err != nil {
		klog.Errorf("run registry: %v", err)
	}
}

func (r *Registry) RunFinished(sum training.RunSummary) {
	if err := r.FinishRun(context.Background(), sum); err != nil {
		klog.Errorf("run registry: %v", err)
	}
}

const runColumns = `id, exp_name, model, dataset, started_at, finished_at, best_acc, config_json`

// BestRuns returns up to limit runs ordered by best validation accuracy
func (r *Registry) BestRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY best_acc DESC, started_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, errors.Wrap(rows.Err(), "failed to read runs")
}

// GetRun returns one run
func (r *Registry) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Cause(err) == sql.ErrNoRows {
		return nil, errors.Errorf("run %s not found", id)
	}
	return run, err
}

// Epochs returns the recorded epochs of a run in order
func (r *Registry) Epochs(ctx context.Context, runID string) ([]Epoch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, epoch, train_loss, train_acc, val_loss, val_acc, lr, elapsed_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query epochs")
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var elapsed int64
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.TrainLoss, &e.TrainAcc, &e.ValLoss, &e.ValAcc, &e.LR, &elapsed); err != nil {
			return nil, errors.Wrap(err, "failed to scan epoch")
		}
		e.Elapsed = time.Duration(elapsed) * time.Millisecond
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to read epochs")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var started int64
	var finished sql.NullInt64
	var cfg sql.NullString
	if err := s.Scan(&run.ID, &run.Experiment, &run.Model, &run.Dataset, &started, &finished, &run.BestAcc, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to scan run")
	}
	run.StartedAt = time.UnixMilli(started)
	if finished.Valid {
		run.FinishedAt = time.UnixMilli(finished.Int64)
	}
	run.ConfigJSON = cfg.String
	return &run, nil
}
