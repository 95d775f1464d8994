package dataloader

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tsawler/go-matnet/vision/dataset"
	"k8s.io/klog/v2"
)

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	DropLast  bool
	Workers   int // Number of parallel workers for loading, at least 1
	Seed      int64
}

// Batch is a set of samples laid out contiguously: Inputs is
// [Size, SampleSize] and Targets is [Size, NumClasses]
type Batch struct {
	Inputs     []float32
	Targets    []float32
	Labels     []int32
	Size       int
	SampleSize int
	NumClasses int
}

// DataLoader assembles batches from a dataset with a pool of workers.
// Samples that fail to load are logged and skipped, so a batch can hold
// fewer than BatchSize samples.
type DataLoader struct {
	dataset dataset.Dataset
	config  Config
	indices []int

	mu      sync.Mutex
	shuffle *rand.Rand
	rngs    []*rand.Rand

	skipped atomic.Int64
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds dataset.Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	config.Workers = max(config.Workers, 1)

	dl := &DataLoader{
		dataset: ds,
		config:  config,
		indices: make([]int, ds.Len()),
		shuffle: rand.New(rand.NewSource(config.Seed)),
		rngs:    make([]*rand.Rand, config.Workers),
	}
	for i := range dl.indices {
		dl.indices[i] = i
	}
	for w := range dl.rngs {
		dl.rngs[w] = rand.New(rand.NewSource(config.Seed + int64(w) + 1))
	}
	return dl, nil
}

// Len returns the number of batches per epoch
func (dl *DataLoader) Len() int {
	n, b := len(dl.indices), dl.config.BatchSize
	if dl.config.DropLast {
		return n / b
	}
	return (n + b - 1) / b
}

// NumSamples returns the dataset size
func (dl *DataLoader) NumSamples() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.config.BatchSize
}

// Skipped returns the number of samples skipped because they failed to load
func (dl *DataLoader) Skipped() int64 {
	return dl.skipped.Load()
}

// Iterator walks one epoch of batches
type Iterator struct {
	batches <-chan *Batch
	errc    chan error
	cancel  context.CancelFunc
	current *Batch
	err     error
}

// Epoch starts loading one pass over the dataset. One batch is prefetched
// in the background while the caller consumes the current one. The
// iterator must be closed.
func (dl *DataLoader) Epoch(ctx context.Context) *Iterator {
	dl.mu.Lock()
	order := append([]int(nil), dl.indices...)
	if dl.config.Shuffle {
		dl.shuffle.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	dl.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	batches := make(chan *Batch, 1)
	it := &Iterator{batches: batches, errc: make(chan error, 1), cancel: cancel}

	go func() {
		defer close(batches)
		b := dl.config.BatchSize
		for start := 0; start < len(order); start += b {
			end := min(start+b, len(order))
			if dl.config.DropLast && end-start < b {
				break
			}
			batch, err := dl.load(ctx, order[start:end])
			if err != nil {
				it.errc <- err
				return
			}
			if batch.Size == 0 {
				continue
			}
			select {
			case batches <- batch:
			case <-ctx.Done():
				it.errc <- ctx.Err()
				return
			}
		}
	}()
	return it
}

// load fetches the samples of one batch. Worker w handles slots w, w+W, ...
// with its own random stream, so a seed fixes the augmentations.
func (dl *DataLoader) load(ctx context.Context, indices []int) (*Batch, error) {
	samples := make([]dataset.Sample, len(indices))
	ok := make([]bool, len(indices))

	// Batches are loaded one at a time, so workers own their rng here
	var wg sync.WaitGroup
	for w := 0; w < min(dl.config.Workers, len(indices)); w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for slot := w; slot < len(indices); slot += dl.config.Workers {
				if ctx.Err() != nil {
					return
				}
				s, err := dl.dataset.Get(indices[slot], dl.rngs[w])
				if err != nil {
					dl.skipped.Add(1)
					klog.Warningf("Skipping sample %d: %v", indices[slot], err)
					continue
				}
				samples[slot], ok[slot] = s, true
			}
		}(w)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch := &Batch{NumClasses: dl.dataset.NumClasses()}
	for slot, s := range samples {
		if !ok[slot] {
			continue
		}
		if batch.SampleSize == 0 {
			batch.SampleSize = len(s.Data)
			batch.Inputs = make([]float32, 0, len(indices)*len(s.Data))
			batch.Targets = make([]float32, 0, len(indices)*batch.NumClasses)
		}
		if len(s.Data) != batch.SampleSize {
			return nil, errors.Errorf("sample %d has %d values, expected %d", indices[slot], len(s.Data), batch.SampleSize)
		}
		if len(s.Target) != batch.NumClasses {
			return nil, errors.Errorf("sample %d has %d target classes, expected %d", indices[slot], len(s.Target), batch.NumClasses)
		}
		batch.Inputs = append(batch.Inputs, s.Data...)
		batch.Targets = append(batch.Targets, s.Target...)
		batch.Labels = append(batch.Labels, int32(s.Label))
		batch.Size++
	}
	return batch, nil
}

// Next advances to the next batch
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	b, ok := <-it.batches
	if !ok {
		select {
		case it.err = <-it.errc:
		default:
		}
		return false
	}
	it.current = b
	return true
}

// Batch returns the current batch
func (it *Iterator) Batch() *Batch {
	return it.current
}

// Err returns the error that ended the epoch early, if any
func (it *Iterator) Err() error {
	return it.err
}

// Close stops background loading
func (it *Iterator) Close() {
	it.cancel()
	for range it.batches {
	}
}
