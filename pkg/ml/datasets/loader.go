// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"runtime"

	"github.com/gomlx/ddpspoof/internal/workerspool"
	"github.com/gomlx/ddpspoof/pkg/core/tensors"
	"github.com/gomlx/ddpspoof/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Batch of examples.
type Batch struct {
	// Index of the batch in the epoch of the rank.
	Index int

	// Audio has shape [batchSize, numSamples].
	Audio *tensors.Tensor

	Labels    []int
	Filenames []string
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int { return len(b.Labels) }

type batchResult struct {
	batch *Batch
	err   error
}

// Loader yields the batches of one rank's shard (see Sampler) for one epoch at a time.
//
// Batches are built by a bounded pool of workers, up to a prefetch window ahead of the consumer,
// and are yielded in the order of the shard. Yield returns io.EOF at the end of the epoch, and the
// next epoch starts after SetEpoch or Reset. A consumer abandoning an epoch midway (e.g. on an error)
// should call Close, to stop the prefetching.
//
// A Loader is used by a single goroutine.
type Loader struct {
	ds        Dataset
	sampler   *Sampler
	batchSize int
	dropLast  bool
	prefetch  int
	pool      *workerspool.Pool

	// Epoch state.
	plan    [][]int
	next    int
	pending []chan batchResult
	window  chan struct{}
	stop    chan struct{}
	done    chan struct{} // Closed when the producer of the epoch returns.
}

// NewLoader creates a loader of ds, batching the shard given by sampler into batches of batchSize.
// By default, incomplete batches are kept, it uses runtime.NumCPU() workers and prefetches 2 batches per worker.
func NewLoader(ds Dataset, sampler *Sampler, batchSize int) (*Loader, error) {
	if batchSize < 1 {
		return nil, errors.Errorf("invalid batch size %d for dataset %q", batchSize, ds.Name())
	}
	if sampler.n != ds.Len() {
		return nil, errors.Errorf("sampler of %d examples used with dataset %q of %d examples", sampler.n, ds.Name(), ds.Len())
	}
	l := &Loader{
		ds:        ds,
		sampler:   sampler,
		batchSize: batchSize,
		pool:      workerspool.New(),
	}
	l.prefetch = 2 * l.pool.MaxParallelism()
	return l, nil
}

// DropLast drops the last incomplete batch of the epoch. It returns the loader itself.
func (l *Loader) DropLast(dropLast bool) *Loader {
	l.dropLast = dropLast
	return l
}

// Workers sets the number of parallel workers building batches. If 0 batches are built inline,
// only when requested. It returns the loader itself.
func (l *Loader) Workers(n int) *Loader {
	l.pool.SetMaxParallelism(n)
	l.prefetch = 2 * n
	if n < 0 {
		l.prefetch = 2 * runtime.NumCPU()
	}
	return l
}

// Prefetch sets the number of batches built ahead of the consumer. It returns the loader itself.
func (l *Loader) Prefetch(n int) *Loader {
	l.prefetch = n
	return l
}

// Name returns the dataset name.
func (l *Loader) Name() string {
	return fmt.Sprintf("%s [rank %d/%d]", l.ds.Name(), l.sampler.rank, l.sampler.world)
}

// Dataset returns the underlying dataset.
func (l *Loader) Dataset() Dataset { return l.ds }

// Sampler returns the sampler used by the loader.
func (l *Loader) Sampler() *Sampler { return l.sampler }

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int { return l.batchSize }

// NumBatches returns the number of batches yielded per epoch.
func (l *Loader) NumBatches() int {
	n := l.sampler.NumSamples()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// SetEpoch sets the epoch of the sampler and of the dataset (if it implements EpochSetter),
// and restarts the loader.
func (l *Loader) SetEpoch(epoch int) {
	l.Reset()
	l.sampler.SetEpoch(epoch)
	setEpoch(l.ds, epoch)
}

// Reset restarts the current epoch, discarding prefetched batches.
func (l *Loader) Reset() {
	l.Close()
	l.pending = nil
	l.next = 0
}

// Close stops prefetching the current epoch, and waits for the batches being built to finish.
// The next call to Yield restarts the epoch. It is safe to call more than once.
func (l *Loader) Close() {
	if l.stop != nil {
		close(l.stop)
		<-l.done
		l.pool.Wait()
		l.stop, l.done = nil, nil
	}
	l.plan = nil
}

// start plans the epoch and starts prefetching.
func (l *Loader) start() {
	l.plan = xslices.Chunk(l.sampler.Indices(), l.batchSize, l.dropLast)
	l.next = 0
	l.pending = make([]chan batchResult, len(l.plan))
	for ii := range l.pending {
		l.pending[ii] = make(chan batchResult, 1)
	}
	if l.pool.MaxParallelism() == 0 {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.window = make(chan struct{}, max(l.prefetch, 1))
	go l.produce(l.plan, l.pending, l.window, l.stop, l.done)
}

// produce schedules the building of all batches of an epoch, at most len(window) ahead of the consumer.
func (l *Loader) produce(plan [][]int, pending []chan batchResult, window, stop, done chan struct{}) {
	defer close(done)
	for ii, indices := range plan {
		select {
		case <-stop:
			return
		default:
		}
		select {
		case window <- struct{}{}:
		case <-stop:
			return
		}
		result := pending[ii]
		l.pool.WaitToStart(func() {
			b, err := l.build(ii, indices)
			result <- batchResult{batch: b, err: err}
		})
	}
}

// Yield returns the next batch of the epoch, or io.EOF when the epoch is over.
func (l *Loader) Yield() (*Batch, error) {
	if l.plan == nil {
		l.start()
	}
	if l.next >= len(l.plan) {
		return nil, io.EOF
	}
	ii := l.next
	l.next++
	if l.stop == nil {
		return l.build(ii, l.plan[ii])
	}
	res := <-l.pending[ii]
	<-l.window
	return res.batch, res.err
}

// build reads the examples of a batch. All waveforms in a batch must have the same length.
func (l *Loader) build(index int, indices []int) (*Batch, error) {
	b := &Batch{
		Index:     index,
		Labels:    make([]int, len(indices)),
		Filenames: make([]string, len(indices)),
	}
	var length int
	for ii, idx := range indices {
		ex, err := l.ds.Item(idx)
		if err != nil {
			return nil, errors.WithMessagef(err, "building batch #%d of %q", index, l.ds.Name())
		}
		if ii == 0 {
			length = len(ex.Audio)
			b.Audio = tensors.FromShape(len(indices), length)
		} else if len(ex.Audio) != length {
			return nil, errors.Errorf("dataset %q: example %q has %d samples, but the batch has %d (use Crop)",
				l.ds.Name(), ex.Filename, len(ex.Audio), length)
		}
		copy(b.Audio.Row(ii), ex.Audio)
		b.Labels[ii] = ex.Label
		b.Filenames[ii] = ex.Filename
	}
	return b, nil
}
