package debounce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WriteFunc performs the coalesced write for one key.
type WriteFunc[T any] func(ctx context.Context, key string, payload T) error

type pending[T any] struct {
	timer   *time.Timer
	payload T
	gen     uint64
}

// Debouncer coalesces bursts of calls per key into a single write issued
// after the key has been quiet for the requested period. Only the last
// payload of a burst is written.
type Debouncer[T any] struct {
	write  WriteFunc[T]
	logger *zerolog.Logger

	mu       sync.Mutex
	timers   map[string]*pending[T]
	stopped  bool
	inflight sync.WaitGroup
}

func New[T any](write WriteFunc[T], logger *zerolog.Logger) *Debouncer[T] {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Debouncer[T]{
		write:  write,
		logger: logger,
		timers: make(map[string]*pending[T]),
	}
}

// Call schedules payload for key, superseding any earlier payload that has
// not been written yet.
func (d *Debouncer[T]) Call(key string, payload T, quiet time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	p, ok := d.timers[key]
	if !ok {
		p = &pending[T]{}
		d.timers[key] = p
	} else {
		p.timer.Stop()
	}
	p.payload = payload
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(quiet, func() { d.fire(key, gen) })
}

func (d *Debouncer[T]) fire(key string, gen uint64) {
	d.mu.Lock()
	p, ok := d.timers[key]
	if !ok || p.gen != gen {
		// Superseded by a later call or already flushed.
		d.mu.Unlock()
		return
	}
	delete(d.timers, key)
	d.inflight.Add(1)
	d.mu.Unlock()

	defer d.inflight.Done()
	if err := d.write(context.Background(), key, p.payload); err != nil {
		d.logger.Error().Err(err).Str("key", key).Msg("debounced write failed")
	}
}

// Flush writes every pending payload now and waits for writes already
// started by timers.
func (d *Debouncer[T]) Flush(ctx context.Context) error {
	d.mu.Lock()
	batch := d.drainLocked()
	d.mu.Unlock()

	var errs []error
	for key, payload := range batch {
		if err := d.write(ctx, key, payload); err != nil {
			errs = append(errs, err)
		}
	}
	d.inflight.Wait()
	return errors.Join(errs...)
}

// Stop cancels all pending writes and rejects later calls. It returns the
// number of discarded payloads.
func (d *Debouncer[T]) Stop() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	return len(d.drainLocked())
}

// Pending reports how many keys are waiting for their quiet period.
func (d *Debouncer[T]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

func (d *Debouncer[T]) drainLocked() map[string]T {
	batch := make(map[string]T, len(d.timers))
	for key, p := range d.timers {
		p.timer.Stop()
		batch[key] = p.payload
	}
	d.timers = make(map[string]*pending[T])
	return batch
}
