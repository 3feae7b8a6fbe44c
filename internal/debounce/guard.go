package debounce

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrPanicked = errors.New("guarded operation panicked")

// Guard bounds how many operations run at once. Callers beyond the limit
// wait in FIFO order.
type Guard struct {
	sem     *semaphore.Weighted
	waiting atomic.Int64
	active  atomic.Int64
}

func NewGuard(maxConcurrent int) *Guard {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Guard{sem: semaphore.NewWeighted(int64(maxConcurrent))}
}

// Do runs fn once capacity is available. A panic in fn is returned as an
// error wrapping ErrPanicked and still releases the slot.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	g.waiting.Add(1)
	acquireErr := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if acquireErr != nil {
		return acquireErr
	}
	g.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
		g.active.Add(-1)
		g.sem.Release(1)
	}()
	return fn(ctx)
}

// Waiting reports callers blocked on capacity.
func (g *Guard) Waiting() int { return int(g.waiting.Load()) }

// Active reports operations currently running.
func (g *Guard) Active() int { return int(g.active.Load()) }
