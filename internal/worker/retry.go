package worker

import (
	"math"
	"sync"
	"time"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Exhausted reports whether attempt has reached the retry ceiling.
func (r RetryPolicy) Exhausted(attempt int) bool {
	return r.MaxRetries > 0 && attempt >= r.MaxRetries
}

// RetryTracker counts consecutive failures per operation id. Counters live in
// memory only, so a restart resets them.
type RetryTracker struct {
	policy RetryPolicy

	mu     sync.Mutex
	counts map[string]int
}

func NewRetryTracker(policy RetryPolicy) *RetryTracker {
	return &RetryTracker{policy: policy, counts: make(map[string]int)}
}

// Fail records one more failure and reports the new count and whether the
// operation must be dropped.
func (t *RetryTracker) Fail(id string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[id]++
	n := t.counts[id]
	return n, t.policy.Exhausted(n)
}

func (t *RetryTracker) Count(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[id]
}

// Forget drops the counters of finished operations.
func (t *RetryTracker) Forget(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.counts, id)
	}
}

func (t *RetryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.counts)
}
