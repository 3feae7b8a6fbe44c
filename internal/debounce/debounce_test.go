package debounce

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	writes []string
	fail   error
}

func (r *recorder) write(ctx context.Context, key string, payload int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, key+":"+strconv.Itoa(payload))
	return r.fail
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func TestDebouncer_CoalescesBurst(t *testing.T) {
	rec := &recorder{}
	d := New(rec.write, nil)

	for i := 1; i <= 10; i++ {
		d.Call("u1", i, 40*time.Millisecond)
	}
	assert.Equal(t, 1, d.Pending())

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{"u1:10"}, rec.all(), "exactly one write with the last payload")
	assert.Zero(t, d.Pending())
}

func TestDebouncer_KeysAreIndependent(t *testing.T) {
	rec := &recorder{}
	d := New(rec.write, nil)

	d.Call("u1", 1, 20*time.Millisecond)
	d.Call("u2", 2, 20*time.Millisecond)
	d.Call("u1", 3, 20*time.Millisecond)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"u1:3", "u2:2"}, rec.all())
}

func TestDebouncer_QuietWindowResets(t *testing.T) {
	rec := &recorder{}
	d := New(rec.write, nil)

	d.Call("u1", 1, 60*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	d.Call("u1", 2, 60*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, rec.all(), "second call restarted the quiet period")

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u1:2"}, rec.all())
}

func TestDebouncer_Flush(t *testing.T) {
	rec := &recorder{}
	d := New(rec.write, nil)

	d.Call("u1", 4, time.Hour)
	d.Call("u2", 5, time.Hour)
	require.NoError(t, d.Flush(context.Background()))

	assert.ElementsMatch(t, []string{"u1:4", "u2:5"}, rec.all())
	assert.Zero(t, d.Pending())

	rec.fail = errors.New("remote down")
	d.Call("u1", 6, time.Hour)
	assert.Error(t, d.Flush(context.Background()))
}

func TestDebouncer_Stop(t *testing.T) {
	rec := &recorder{}
	d := New(rec.write, nil)

	d.Call("u1", 1, 20*time.Millisecond)
	assert.Equal(t, 1, d.Stop())
	d.Call("u1", 2, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.all())
	assert.Zero(t, d.Pending())
}

func TestGuard_SerializesFIFO(t *testing.T) {
	g := NewGuard(1)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- g.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = g.Do(ctx, func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}(i)
		require.Eventually(t, func() bool { return g.Waiting() == i }, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, g.Active())

	close(release)
	require.NoError(t, <-firstDone)
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestGuard_PanicReleasesWaiters(t *testing.T) {
	g := NewGuard(1)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	firstErr := make(chan error, 1)
	go func() {
		firstErr <- g.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			panic("sync exploded")
		})
	}()
	<-started

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- g.Do(ctx, func(context.Context) error { return nil })
		}()
	}
	require.Eventually(t, func() bool { return g.Waiting() == 3 }, time.Second, time.Millisecond)

	close(release)
	assert.ErrorIs(t, <-firstErr, ErrPanicked)
	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter never resolved")
		}
	}
	assert.Zero(t, g.Active())
}

func TestGuard_ErrorPropagatesAndContextCancels(t *testing.T) {
	g := NewGuard(1)
	boom := errors.New("boom")
	assert.ErrorIs(t, g.Do(context.Background(), func(context.Context) error { return boom }), boom)

	hold := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = g.Do(context.Background(), func(context.Context) error {
			close(started)
			<-hold
			return nil
		})
	}()
	<-started
	defer close(hold)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Do(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, g.Waiting())
}

func TestNewGuard_MinimumOne(t *testing.T) {
	g := NewGuard(0)
	assert.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))
}
