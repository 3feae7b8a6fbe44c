package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"dailysync/internal/domain"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverLocalStore routes calls to primary until it fails, then to
// fallback. The primary is retried once per recoveryInterval.
type FailoverLocalStore struct {
	primary  domain.LocalStore
	fallback domain.LocalStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverLocalStore(primary, fallback domain.LocalStore, logger *zerolog.Logger) *FailoverLocalStore {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FailoverLocalStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// usePrimary reports whether the call should go to the primary store,
// allowing one recovery attempt after the interval elapses.
func (r *FailoverLocalStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.lastCheck) > recoveryInterval {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverLocalStore) markDown(op string, err error) {
	if !r.isDown.Load() {
		r.logger.Error().Err(err).Str("op", op).Msg("primary local store failed, falling back")
	}
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
	r.isDown.Store(true)
}

func (r *FailoverLocalStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("primary local store recovered")
	}
}

// Degraded reports whether calls currently go to the fallback.
func (r *FailoverLocalStore) Degraded() bool {
	return r.isDown.Load()
}

func (r *FailoverLocalStore) Get(ctx context.Context, userID, key string) ([]byte, error) {
	if r.usePrimary() {
		value, err := r.primary.Get(ctx, userID, key)
		if err == nil {
			r.markUp()
			return value, nil
		}
		r.markDown("get", err)
	}
	return r.fallback.Get(ctx, userID, key)
}

func (r *FailoverLocalStore) Set(ctx context.Context, userID, key string, value []byte) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, userID, key, value)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown("set", err)
	}
	return r.fallback.Set(ctx, userID, key, value)
}

func (r *FailoverLocalStore) Delete(ctx context.Context, userID, key string) error {
	if r.usePrimary() {
		err := r.primary.Delete(ctx, userID, key)
		if err == nil {
			r.markUp()
			return nil
		}
		r.markDown("delete", err)
	}
	return r.fallback.Delete(ctx, userID, key)
}
