package repository

import (
	"context"
	"sync"
)

type memoryKey struct {
	userID string
	key    string
}

// MemoryLocalStore is a process-local LocalStore. Values do not survive a
// restart; it backs tests and the failover path.
type MemoryLocalStore struct {
	values sync.Map
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{}
}

func (r *MemoryLocalStore) Get(ctx context.Context, userID, key string) ([]byte, error) {
	val, ok := r.values.Load(memoryKey{userID: userID, key: key})
	if !ok {
		return nil, nil
	}
	stored := val.([]byte)
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

func (r *MemoryLocalStore) Set(ctx context.Context, userID, key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	r.values.Store(memoryKey{userID: userID, key: key}, stored)
	return nil
}

func (r *MemoryLocalStore) Delete(ctx context.Context, userID, key string) error {
	r.values.Delete(memoryKey{userID: userID, key: key})
	return nil
}

// Len reports the number of stored values.
func (r *MemoryLocalStore) Len() int {
	n := 0
	r.values.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
