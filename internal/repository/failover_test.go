package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, userID, key string) ([]byte, error) {
	args := m.Called(ctx, userID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockStore) Set(ctx context.Context, userID, key string, value []byte) error {
	args := m.Called(ctx, userID, key, value)
	return args.Error(0)
}

func (m *mockStore) Delete(ctx context.Context, userID, key string) error {
	args := m.Called(ctx, userID, key)
	return args.Error(0)
}

func TestFailoverLocalStore(t *testing.T) {
	primary := new(mockStore)
	fallback := new(mockStore)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverLocalStore(primary, fallback, &logger)
	ctx := context.Background()

	now := time.Now()
	repo.now = func() time.Time { return now }

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Get", ctx, "u1", "k").Return([]byte("v1"), nil).Once()

		got, err := repo.Get(ctx, "u1", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), got)
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Set", ctx, "u1", "k", []byte("v2")).Return(errors.New("connection refused")).Once()
		fallback.On("Set", ctx, "u1", "k", []byte("v2")).Return(nil).Once()

		require.NoError(t, repo.Set(ctx, "u1", "k", []byte("v2")))
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackWithinInterval", func(t *testing.T) {
		fallback.On("Get", ctx, "u1", "k").Return([]byte("v2"), nil).Once()

		got, err := repo.Get(ctx, "u1", "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)
		primary.AssertNumberOfCalls(t, "Get", 1)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFails", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		primary.On("Delete", ctx, "u1", "k").Return(errors.New("still down")).Once()
		fallback.On("Delete", ctx, "u1", "k").Return(nil).Once()

		require.NoError(t, repo.Delete(ctx, "u1", "k"))
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptSucceeds", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		primary.On("Get", ctx, "u1", "other").Return(nil, nil).Once()

		got, err := repo.Get(ctx, "u1", "other")
		require.NoError(t, err)
		assert.Nil(t, got)
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})
}

func TestFailoverLocalStore_MemoryFallback(t *testing.T) {
	primary := new(mockStore)
	fallback := NewMemoryLocalStore()
	repo := NewFailoverLocalStore(primary, fallback, nil)
	ctx := context.Background()

	primary.On("Set", ctx, "u1", "k", []byte("v")).Return(errors.New("down")).Once()

	require.NoError(t, repo.Set(ctx, "u1", "k", []byte("v")))
	got, err := fallback.Get(ctx, "u1", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}
