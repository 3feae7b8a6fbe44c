package repository

import (
	"context"
	"testing"
	"time"

	"dailysync/internal/config"
	"dailysync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := NewRedisClient(config.RedisConfig{Address: s.Addr()})
	t.Cleanup(func() { _ = Close(client) })
	return s, client
}

func TestRedisLocalStore(t *testing.T) {
	s, client := setupRedis(t)
	repo := NewRedisLocalStore(client, time.Hour)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "u1", "pending_operations", []byte(`[{"id":"a"}]`)))

		got, err := repo.Get(ctx, "u1", "pending_operations")
		require.NoError(t, err)
		assert.Equal(t, `[{"id":"a"}]`, string(got))
		assert.True(t, s.Exists("dailysync:u1:pending_operations"))
	})

	t.Run("GetMissing", func(t *testing.T) {
		got, err := repo.Get(ctx, "u2", "pending_operations")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("TTL", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "u3", "k", []byte("v")))
		s.FastForward(2 * time.Hour)

		got, err := repo.Get(ctx, "u3", "k")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Set(ctx, "u1", "k", []byte("v")))
		require.NoError(t, repo.Delete(ctx, "u1", "k"))

		got, err := repo.Get(ctx, "u1", "k")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ServerDown", func(t *testing.T) {
		s.SetError("ERR server unavailable")
		defer s.SetError("")

		_, err := repo.Get(ctx, "u1", "pending_operations")
		assert.Error(t, err)
	})
}

func TestRedisDeadLetters(t *testing.T) {
	_, client := setupRedis(t)
	sink := NewRedisDeadLetters(client)
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2"} {
		letter := models.DeadLetter{
			Operation: models.PendingOperation{ID: id, UserID: "u1", Target: models.TargetTaskCompletions, Kind: models.KindInsert},
			Attempts:  3,
			Reason:    "remote rejected",
		}
		require.NoError(t, sink.RecordDeadLetter(ctx, letter))
	}

	letters, err := sink.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "op-2", letters[0].Operation.ID)
	assert.Equal(t, models.TargetTaskCompletions, letters[1].Operation.Target)
	assert.False(t, letters[0].DroppedAt.IsZero())
}

func TestRedisPing(t *testing.T) {
	_, client := setupRedis(t)
	assert.NoError(t, Ping(context.Background(), client))
}
