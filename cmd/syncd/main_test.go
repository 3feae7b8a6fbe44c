package main

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"dailysync/internal/config"
	"dailysync/internal/database"
	"dailysync/internal/events"
	"dailysync/internal/remote"
	"dailysync/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitStorageSQLite(t *testing.T) {
	logger := zerolog.New(io.Discard)
	cfg := &config.Config{
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "local.db")},
		Storage:  config.StorageConfig{Driver: config.StorageSQLite},
		Sync:     config.SyncConfig{DeadLetter: config.DeadLetterSQLite},
	}

	store, err := initStorage(context.Background(), cfg, &logger)
	require.NoError(t, err)
	t.Cleanup(store.close)

	require.NotNil(t, store.db)
	assert.IsType(t, &database.DB{}, store.local)
	assert.Same(t, store.db, store.deadLetters)
}

func TestInitStorageRedisWithSealing(t *testing.T) {
	s := miniredis.RunT(t)
	logger := zerolog.New(io.Discard)
	cfg := &config.Config{
		Redis:   config.RedisConfig{Address: s.Addr()},
		Storage: config.StorageConfig{Driver: config.StorageRedis, EncryptionKey: "local secret"},
		Sync:    config.SyncConfig{DeadLetter: config.DeadLetterRedis},
	}

	store, err := initStorage(context.Background(), cfg, &logger)
	require.NoError(t, err)
	t.Cleanup(store.close)

	assert.IsType(t, &repository.SealedLocalStore{}, store.local)
	assert.IsType(t, &repository.RedisDeadLetters{}, store.deadLetters)

	ctx := context.Background()
	require.NoError(t, store.local.Set(ctx, "u1", "k", []byte("plain")))
	raw, err := s.Get("dailysync:u1:k")
	require.NoError(t, err)
	assert.NotContains(t, raw, "plain")

	got, err := store.local.Get(ctx, "u1", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), got)
}

func TestInitStorageMemory(t *testing.T) {
	logger := zerolog.New(io.Discard)
	cfg := &config.Config{
		Storage: config.StorageConfig{Driver: config.StorageMemory},
		Sync:    config.SyncConfig{DeadLetter: config.DeadLetterNone},
	}

	store, err := initStorage(context.Background(), cfg, &logger)
	require.NoError(t, err)
	assert.IsType(t, &repository.MemoryLocalStore{}, store.local)
	assert.Nil(t, store.deadLetters)
	assert.Nil(t, store.db)
}

func TestInitRemoteAndMonitor(t *testing.T) {
	logger := zerolog.New(io.Discard)
	cfg := &config.Config{Remote: config.RemoteConfig{Mode: config.RemoteMemory}}
	assert.IsType(t, &remote.MemoryStore{}, initRemote(cfg, &logger))

	cfg.Remote = config.RemoteConfig{Mode: config.RemoteHTTP, BaseURL: "http://127.0.0.1:1"}
	assert.IsType(t, &remote.HTTPStore{}, initRemote(cfg, &logger))

	monitor := initMonitor(&config.Config{Remote: config.RemoteConfig{Mode: config.RemoteMemory}}, events.NewEventBus(), &logger)
	assert.False(t, monitor.IsOffline())
}
