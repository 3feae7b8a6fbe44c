package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dailysync/internal/config"
	"dailysync/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "dailysync"
	DeadLetterRedisKey = "dailysync:deadletter"
)

// RedisLocalStore keeps local values in Redis under dailysync:{user}:{key}.
type RedisLocalStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// NewRedisLocalStore builds a store; ttl 0 keeps values forever.
func NewRedisLocalStore(client *redis.Client, ttl time.Duration) *RedisLocalStore {
	return &RedisLocalStore{
		client: client,
		ttl:    ttl,
	}
}

func redisKey(userID, key string) string {
	return fmt.Sprintf("%s:%s:%s", redisKeyPrefix, userID, key)
}

func (r *RedisLocalStore) Get(ctx context.Context, userID, key string) ([]byte, error) {
	if r.client == nil {
		return nil, errors.New("redis client is nil")
	}
	val, err := r.client.Get(ctx, redisKey(userID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from redis: %w", key, err)
	}
	return val, nil
}

func (r *RedisLocalStore) Set(ctx context.Context, userID, key string, value []byte) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Set(ctx, redisKey(userID, key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in redis: %w", key, err)
	}
	return nil
}

func (r *RedisLocalStore) Delete(ctx context.Context, userID, key string) error {
	if r.client == nil {
		return errors.New("redis client is nil")
	}
	if err := r.client.Del(ctx, redisKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s from redis: %w", key, err)
	}
	return nil
}

// RedisDeadLetters pushes dropped operations onto a Redis list, newest first.
type RedisDeadLetters struct {
	client *redis.Client
	key    string
}

func NewRedisDeadLetters(client *redis.Client) *RedisDeadLetters {
	return &RedisDeadLetters{client: client, key: DeadLetterRedisKey}
}

func (r *RedisDeadLetters) RecordDeadLetter(ctx context.Context, letter models.DeadLetter) error {
	if letter.DroppedAt.IsZero() {
		letter.DroppedAt = time.Now()
	}
	data, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := r.client.LPush(ctx, r.key, data).Err(); err != nil {
		return fmt.Errorf("push dead letter: %w", err)
	}
	return nil
}

// List returns up to limit most recent dead letters.
func (r *RedisDeadLetters) List(ctx context.Context, limit int64) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := r.client.LRange(ctx, r.key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	letters := make([]models.DeadLetter, 0, len(raw))
	for _, item := range raw {
		var letter models.DeadLetter
		if err := json.Unmarshal([]byte(item), &letter); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		letters = append(letters, letter)
	}
	return letters, nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
