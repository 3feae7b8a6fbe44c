package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"dailysync/internal/domain"
)

// GetJSON decodes the value stored under key into dest. It reports false when
// the key is absent.
func GetJSON(ctx context.Context, store domain.LocalStore, userID, key string, dest any) (bool, error) {
	raw, err := store.Get(ctx, userID, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func SetJSON(ctx context.Context, store domain.LocalStore, userID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, userID, key, raw)
}
