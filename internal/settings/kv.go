package settings

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"watchtower/services/agent/internal/store"
)

// RedisHashKey holds every live setting as one hash field.
const RedisHashKey = "agent:system_config"

type RedisKV struct {
	client *redis.Client
	key    string
}

func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client, key: RedisHashKey}
}

func (kv *RedisKV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	value, err := kv.client.HGet(ctx, kv.key, key).Result()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(value), nil
}

func (kv *RedisKV) Set(ctx context.Context, key string, value json.RawMessage) error {
	return kv.client.HSet(ctx, kv.key, key, string(value)).Err()
}

// StoreKV keeps settings in the store's system_config table.
type StoreKV struct {
	config store.ConfigStore
}

func NewStoreKV(config store.ConfigStore) *StoreKV {
	return &StoreKV{config: config}
}

func (kv *StoreKV) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return kv.config.GetConfig(ctx, key)
}

func (kv *StoreKV) Set(ctx context.Context, key string, value json.RawMessage) error {
	return kv.config.SetConfig(ctx, key, value)
}
