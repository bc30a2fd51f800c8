package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings a Redis server.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// RedisStreamPublisher appends events to a Redis stream for out-of-process consumers.
type RedisStreamPublisher struct {
	client       *redis.Client
	streamName   string
	maxLen       int64
	ensureMu     sync.Mutex
	streamExists bool
}

func NewRedisStreamPublisher(client *redis.Client, streamName string) *RedisStreamPublisher {
	return &RedisStreamPublisher{
		client:     client,
		streamName: streamName,
		maxLen:     10000,
	}
}

func (p *RedisStreamPublisher) Publish(ctx context.Context, event Event) error {
	if err := p.ensureStream(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"type":    string(event.Type),
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}
	return nil
}

func (p *RedisStreamPublisher) ensureStream(ctx context.Context) error {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()
	if p.streamExists {
		return nil
	}

	keyType, err := p.client.Type(ctx, p.streamName).Result()
	if err != nil {
		return fmt.Errorf("inspect event stream: %w", err)
	}
	switch keyType {
	case "none", "stream":
		p.streamExists = true
		return nil
	default:
		return fmt.Errorf("event stream key %s has unsupported redis type=%s", p.streamName, keyType)
	}
}
