package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"bakehouse/backend/internal/cart"
)

const cartKeyPrefix = "bakehouse:cart:"

type RedisCartSessions struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCartSessions(addr string, password string, db int, ttl time.Duration) *RedisCartSessions {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCartSessions{client: client, ttl: ttl}
}

func (c *RedisCartSessions) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCartSessions) Close() error {
	return c.client.Close()
}

func (c *RedisCartSessions) Load(ctx context.Context, sessionID string) (*cart.Cart, error) {
	val, err := c.client.Get(ctx, cartKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return cart.New(sessionID), nil
	}
	if err != nil {
		return nil, err
	}

	var loaded cart.Cart
	if err := json.Unmarshal([]byte(val), &loaded); err != nil {
		return nil, err
	}
	loaded.SessionID = sessionID
	return &loaded, nil
}

// Save rewrites the whole cart and refreshes its expiry.
func (c *RedisCartSessions) Save(ctx context.Context, value *cart.Cart) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cartKeyPrefix+value.SessionID, payload, c.ttl).Err()
}

func (c *RedisCartSessions) Delete(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx, cartKeyPrefix+sessionID).Err()
}
