package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/and161185/trade-terminal/internal/model"
)

// RedisTier stores the latest tick per symbol under "price:<SYMBOL>" with a TTL.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTier connects and pings the server.
func NewRedisTier(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTier{client: client, ttl: ttl}, nil
}

func priceKey(symbol string) string { return "price:" + Normalize(symbol) }

// Put overwrites the stored tick.
func (r *RedisTier) Put(ctx context.Context, tick model.PriceTick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, priceKey(tick.Symbol), data, r.ttl).Err()
}

// Get returns the stored tick, or found=false when the key is absent or expired.
func (r *RedisTier) Get(ctx context.Context, symbol string) (model.PriceTick, bool, error) {
	data, err := r.client.Get(ctx, priceKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.PriceTick{}, false, nil
	}
	if err != nil {
		return model.PriceTick{}, false, err
	}
	var t model.PriceTick
	if err := json.Unmarshal(data, &t); err != nil {
		return model.PriceTick{}, false, fmt.Errorf("decode cached tick: %w", err)
	}
	return t, true, nil
}

// Close releases the client.
func (r *RedisTier) Close() error { return r.client.Close() }
