package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

// RedisQuoteCache stores exact fee quotes keyed by item and cent-rounded price.
type RedisQuoteCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewRedisQuoteCache(rdb redis.Cmdable, ttl time.Duration) *RedisQuoteCache {
	return &RedisQuoteCache{rdb: rdb, ttl: ttl}
}

func quoteKey(itemID string, price float64) string {
	return fmt.Sprintf("feequote:%s:%.2f", itemID, price)
}

// GetQuote returns nil, nil on a miss.
func (c *RedisQuoteCache) GetQuote(ctx context.Context, itemID string, price float64) (*model.FeeQuote, error) {
	key := quoteKey(itemID, price)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errx.WrapRedis(err)
	}
	var q model.FeeQuote
	if err := json.Unmarshal(raw, &q); err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("dropping unreadable cached quote")
		return nil, nil
	}
	return &q, nil
}

func (c *RedisQuoteCache) PutQuote(ctx context.Context, q model.FeeQuote) error {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	key := quoteKey(q.ItemID, q.Price)
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to cache fee quote")
		return errx.WrapRedis(err)
	}
	return nil
}

var _ model.QuoteCache = (*RedisQuoteCache)(nil)
