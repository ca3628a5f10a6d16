package repo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscope/core/internal/agent/model"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func exerciseConversationRepo(t *testing.T, repo model.ConversationRepository) {
	ctx := context.Background()

	h, err := repo.LoadHistory(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, h.Messages)

	require.NoError(t, repo.AddMessage(ctx, "run-1", schema.UserMessage("one")))
	require.NoError(t, repo.AddMessage(ctx, "run-1", schema.AssistantMessage("two", nil)))
	require.NoError(t, repo.AddMessage(ctx, "run-1", schema.UserMessage("three")))
	require.NoError(t, repo.AddMessage(ctx, "run-2", schema.UserMessage("other run")))

	n, err := repo.GetMessageCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "capped at two messages")

	h, err = repo.LoadHistory(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", h.RunID)
	require.Len(t, h.Messages, 2)
	assert.Equal(t, "two", h.Messages[0].Content)
	assert.Equal(t, schema.Assistant, h.Messages[0].Role)
	assert.Equal(t, "three", h.Messages[1].Content)

	require.NoError(t, repo.ClearHistory(ctx, "run-1"))
	n, err = repo.GetMessageCount(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.GetMessageCount(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedisConversationRepository(t *testing.T) {
	mr, rdb := newRedis(t)
	repo := NewRedisConversationRepository(rdb, 30*time.Minute, 2)
	exerciseConversationRepo(t, repo)

	assert.Equal(t, 30*time.Minute, mr.TTL("run:run-2:messages"))
	mr.FastForward(31 * time.Minute)
	n, err := repo.GetMessageCount(context.Background(), "run-2")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryConversationRepository(t *testing.T) {
	exerciseConversationRepo(t, NewMemoryConversationRepository(2))
}

func TestRedisConversationRepositoryUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { rdb.Close() })
	repo := NewRedisConversationRepository(rdb, time.Minute, 0)
	err := repo.AddMessage(context.Background(), "run-1", schema.UserMessage("x"))
	require.Error(t, err)
}

func TestRedisQuoteCache(t *testing.T) {
	mr, rdb := newRedis(t)
	cache := NewRedisQuoteCache(rdb, 10*time.Minute)
	ctx := context.Background()

	q, err := cache.GetQuote(ctx, "B07X", 24.99)
	require.NoError(t, err)
	assert.Nil(t, q)

	want := model.FeeQuote{ItemID: "B07X", Price: 24.99, ReferralFee: 3.75, FulfillmentFee: 5.40, TotalFees: 9.15, Source: model.FeeExact}
	require.NoError(t, cache.PutQuote(ctx, want))

	q, err = cache.GetQuote(ctx, "B07X", 24.990000001)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, want, *q)

	q, err = cache.GetQuote(ctx, "B07X", 29.99)
	require.NoError(t, err)
	assert.Nil(t, q, "fees are price dependent")

	mr.FastForward(11 * time.Minute)
	q, err = cache.GetQuote(ctx, "B07X", 24.99)
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestMemoryQuoteCacheExpires(t *testing.T) {
	cache := NewMemoryQuoteCache(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.PutQuote(ctx, model.FeeQuote{ItemID: "B07X", Price: 24.99, TotalFees: 9.15}))
	q, err := cache.GetQuote(ctx, "B07X", 24.99)
	require.NoError(t, err)
	require.NotNil(t, q)

	now = base.Add(time.Minute)
	q, err = cache.GetQuote(ctx, "B07X", 24.99)
	require.NoError(t, err)
	assert.Nil(t, q)
}
