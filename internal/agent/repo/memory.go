package repo

import (
	"context"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/marketscope/core/internal/agent/model"
)

// MemoryConversationRepository is the process-local store used when no
// Redis URL is configured.
type MemoryConversationRepository struct {
	mu          sync.Mutex
	runs        map[string][]*schema.Message
	maxMessages int
}

func NewMemoryConversationRepository(maxMessages int) *MemoryConversationRepository {
	return &MemoryConversationRepository{runs: map[string][]*schema.Message{}, maxMessages: maxMessages}
}

func (r *MemoryConversationRepository) AddMessage(_ context.Context, runID string, message *schema.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := append(r.runs[runID], message)
	if r.maxMessages > 0 && len(msgs) > r.maxMessages {
		msgs = append([]*schema.Message(nil), msgs[len(msgs)-r.maxMessages:]...)
	}
	r.runs[runID] = msgs
	return nil
}

func (r *MemoryConversationRepository) LoadHistory(_ context.Context, runID string) (*model.ConversationHistory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := append([]*schema.Message{}, r.runs[runID]...)
	return &model.ConversationHistory{RunID: runID, Messages: msgs}, nil
}

func (r *MemoryConversationRepository) ClearHistory(_ context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
	return nil
}

func (r *MemoryConversationRepository) GetMessageCount(_ context.Context, runID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[runID]), nil
}

type cachedQuote struct {
	quote   model.FeeQuote
	expires time.Time
}

// MemoryQuoteCache expires entries lazily on read.
type MemoryQuoteCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	quotes map[string]cachedQuote
	now    func() time.Time
}

func NewMemoryQuoteCache(ttl time.Duration) *MemoryQuoteCache {
	return &MemoryQuoteCache{ttl: ttl, quotes: map[string]cachedQuote{}, now: time.Now}
}

func (c *MemoryQuoteCache) GetQuote(_ context.Context, itemID string, price float64) (*model.FeeQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := quoteKey(itemID, price)
	e, ok := c.quotes[key]
	if !ok {
		return nil, nil
	}
	if c.ttl > 0 && !c.now().Before(e.expires) {
		delete(c.quotes, key)
		return nil, nil
	}
	q := e.quote
	return &q, nil
}

func (c *MemoryQuoteCache) PutQuote(_ context.Context, q model.FeeQuote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[quoteKey(q.ItemID, q.Price)] = cachedQuote{quote: q, expires: c.now().Add(c.ttl)}
	return nil
}

var (
	_ model.ConversationRepository = (*MemoryConversationRepository)(nil)
	_ model.QuoteCache             = (*MemoryQuoteCache)(nil)
)
