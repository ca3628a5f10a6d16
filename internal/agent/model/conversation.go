package model

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// ConversationRepository stores the chat history of one run on the backend
// side. Keys are run ids assigned by the server, never client tokens.
type ConversationRepository interface {
	// AddMessage appends a message to the run's conversation
	AddMessage(ctx context.Context, runID string, message *schema.Message) error

	// LoadHistory retrieves the conversation history for a run
	LoadHistory(ctx context.Context, runID string) (*ConversationHistory, error)

	// ClearHistory removes all conversation history for a run
	ClearHistory(ctx context.Context, runID string) error

	// GetMessageCount returns the number of messages in the conversation
	GetMessageCount(ctx context.Context, runID string) (int, error)
}

// ConversationHistory represents loaded conversation data with metadata.
type ConversationHistory struct {
	RunID    string
	Messages []*schema.Message
}

// QuoteCache keeps exact fee quotes keyed by item and price.
type QuoteCache interface {
	GetQuote(ctx context.Context, itemID string, price float64) (*FeeQuote, error)
	PutQuote(ctx context.Context, quote FeeQuote) error
}
