package model

import "time"

// ================ Config ================
type APIConfig struct {
	BaseURL    string        `envconfig:"API_BASE_URL" required:"true"`
	Token      string        `envconfig:"API_TOKEN"`
	Timeout    time.Duration `envconfig:"API_TIMEOUT" default:"30s"`
	RatePerSec float64       `envconfig:"API_RATE_PER_SEC" default:"4"`
	Burst      int           `envconfig:"API_BURST" default:"2"`
}

type SessionConfig struct {
	RetryDelay time.Duration `envconfig:"SESSION_RETRY_DELAY" default:"2s"`
	// FetchToEnrich advances the estimator when the server sends no stage records.
	FetchToEnrich time.Duration `envconfig:"SESSION_FETCH_TO_ENRICH" default:"1500ms"`
}

type ProgressConfig struct {
	TickInterval time.Duration `envconfig:"PROGRESS_TICK" default:"120ms"`
	Step         float64       `envconfig:"PROGRESS_STEP" default:"0.12"`
	MinDwell     time.Duration `envconfig:"PROGRESS_MIN_DWELL" default:"1200ms"`
	JumpGap      float64       `envconfig:"PROGRESS_JUMP_GAP" default:"25"`
	Tolerance    float64       `envconfig:"PROGRESS_TOLERANCE" default:"0.5"`
}

type ChatConfig struct {
	Backend      string        `envconfig:"CHAT_BACKEND" default:"remote"`
	StallTimeout time.Duration `envconfig:"CHAT_STALL_TIMEOUT" default:"45s"`
}

type GuidedConfig struct {
	QuoteTimeout  time.Duration `envconfig:"GUIDED_QUOTE_TIMEOUT" default:"8s"`
	QuoteCacheTTL time.Duration `envconfig:"GUIDED_QUOTE_CACHE_TTL" default:"10m"`
}

type GroundedConfig struct {
	APIKey        string  `envconfig:"GEMINI_API_KEY"`
	BaseURL       string  `envconfig:"GEMINI_BASE_URL"`
	Model         string  `envconfig:"GROUNDED_MODEL" default:"gemini-2.5-flash"`
	MaxTokens     int     `envconfig:"GROUNDED_MAX_TOKENS" default:"2000"`
	Temperature   float32 `envconfig:"GROUNDED_TEMPERATURE" default:"0.3"`
	CreditPerItem float64 `envconfig:"GROUNDED_CREDIT_PER_ITEM" default:"1"`
}

type ConversationConfig struct {
	TTL      string `envconfig:"CONVERSATION_TTL" default:"30m"`
	MaxTurns int    `envconfig:"CONVERSATION_MAX_TURNS" default:"12"`
}

// DefaultProgressConfig mirrors the envconfig defaults for callers that
// build components without the environment.
func DefaultProgressConfig() ProgressConfig {
	return ProgressConfig{
		TickInterval: 120 * time.Millisecond,
		Step:         0.12,
		MinDwell:     1200 * time.Millisecond,
		JumpGap:      25,
		Tolerance:    0.5,
	}
}
