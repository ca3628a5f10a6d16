// Package api talks to the research backend: run submission, chat and fee
// quotes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
)

const (
	AnalyzePath = "/v1/analyze"
	ChatPath    = "/v1/chat"
	QuotePath   = "/v1/fees/quote"
	LookupPath  = "/v1/items/lookup"

	// RunTokenHeader echoes the client correlation token on run submissions.
	RunTokenHeader = "X-Run-Token"

	maxErrorBody = 4 << 10
)

// Client is safe for concurrent use. Streaming bodies are not bounded by
// the configured timeout; only response headers are.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a client for cfg.BaseURL.
func NewClient(cfg model.APIConfig) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Transport: transport},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type analyzeRequest struct {
	Query       string `json:"query"`
	ClientToken string `json:"clientToken"`
}

type statusBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// SubmitRun posts a research query. Transport failures are returned as
// errors; HTTP statuses are classified into the reply.
func (c *Client) SubmitRun(ctx context.Context, tok model.RunToken, query string) (*model.RunReply, error) {
	body := analyzeRequest{Query: query, ClientToken: tok.String()}
	resp, err := c.post(ctx, AnalyzePath, body, "application/x-ndjson, application/json", func(r *http.Request) {
		r.Header.Set(RunTokenHeader, tok.String())
	})
	if err != nil {
		return nil, err
	}

	reply := &model.RunReply{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusAccepted:
		reply.Status = model.ReplyQueued
		reply.Message = readMessage(resp.Body)
		resp.Body.Close()
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		reply.Status = model.ReplyOK
		reply.Body = resp.Body
		switch mediaType(resp) {
		case "application/x-ndjson", "application/jsonl", "application/json-seq":
			reply.Streaming = true
		case "text/event-stream":
			reply.Streaming = true
			reply.Body = newEventStreamBody(resp.Body)
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		reply.Status = model.ReplyRetry
		reply.Message = readMessage(resp.Body)
		resp.Body.Close()
	default:
		reply.Status = model.ReplyFailed
		reply.Message = readMessage(resp.Body)
		resp.Body.Close()
	}
	return reply, nil
}

type quoteRequest struct {
	ItemID string  `json:"itemId"`
	Price  float64 `json:"price"`
}

// Quote asks for the exact fees of itemID at price. A declined quote with a
// reason is a result, not an error.
func (c *Client) Quote(ctx context.Context, itemID string, price float64) (model.FeeQuoteResult, error) {
	resp, err := c.post(ctx, QuotePath, quoteRequest{ItemID: itemID, Price: price}, "application/json", nil)
	if err != nil {
		return model.FeeQuoteResult{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.FeeQuoteResult{}, fmt.Errorf("read quote: %w", err)
	}
	var res model.FeeQuoteResult
	decodeErr := json.Unmarshal(raw, &res)
	if resp.StatusCode != http.StatusOK {
		if decodeErr == nil && !res.OK && res.Reason != "" {
			return res, nil
		}
		return model.FeeQuoteResult{}, errx.WrapStatus(resp.StatusCode, truncate(string(raw)))
	}
	if decodeErr != nil {
		return model.FeeQuoteResult{}, fmt.Errorf("%w: fee quote: %v", errx.ErrMalformedResult, decodeErr)
	}
	return res, nil
}

type lookupRequest struct {
	RunID   string   `json:"runId"`
	ItemIDs []string `json:"itemIds"`
}

type lookupResponse struct {
	Items []model.Item `json:"items"`
}

// LookupItems fetches verified data for itemIDs. The server charges credits
// per item, so callers confirm with the user first.
func (c *Client) LookupItems(ctx context.Context, runID string, itemIDs []string) ([]model.Item, error) {
	resp, err := c.post(ctx, LookupPath, lookupRequest{RunID: runID, ItemIDs: itemIDs}, "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errx.WrapStatus(resp.StatusCode, readMessage(resp.Body))
	}
	var out lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: item lookup: %v", errx.ErrMalformedResult, err)
	}
	return out.Items, nil
}

func (c *Client) post(ctx context.Context, path string, body any, accept string, decorate func(*http.Request)) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if decorate != nil {
		decorate(req)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func mediaType(resp *http.Response) string {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

func readMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var sb statusBody
	if json.Unmarshal(raw, &sb) == nil {
		if sb.Message != "" {
			return sb.Message
		}
		if sb.Error != "" {
			return sb.Error
		}
	}
	return truncate(strings.TrimSpace(string(raw)))
}

func truncate(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
