package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscope/core/internal/agent/model"
	"github.com/marketscope/core/internal/agent/stream"
	errx "github.com/marketscope/core/internal/core/error"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(model.APIConfig{BaseURL: srv.URL + "/", Token: "secret", Timeout: 2 * time.Second})
	t.Cleanup(c.client.CloseIdleConnections)
	return c
}

func TestSubmitRunStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   model.ReplyStatus
		msg    string
	}{
		{name: "queued", status: http.StatusAccepted, body: `{"message":"position 3 in queue"}`, want: model.ReplyQueued, msg: "position 3 in queue"},
		{name: "rate limited", status: http.StatusTooManyRequests, want: model.ReplyRetry},
		{name: "unavailable", status: http.StatusServiceUnavailable, want: model.ReplyRetry},
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"query too short"}`, want: model.ReplyFailed, msg: "query too short"},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", want: model.ReplyFailed, msg: "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			reply, err := c.SubmitRun(context.Background(), "tok-1", "wireless mouse")
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply.Status)
			assert.Equal(t, tt.status, reply.StatusCode)
			assert.Equal(t, tt.msg, reply.Message)
			assert.Nil(t, reply.Body)
		})
	}
}

func TestSubmitRunSendsTokenAndQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, AnalyzePath, r.URL.Path)
		assert.Equal(t, "tok-1", r.Header.Get(RunTokenHeader))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body analyzeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, analyzeRequest{Query: "wireless mouse", ClientToken: "tok-1"}, body)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"analysisRunId":"abc","decision":{"verdict":"go"},"marketSnapshot":{"avgPrice":21.5}}`)
	})
	reply, err := c.SubmitRun(context.Background(), "tok-1", "wireless mouse")
	require.NoError(t, err)
	require.Equal(t, model.ReplyOK, reply.Status)
	assert.False(t, reply.Streaming)
	defer reply.Body.Close()

	var rs model.ResultSet
	require.NoError(t, json.NewDecoder(reply.Body).Decode(&rs))
	assert.Equal(t, "abc", rs.RunID)
}

func TestSubmitRunEventStreamFeedsDecoder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		io.WriteString(w, "event: record\ndata: {\"type\":\"partial\",\"payload\":{\"stage\":\"fetch\"}}\n\n")
		w.(http.Flusher).Flush()
		io.WriteString(w, "data: {\"type\":\"complete\",\"analysisRunId\":\"abc\"}\n\ndata: [DONE]\n\n")
	})
	reply, err := c.SubmitRun(context.Background(), "tok-1", "q")
	require.NoError(t, err)
	require.True(t, reply.Streaming)
	defer reply.Body.Close()

	var partials int
	complete, err := stream.Decode(context.Background(), reply.Body, func(rec model.StreamRecord) error {
		if rec.Type == model.RecordPartial {
			partials++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, partials)
	assert.Equal(t, model.RecordComplete, complete.Type)
}

func TestSubmitRunNDJSONIsStreaming(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, "{\"type\":\"complete\",\"analysisRunId\":\"abc\"}\n")
	})
	reply, err := c.SubmitRun(context.Background(), "tok-1", "q")
	require.NoError(t, err)
	defer reply.Body.Close()
	assert.True(t, reply.Streaming)
}

func TestChatParsesEventStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req model.ChatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "run-1", req.RunID)
		assert.True(t, req.EscalationConfirmed)

		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, `data: {"metadata":{"type":"citations","citations":[{"itemId":"B07X","provenance":"verified-lookup"}]}}`+"\n\n")
		io.WriteString(w, `data: {"content":"Hello"}`+"\n\n")
		io.WriteString(w, `data: {"type":"guided_intent_detected","intent":"fees"}`+"\n\n")
		io.WriteString(w, "data: not json\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
		io.WriteString(w, `data: {"content":"after done"}`+"\n\n")
	})

	sr, err := c.Chat(context.Background(), model.ChatRequest{RunID: "run-1", Message: "hi", EscalationConfirmed: true})
	require.NoError(t, err)
	defer sr.Close()

	var got []model.ChatEvent
	for {
		ev, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, model.MetaCitations, got[0].Metadata.Type)
	assert.Equal(t, model.ProvenanceVerifiedLookup, got[0].Metadata.Citations[0].Provenance)
	assert.Equal(t, "Hello", got[1].Content)
	assert.Equal(t, model.MetaGuidedIntentDetected, got[2].Metadata.Type)
}

func TestChatParsesNDJSONWithoutTrailingNewline(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, "{\"content\":\"a\"}\n{\"content\":\"b\"}")
	})
	sr, err := c.Chat(context.Background(), model.ChatRequest{RunID: "run-1", Message: "hi"})
	require.NoError(t, err)
	defer sr.Close()

	var text string
	for {
		ev, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text += ev.Content
	}
	assert.Equal(t, "ab", text)
}

func TestChatErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.Chat(context.Background(), model.ChatRequest{RunID: "run-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errx.ErrRunFailed)
	assert.Equal(t, http.StatusBadGateway, errx.StatusOf(err))
}

func TestQuote(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req quoteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.ItemID {
		case "B07X":
			io.WriteString(w, `{"ok":true,"source":"exact","referralFee":3.75,"fulfillmentFee":5.40}`)
		case "B08Y":
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"ok":false,"reason":"category not supported","fallback":{"totalFees":8,"source":"estimated","confidence":0.6}}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	ctx := context.Background()

	res, err := c.Quote(ctx, "B07X", 24.99)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.InDelta(t, 9.15, res.Quote("B07X", 24.99).TotalFees, 1e-9)

	res, err = c.Quote(ctx, "B08Y", 19.99)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "category not supported", res.Reason)
	require.NotNil(t, res.Fallback)
	assert.InDelta(t, 8, res.Fallback.TotalFees, 1e-9)

	_, err = c.Quote(ctx, "nope", 1)
	assert.ErrorIs(t, err, errx.ErrRunFailed)
}

func TestQuoteHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Quote(ctx, "B07X", 24.99)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLookupItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, LookupPath, r.URL.Path)
		var req lookupRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.RunID != "run-1" {
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, `{"error":"out of credits"}`)
			return
		}
		assert.Equal(t, []string{"B09Z"}, req.ItemIDs)
		io.WriteString(w, `{"items":[{"id":"B09Z","title":"Verified","price":21.5,"reviews":88}]}`)
	})

	items, err := c.LookupItems(context.Background(), "run-1", []string{"B09Z"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "B09Z", items[0].ID)
	require.NotNil(t, items[0].Price)
	assert.InDelta(t, 21.5, *items[0].Price, 1e-9)

	_, err = c.LookupItems(context.Background(), "run-2", []string{"B09Z"})
	require.Error(t, err)
	assert.Equal(t, http.StatusPaymentRequired, errx.StatusOf(err))
	assert.Contains(t, err.Error(), "out of credits")
}
