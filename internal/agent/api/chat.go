package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/schema"

	"github.com/marketscope/core/internal/agent/model"
	"github.com/marketscope/core/internal/agent/stream"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

var errDone = errors.New("event stream done")

// Chat sends one chat turn. The reply may be NDJSON or server-sent events;
// either way each line becomes one event on the returned reader.
func (c *Client) Chat(ctx context.Context, req model.ChatRequest) (*schema.StreamReader[model.ChatEvent], error) {
	if req.SelectedIDs == nil {
		req.SelectedIDs = []string{}
	}
	resp, err := c.post(ctx, ChatPath, req, "text/event-stream, application/x-ndjson", nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readMessage(resp.Body)
		resp.Body.Close()
		return nil, errx.WrapStatus(resp.StatusCode, msg)
	}

	sr, sw := schema.Pipe[model.ChatEvent](16)
	go pumpChat(resp.Body, sw)
	return sr, nil
}

// pumpChat forwards events until the body ends, a [DONE] marker arrives or
// the reader is closed.
func pumpChat(body io.ReadCloser, sw *schema.StreamWriter[model.ChatEvent]) {
	defer sw.Close()
	defer body.Close()

	var lb stream.LineBuffer
	buf := make([]byte, 4096)
	emit := func(line []byte) error {
		ev, ok, err := parseChatLine(line)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if closed := sw.Send(ev, nil); closed {
			return io.ErrClosedPipe
		}
		return nil
	}

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			for _, line := range lb.Push(buf[:n]) {
				if err := emit(line); err != nil {
					return
				}
			}
		}
		if errors.Is(rerr, io.EOF) {
			if rest := lb.Flush(); rest != nil {
				_ = emit(rest)
			}
			return
		}
		if rerr != nil {
			sw.Send(model.ChatEvent{}, fmt.Errorf("read chat stream: %w", rerr))
			return
		}
	}
}

// parseChatLine returns errDone at the end-of-stream marker. Lines that are
// not events are skipped.
func parseChatLine(line []byte) (model.ChatEvent, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return model.ChatEvent{}, false, nil
	}
	if data, ok := sseData(line); ok {
		line = data
	} else if isSSEField(line) {
		return model.ChatEvent{}, false, nil
	}
	if bytes.Equal(line, []byte("[DONE]")) {
		return model.ChatEvent{}, false, errDone
	}

	var ev model.ChatEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		logx.Debug().Err(err).Int("len", len(line)).Msg("dropping unparsable chat line")
		return model.ChatEvent{}, false, nil
	}
	if ev.Content == "" && ev.Metadata == nil {
		// Some servers send metadata unwrapped.
		var md model.Metadata
		if json.Unmarshal(line, &md) == nil && md.Type != "" {
			ev.Metadata = &md
		}
	}
	if ev.Content == "" && ev.Metadata == nil {
		return model.ChatEvent{}, false, nil
	}
	return ev, true, nil
}

func sseData(line []byte) ([]byte, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return nil, false
	}
	return bytes.TrimSpace(rest), true
}

func isSSEField(line []byte) bool {
	for _, f := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(f)) {
			return true
		}
	}
	return false
}

// eventStreamBody turns a server-sent event body into plain record lines so
// the result decoder can read it like NDJSON.
type eventStreamBody struct {
	r    *bufio.Reader
	body io.Closer
	out  []byte
	eof  bool
}

func newEventStreamBody(body io.ReadCloser) io.ReadCloser {
	return &eventStreamBody{r: bufio.NewReader(body), body: body}
}

func (b *eventStreamBody) Read(p []byte) (int, error) {
	for len(b.out) == 0 {
		if b.eof {
			return 0, io.EOF
		}
		line, err := b.r.ReadBytes('\n')
		if len(line) > 0 {
			if data, ok := sseData(bytes.TrimSpace(line)); ok && !bytes.Equal(data, []byte("[DONE]")) && len(data) > 0 {
				b.out = append(data, '\n')
			}
		}
		if errors.Is(err, io.EOF) {
			b.eof = true
		} else if err != nil {
			return 0, err
		}
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	return n, nil
}

func (b *eventStreamBody) Close() error {
	return b.body.Close()
}
