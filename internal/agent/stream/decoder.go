// Package stream decodes the newline-delimited result stream of a run.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

const readChunk = 4 * 1024

// Decoder turns delivered bytes into stream records. It is not safe for
// concurrent use; one decoder serves one stream.
type Decoder struct {
	lines     LineBuffer
	completes int
	complete  model.StreamRecord
	dropped   int
	aborted   bool
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one delivery. It returns the records parsed from every
// complete line. Unparsable lines are dropped. An error record stops
// parsing: the records before it are returned together with an error
// wrapping errx.ErrStreamAborted.
func (d *Decoder) Feed(chunk []byte) ([]model.StreamRecord, error) {
	if d.aborted {
		return nil, errx.ErrStreamAborted
	}
	var out []model.StreamRecord
	for _, line := range d.lines.Push(chunk) {
		rec, err := parseRecord(line)
		if err != nil {
			d.dropped++
			logx.Debug().Err(err).Int("line_bytes", len(line)).Msg("dropping unparsable stream line")
			continue
		}
		if err := d.accept(rec); err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close flushes the trailing fragment and verifies the stream produced
// exactly one complete record. A trailing fragment that does not parse is
// logged as a warning and dropped.
func (d *Decoder) Close() ([]model.StreamRecord, model.StreamRecord, error) {
	if d.aborted {
		return nil, model.StreamRecord{}, errx.ErrStreamAborted
	}
	var out []model.StreamRecord
	if rest := d.lines.Flush(); rest != nil {
		rec, err := parseRecord(rest)
		if err != nil {
			d.dropped++
			logx.Warn().Err(err).Int("line_bytes", len(rest)).Msg("unparsable final stream fragment")
		} else {
			if err := d.accept(rec); err != nil {
				return out, model.StreamRecord{}, err
			}
			out = append(out, rec)
		}
	}
	switch d.completes {
	case 1:
		return out, d.complete, nil
	case 0:
		return out, model.StreamRecord{}, fmt.Errorf("%w: stream ended without a complete record", errx.ErrProtocolViolation)
	default:
		return out, model.StreamRecord{}, fmt.Errorf("%w: stream carried %d complete records", errx.ErrProtocolViolation, d.completes)
	}
}

// Done reports whether a complete record has been accepted.
func (d *Decoder) Done() bool {
	return d.completes > 0
}

// Dropped returns the number of lines that failed to parse.
func (d *Decoder) Dropped() int {
	return d.dropped
}

func (d *Decoder) accept(rec model.StreamRecord) error {
	switch rec.Type {
	case model.RecordError:
		d.aborted = true
		msg := rec.ErrorText()
		if msg == "" {
			msg = "unspecified stream error"
		}
		return errx.New(fmt.Errorf("%w: %s", errx.ErrStreamAborted, msg), http.StatusBadGateway, errx.UpstreamErrorMessage)
	case model.RecordComplete:
		d.completes++
		if d.completes == 1 {
			d.complete = rec
		}
	}
	return nil
}

func parseRecord(line []byte) (model.StreamRecord, error) {
	var rec model.StreamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return model.StreamRecord{}, err
	}
	if rec.Type == "" {
		return model.StreamRecord{}, errors.New("record has no type")
	}
	rec.Raw = append(json.RawMessage(nil), line...)
	return rec, nil
}

// Decode reads r until the complete record arrives, calling fn for every
// record in arrival order, and returns that record. Bytes already delivered
// with the complete record are still checked; nothing further is read. Reading
// also stops at the first error record, at the first error returned by fn, at
// end of input, or when ctx is done.
func Decode(ctx context.Context, r io.Reader, fn func(model.StreamRecord) error) (model.StreamRecord, error) {
	d := NewDecoder()
	buf := make([]byte, readChunk)
	emit := func(recs []model.StreamRecord) error {
		for _, rec := range recs {
			if fn == nil {
				continue
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return model.StreamRecord{}, err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			recs, ferr := d.Feed(buf[:n])
			if err := emit(recs); err != nil {
				return model.StreamRecord{}, err
			}
			if ferr != nil {
				return model.StreamRecord{}, ferr
			}
			if d.Done() {
				break
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return model.StreamRecord{}, fmt.Errorf("read result stream: %w", rerr)
		}
	}
	recs, complete, err := d.Close()
	if eerr := emit(recs); eerr != nil {
		return model.StreamRecord{}, eerr
	}
	return complete, err
}
