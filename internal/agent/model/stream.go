package model

import "encoding/json"

// RecordType discriminates stream records. Unknown types are tolerated.
type RecordType string

const (
	RecordPartial  RecordType = "partial"
	RecordComplete RecordType = "complete"
	RecordError    RecordType = "error"
)

// StreamRecord is one self-describing line of the result stream.
// Raw holds the full line so a complete record whose result fields sit at
// the top level (rather than under payload) can still be decoded.
type StreamRecord struct {
	Type    RecordType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// Body returns the payload, or the whole record when no payload was sent.
func (r StreamRecord) Body() json.RawMessage {
	if len(r.Payload) > 0 && string(r.Payload) != "null" {
		return r.Payload
	}
	return r.Raw
}

// ErrorText renders the error field, which servers send either as a plain
// string or as an object with a message.
func (r StreamRecord) ErrorText() string {
	if len(r.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if err := json.Unmarshal(r.Error, &obj); err == nil && obj.Message != "" {
		if obj.Code != "" {
			return obj.Code + ": " + obj.Message
		}
		return obj.Message
	}
	return string(r.Error)
}
