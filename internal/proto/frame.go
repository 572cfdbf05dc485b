package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMalformed    = errors.New("malformed payload")
	ErrUnknownEvent = errors.New("unknown event")
)

// Frame is the JSON envelope exchanged over the websocket in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// ParseFrame decodes a raw websocket message into a frame.
func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return f, nil
}

// unwrap returns the object carried by data. Some clients send payloads as
// a JSON string holding the encoded object; those are decoded one level.
func unwrap(data json.RawMessage) (json.RawMessage, error) {
	d := bytes.TrimSpace(data)
	if len(d) == 0 || bytes.Equal(d, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if d[0] != '"' {
		return d, nil
	}
	var s string
	if err := json.Unmarshal(d, &s); err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

func decodeInto(data json.RawMessage, v any) error {
	inner, err := unwrap(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(inner, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
