package kastchei

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Reserved protocol names
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventReply     = "phx_reply"
	EventHeartbeat = "heartbeat"
	TopicPhoenix   = "phoenix"
)

// Reply statuses conventionally used by Phoenix servers
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is one protocol message. Ref is nil on server broadcasts.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *uint64         `json:"ref"`
}

// IsReply reports whether the frame answers a push
func (f *Frame) IsReply() bool {
	return f.Event == EventReply && f.Ref != nil
}

// Reply is the payload of a phx_reply frame
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// emptyPayload is sent with heartbeats
var emptyPayload = json.RawMessage(`{}`)

// Serializer handles encoding/decoding of object-form (vsn 1.0.0) frames
type Serializer struct{}

// NewSerializer creates a new serializer instance
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Encode builds the wire text for a push. A nil payload is sent as null.
func (s *Serializer) Encode(topic, event string, payload interface{}, ref uint64) ([]byte, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage("null")
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload for %s/%s: %w", topic, event, err)
		}
		raw = data
	}

	return json.Marshal(&Frame{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     &ref,
	})
}

// Decode parses a received frame
func (s *Serializer) Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if frame.Topic == "" {
		return nil, errors.New("invalid message format: missing topic")
	}
	if frame.Event == "" {
		return nil, errors.New("invalid message format: missing event")
	}

	return &frame, nil
}

// DecodeReply extracts the status/response pair from a reply frame
func (s *Serializer) DecodeReply(frame *Frame) (*Reply, error) {
	var reply Reply
	if err := json.Unmarshal(frame.Payload, &reply); err != nil {
		return nil, &DecodeError{Topic: frame.Topic, Event: frame.Event, Err: err}
	}
	return &reply, nil
}

// Decode unmarshals raw into T, wrapping failures in a *DecodeError
func Decode[T any](topic, event string, raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &DecodeError{Topic: topic, Event: event, Err: err}
	}
	return out, nil
}
