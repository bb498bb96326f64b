// Package hubproto implements the JSON hub protocol spoken between the hub
// server and realtime clients. Every message is a JSON object terminated by
// the ASCII record separator so several messages can share one frame, SSE
// event or long-poll response.
package hubproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/roster-sync/internal/apperr"
)

// RecordSeparator terminates every encoded message.
const RecordSeparator byte = 0x1e

// MessageType discriminates hub messages.
type MessageType int

const (
	TypeInvocation MessageType = 1
	TypeCompletion MessageType = 3
	TypePing       MessageType = 6
	TypeClose      MessageType = 7
)

// Transport names, in client preference order.
const (
	TransportWebSockets       = "WebSockets"
	TransportServerSentEvents = "ServerSentEvents"
	TransportLongPolling      = "LongPolling"
)

// ErrIncomplete is returned by Decode when data ends without a separator.
var ErrIncomplete = errors.New("hubproto: incomplete message")

// Message is the single envelope for all hub traffic.
type Message struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          *apperr.Error     `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// NewInvocation builds an invocation, marshalling each argument.
func NewInvocation(invocationID, target string, args ...any) (Message, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return Message{}, fmt.Errorf("marshal argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, data)
	}
	return Message{Type: TypeInvocation, InvocationID: invocationID, Target: target, Arguments: raw}, nil
}

// NewCompletion builds a completion carrying either result or err.
func NewCompletion(invocationID string, result any, err error) (Message, error) {
	msg := Message{Type: TypeCompletion, InvocationID: invocationID}
	if err != nil {
		msg.Error = apperr.From(err)
		return msg, nil
	}
	if result != nil {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			return Message{}, fmt.Errorf("marshal completion result: %w", mErr)
		}
		msg.Result = data
	}
	return msg, nil
}

// Encode serializes msg followed by the record separator.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, RecordSeparator), nil
}

// MustEncode is Encode for messages built from already-marshalled parts.
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses every complete message in data. A trailing fragment without
// a separator yields ErrIncomplete alongside the messages decoded so far.
func Decode(data []byte) ([]Message, error) {
	var messages []Message
	for len(data) > 0 {
		idx := bytes.IndexByte(data, RecordSeparator)
		if idx < 0 {
			return messages, ErrIncomplete
		}
		record := data[:idx]
		data = data[idx+1:]
		if len(bytes.TrimSpace(record)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(record, &msg); err != nil {
			return messages, fmt.Errorf("decode hub message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Bind unmarshals invocation arguments positionally into dst pointers.
func Bind(args []json.RawMessage, dst ...any) error {
	if len(args) < len(dst) {
		return apperr.Invalid(fmt.Sprintf("expected %d arguments, got %d", len(dst), len(args)))
	}
	for i, d := range dst {
		if err := json.Unmarshal(args[i], d); err != nil {
			return apperr.Wrap(apperr.KindInvalid, fmt.Sprintf("argument %d is malformed", i), err)
		}
	}
	return nil
}

// AvailableTransport advertises one transport in a negotiate response.
type AvailableTransport struct {
	Transport string `json:"transport"`
}

// NegotiateResponse is returned by POST /hubs/{hub}/negotiate.
type NegotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	AvailableTransports []AvailableTransport `json:"availableTransports"`
}

// Supports reports whether the server advertised transport.
func (r NegotiateResponse) Supports(transport string) bool {
	for _, t := range r.AvailableTransports {
		if t.Transport == transport {
			return true
		}
	}
	return false
}
