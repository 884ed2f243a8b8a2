package chat

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Event names carried in the envelope's event field.
const (
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventError          = "error"
)

// Envelope is the JSON frame exchanged over the websocket:
//
//	{"event": "sendMessage", "data": {"user": "alice", "text": "hi"}}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ErrorData is the data object of an error frame.
type ErrorData struct {
	Error string `json:"error"`
}

// ParseEnvelope extracts the event name and the raw data object of a frame.
// Data is left empty when the frame carries none.
func ParseEnvelope(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fmt.Errorf("%w: frame is not valid JSON", ErrValidation)
	}

	event := gjson.GetBytes(raw, "event")
	if event.Type != gjson.String || event.Str == "" {
		return Envelope{}, fmt.Errorf("%w: frame has no event name", ErrValidation)
	}

	env := Envelope{Event: event.Str}
	if data := gjson.GetBytes(raw, "data"); data.Exists() {
		env.Data = json.RawMessage(data.Raw)
	}
	return env, nil
}

// EncodeReceive builds the receiveMessage frame broadcast for msg.
func EncodeReceive(msg Message) ([]byte, error) {
	return encode(EventReceiveMessage, msg)
}

// EncodeError builds an error frame sent back to a single client.
func EncodeError(reason string) ([]byte, error) {
	return encode(EventError, ErrorData{Error: reason})
}

// EncodeSend builds a sendMessage frame. Used by clients.
func EncodeSend(user, text string) ([]byte, error) {
	return encode(EventSendMessage, struct {
		User string `json:"user"`
		Text string `json:"text"`
	}{user, text})
}

func encode(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s data: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
