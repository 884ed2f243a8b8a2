// Package chat holds the message model shared by the store, the hub and the
// websocket transport, together with the JSON frames exchanged with clients.
package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Message is a persisted chat message. The store assigns ID and Timestamp;
// a Message is never modified after Append returns it.
type Message struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Candidate is a validated inbound message that has not been persisted yet.
type Candidate struct {
	User string
	Text string
}

// Limits caps the length, in characters, of the user and text fields. Zero disables
// the corresponding check.
type Limits struct {
	MaxUser int
	MaxText int
}

// sendPayload mirrors the sendMessage data object. Pointers let the validator
// tell a missing field from an empty string.
type sendPayload struct {
	User *string `json:"user" validate:"required"`
	Text *string `json:"text" validate:"required"`
}

// DecodeCandidate parses the data object of a sendMessage frame. Both fields
// must be present and hold strings; empty strings are accepted.
func DecodeCandidate(data []byte, limits Limits) (Candidate, error) {
	if len(data) == 0 {
		return Candidate{}, fmt.Errorf("%w: missing data", ErrValidation)
	}

	var p sendPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validate.Struct(p); err != nil {
		return Candidate{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	c := Candidate{User: *p.User, Text: *p.Text}
	if err := checkLength("user", c.User, limits.MaxUser); err != nil {
		return Candidate{}, err
	}
	if err := checkLength("text", c.Text, limits.MaxText); err != nil {
		return Candidate{}, err
	}
	return c, nil
}

func checkLength(field, value string, limit int) error {
	if limit <= 0 {
		return nil
	}
	if err := validate.Var(value, fmt.Sprintf("max=%d", limit)); err != nil {
		return fmt.Errorf("%w: %s longer than %d", ErrValidation, field, limit)
	}
	return nil
}
