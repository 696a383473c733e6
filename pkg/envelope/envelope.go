// Package envelope defines the JSON frames exchanged over the chat
// websocket. Every frame is one Envelope: a type discriminator, a payload
// whose shape depends on the type, and an optional fan-out exclusion list.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the envelope discriminator.
type Type string

// Known discriminators.
const (
	TypeAuthorization     Type = "AUTHORIZATION"
	TypeMessage           Type = "MESSAGE"
	TypeUpdateLastMessage Type = "UPDATE_LAST_MESSAGE"
)

// ErrMissingType is returned when a frame has no type discriminator.
var ErrMissingType = errors.New("envelope type is missing")

// Envelope is a single frame on the wire.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
	// IgnoreUserOnlines asks the server not to fan the frame out to these
	// sessions. Outbound only.
	IgnoreUserOnlines []string `json:"ignore_user_onlines,omitempty"`
}

// New builds an envelope with payload marshaled to JSON.
func New(t Type, payload any) (*Envelope, error) {
	if t == "" {
		return nil, ErrMissingType
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}

	return &Envelope{Type: t, Payload: raw}, nil
}

// NewAuthorization builds the frame that authenticates a fresh connection.
func NewAuthorization(token string) *Envelope {
	raw, _ := json.Marshal(Authorization{Token: token}) //nolint:errcheck // plain string struct
	return &Envelope{Type: TypeAuthorization, Payload: raw}
}

// Parse decodes one inbound text frame.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	if env.Type == "" {
		return nil, ErrMissingType
	}

	return &env, nil
}

// Marshal encodes the envelope as a single JSON text frame.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Type == "" {
		return nil, ErrMissingType
	}

	out := *e
	if len(bytes.TrimSpace(out.Payload)) == 0 {
		out.Payload = json.RawMessage("null")
	}

	return json.Marshal(&out)
}

// Excluding returns a copy of the envelope that asks the server to skip the
// given online sessions.
func (e *Envelope) Excluding(userOnlineIDs ...string) *Envelope {
	out := *e
	out.IgnoreUserOnlines = append([]string(nil), userOnlineIDs...)
	return &out
}

// DecodePayload unmarshals the raw payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}

	return nil
}

// Decode returns the typed payload selected by the discriminator. Unknown
// discriminators decode to *Unknown so consumers still see the raw data.
func (e *Envelope) Decode() (Payload, error) {
	var p Payload

	switch e.Type {
	case TypeAuthorization:
		p = &Authorization{}
	case TypeMessage:
		p = &ChatMessage{}
	case TypeUpdateLastMessage:
		p = &LastMessageUpdate{}
	default:
		return &Unknown{Kind: e.Type, Raw: e.Payload}, nil
	}

	if err := e.DecodePayload(p); err != nil {
		return nil, err
	}

	return p, nil
}
