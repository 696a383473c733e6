package envelope

import "encoding/json"

// Payload is implemented by every typed envelope payload.
type Payload interface {
	EnvelopeType() Type
}

// Authorization carries the bearer token right after the socket opens.
type Authorization struct {
	Token string `json:"token"`
}

// EnvelopeType implements Payload.
func (*Authorization) EnvelopeType() Type { return TypeAuthorization }

// Author identifies the sender of a message.
type Author struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Avatar   string `json:"avatar,omitempty"`
	UserType string `json:"user_type,omitempty"`
}

// ChatMessage is a message posted to a conversation.
type ChatMessage struct {
	MessageID      string  `json:"message_id,omitempty"`
	ConversationID string  `json:"conversation_id"`
	Body           string  `json:"body"`
	Type           string  `json:"type,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
	User           *Author `json:"user,omitempty"`
}

// EnvelopeType implements Payload.
func (*ChatMessage) EnvelopeType() Type { return TypeMessage }

// LastMessage is the conversation preview shown in conversation lists.
type LastMessage struct {
	MessageID      string  `json:"message_id"`
	ConversationID string  `json:"conversation_id"`
	Body           string  `json:"body"`
	Type           string  `json:"type,omitempty"`
	CreatedAt      string  `json:"created_at,omitempty"`
	UpdatedAt      string  `json:"updated_at,omitempty"`
	IsRead         bool    `json:"is_read"`
	User           *Author `json:"user,omitempty"`
}

// LastMessageUpdate tells conversation lists that a preview changed.
type LastMessageUpdate struct {
	ConversationID string       `json:"conversation_id"`
	LastMessageID  string       `json:"last_message_id,omitempty"`
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	UnreadCount    int          `json:"unread_count,omitempty"`
}

// EnvelopeType implements Payload.
func (*LastMessageUpdate) EnvelopeType() Type { return TypeUpdateLastMessage }

// Unknown wraps a payload whose discriminator this client does not model.
type Unknown struct {
	Kind Type
	Raw  json.RawMessage
}

// EnvelopeType implements Payload.
func (u *Unknown) EnvelopeType() Type { return u.Kind }
