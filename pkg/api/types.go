package api

import (
	"github.com/verastack/chatline/pkg/envelope"
	"github.com/verastack/chatline/pkg/storage"
)

// Member is a participant of a conversation.
type Member struct {
	UserID   string `json:"user_id"`
	FullName string `json:"full_name"`
	Avatar   string `json:"avatar,omitempty"`
	UserType string `json:"user_type,omitempty"`
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ConversationID string                `json:"conversation_id"`
	LastMessageID  string                `json:"last_message_id,omitempty"`
	CreatedAt      string                `json:"created_at,omitempty"`
	UpdatedAt      string                `json:"updated_at,omitempty"`
	Type           string                `json:"type,omitempty"`
	LastMessage    *envelope.LastMessage `json:"last_message,omitempty"`
	Members        []Member              `json:"members,omitempty"`
	UnreadCount    int                   `json:"unreadCount,omitempty"`
}

// Message is a stored chat message. REST and websocket share the shape.
type Message = envelope.ChatMessage

// UserInfo is the signed-in user's profile.
type UserInfo = storage.UserInfo

// SendMessageRequest is the body of POST /message.
type SendMessageRequest struct {
	Type           string `json:"type"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id"`
	UserOnlineID   string `json:"user_online_id,omitempty"`
}

// RegisterRequest is the body of POST /user/register.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// UpdateUserInfoRequest is the body of PATCH /auth/user. Empty fields are
// left unchanged.
type UpdateUserInfoRequest struct {
	FullName string `json:"full_name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

type registerResponse struct {
	Success bool `json:"success"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

type createConversationRequest struct {
	UserID string `json:"userId"`
}
