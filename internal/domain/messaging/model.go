package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/intakedesk/intake/internal/domain/account"
)

// Participant is a conversation member as shown to clients.
type Participant struct {
	UserID      uuid.UUID    `json:"user_id"`
	Username    string       `json:"username,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	Role        account.Role `json:"role,omitempty"`
}

// Conversation is a thread between users. UpdatedAt follows the latest
// message and drives inbox ordering.
type Conversation struct {
	ID           uuid.UUID     `db:"id" json:"id"`
	Title        *string       `db:"title" json:"title,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
	Participants []Participant `json:"participants"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Message is one entry in a conversation. FormID is set when a physician
// decision in the message was tied to a form.
type Message struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ConversationID uuid.UUID  `db:"conversation_id" json:"conversation_id"`
	SenderID       uuid.UUID  `db:"sender_id" json:"sender_id"`
	Body           string     `db:"body" json:"body"`
	FormID         *uuid.UUID `db:"form_id" json:"form_id,omitempty"`
	IsRead         bool       `db:"is_read" json:"is_read"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Summary is an inbox row.
type Summary struct {
	*Conversation
	LastMessage *Message `json:"last_message,omitempty"`
	UnreadCount int      `json:"unread_count"`
}

type Inbox struct {
	Conversations []*Summary `json:"conversations"`
	Total         int        `json:"total"`
	TotalUnread   int        `json:"total_unread"`
}

// Detail is a conversation with its messages, oldest first.
type Detail struct {
	*Conversation
	Messages []*Message `json:"messages"`
}
