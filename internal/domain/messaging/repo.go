package messaging

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	CreateConversation(ctx context.Context, c *Conversation, participants []uuid.UUID) error
	GetConversation(ctx context.Context, id uuid.UUID) (*Conversation, error)
	// FindTwoParty returns the conversation whose participants are exactly
	// a and b, in either order.
	FindTwoParty(ctx context.Context, a, b uuid.UUID) (*Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*Summary, int, error)
	DeleteConversation(ctx context.Context, id uuid.UUID) error

	// CreateMessage appends m and moves the conversation's updated_at to
	// the message time.
	CreateMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	// DeleteMessage removes m and recomputes the conversation's updated_at
	// from the remaining messages. With none left updated_at is kept.
	DeleteMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*Message, error)

	MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error
	UnreadTotal(ctx context.Context, userID uuid.UUID) (int, error)
}
