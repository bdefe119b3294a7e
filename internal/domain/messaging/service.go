package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intakedesk/intake/internal/domain/account"
	"github.com/intakedesk/intake/internal/platform/apperr"
)

// Hint tells the composer how the message is being sent.
type Hint int

const (
	HintReply Hint = iota
	HintConversationStart
)

// Decision is a screening outcome a physician picks explicitly when
// starting a conversation, as opposed to one read from the message text.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
	DecisionReview Decision = "review"
)

// ParseDecision accepts the submitted decision name. Blank means none.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case "", DecisionAccept, DecisionReject, DecisionReview:
		return d, nil
	default:
		return "", apperr.Validation("Invalid decision %q", s)
	}
}

// Draft is an outgoing message before it is composed. Body may be blank
// when a Decision is given; it then only carries optional notes.
type Draft struct {
	Body     string
	Hint     Hint
	Decision Decision
}

// Composed is the body to store and the form it refers to, if any. Effect,
// when set, runs once the message has been stored.
type Composed struct {
	Body   string
	FormID *uuid.UUID
	Effect func(ctx context.Context) error
}

// Composer rewrites an outgoing message before it is stored. It never
// fails the send; on any problem it returns the body unchanged.
type Composer interface {
	Compose(ctx context.Context, sender *account.User, d Draft) Composed
}

// UserDirectory resolves recipients.
type UserDirectory interface {
	GetByUsername(ctx context.Context, username string) (*account.User, error)
	Search(ctx context.Context, query string, exclude uuid.UUID) ([]*account.User, error)
}

// Transactor runs fn with a context carrying one database transaction.
// Nested calls must not abort the enclosing transaction when they fail.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type passthrough struct{}

func (passthrough) Compose(_ context.Context, _ *account.User, d Draft) Composed {
	return Composed{Body: d.Body}
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type Service struct {
	repo     Repository
	users    UserDirectory
	composer Composer
	tx       Transactor
	logger   zerolog.Logger
}

func NewService(repo Repository, users UserDirectory, composer Composer, logger zerolog.Logger) *Service {
	if composer == nil {
		composer = passthrough{}
	}
	return &Service{
		repo:     repo,
		users:    users,
		composer: composer,
		tx:       noTx{},
		logger:   logger.With().Str("component", "messaging").Logger(),
	}
}

// SetTransactor makes sends atomic: the message, a conversation created
// for it and the effect of its decision commit together.
func (s *Service) SetTransactor(tx Transactor) {
	s.tx = tx
}

// StartOrReuse returns the two-party conversation between a and b, creating
// it with title when none exists. The lookup is symmetric.
func (s *Service) StartOrReuse(ctx context.Context, a, b uuid.UUID, title string) (*Conversation, error) {
	if a == b {
		return nil, apperr.Validation("You cannot start a conversation with yourself")
	}
	c, err := s.repo.FindTwoParty(ctx, a, b)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	c = &Conversation{}
	if t := strings.TrimSpace(title); t != "" {
		c.Title = &t
	}
	if err := s.repo.CreateConversation(ctx, c, []uuid.UUID{a, b}); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// participantConversation loads a conversation and checks membership.
func (s *Service) participantConversation(ctx context.Context, id uuid.UUID, user *account.User) (*Conversation, error) {
	c, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil || !c.HasParticipant(user.ID) {
		return nil, apperr.PermissionDenied("You are not a participant in this conversation")
	}
	return c, nil
}

// Send appends a reply to a conversation the sender belongs to.
func (s *Service) Send(ctx context.Context, conversationID uuid.UUID, sender *account.User, body string) (*Message, error) {
	if _, err := s.participantConversation(ctx, conversationID, sender); err != nil {
		return nil, err
	}
	var m *Message
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		m, err = s.send(ctx, conversationID, sender, Draft{Body: body, Hint: HintReply})
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// send stores the composed message and then runs its effect. The effect
// runs in its own nested transaction and a failure there is only logged.
func (s *Service) send(ctx context.Context, conversationID uuid.UUID, sender *account.User, d Draft) (*Message, error) {
	if d.Decision == "" && strings.TrimSpace(d.Body) == "" {
		return nil, apperr.Validation("Message content is required")
	}
	out := s.composer.Compose(ctx, sender, d)
	m := &Message{
		ConversationID: conversationID,
		SenderID:       sender.ID,
		Body:           out.Body,
		FormID:         out.FormID,
	}
	if err := s.repo.CreateMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if out.Effect != nil {
		if err := s.tx.InTx(ctx, out.Effect); err != nil {
			s.logger.Warn().Err(err).
				Str("message_id", m.ID.String()).
				Str("sender", sender.Username).
				Msg("message stored but its decision was not applied")
		}
	}
	s.logger.Debug().
		Str("conversation_id", conversationID.String()).
		Str("sender", sender.Username).
		Bool("form_linked", m.FormID != nil).
		Msg("message sent")
	return m, nil
}

// StartConversation opens (or reuses) a conversation with the named user
// and sends the first message. Nothing is sent when body is blank and no
// decision is given. Only screening physicians may record a decision.
func (s *Service) StartConversation(ctx context.Context, sender *account.User, recipientUsername, body string, decision Decision) (*Conversation, *Message, error) {
	recipientUsername = strings.TrimSpace(recipientUsername)
	if recipientUsername == "" {
		return nil, nil, apperr.Validation("Recipient is required")
	}
	if decision != "" && !sender.Role.IsScreeningPhysician() {
		return nil, nil, apperr.PermissionDenied("Only screening physicians can record a decision")
	}
	recipient, err := s.users.GetByUsername(ctx, recipientUsername)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, apperr.NotFound("User not found")
		}
		return nil, nil, err
	}

	var c *Conversation
	var m *Message
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		if c, err = s.StartOrReuse(ctx, sender.ID, recipient.ID, ""); err != nil {
			return err
		}
		if decision == "" && strings.TrimSpace(body) == "" {
			return nil
		}
		m, err = s.send(ctx, c.ID, sender, Draft{Body: body, Hint: HintConversationStart, Decision: decision})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return c, m, nil
}

// SearchRecipients finds users the requester can start a conversation
// with.
func (s *Service) SearchRecipients(ctx context.Context, requester *account.User, query string) ([]*account.User, error) {
	return s.users.Search(ctx, query, requester.ID)
}

// MarkRead records that user has read every message in the conversation
// sent by someone else. Repeating it changes nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID uuid.UUID, user *account.User) error {
	if _, err := s.participantConversation(ctx, conversationID, user); err != nil {
		return err
	}
	return s.repo.MarkRead(ctx, conversationID, user.ID)
}

// DeleteMessage removes a message. Only its sender may do so.
func (s *Service) DeleteMessage(ctx context.Context, messageID uuid.UUID, requester *account.User) error {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if requester == nil || m.SenderID != requester.ID {
		return apperr.PermissionDenied("You can only delete your own messages")
	}
	return s.repo.DeleteMessage(ctx, m)
}

// DeleteConversation removes the conversation and all of its messages for
// every participant.
func (s *Service) DeleteConversation(ctx context.Context, conversationID uuid.UUID, requester *account.User) error {
	if _, err := s.participantConversation(ctx, conversationID, requester); err != nil {
		return err
	}
	return s.repo.DeleteConversation(ctx, conversationID)
}

// Inbox lists the user's conversations, most recently active first.
func (s *Service) Inbox(ctx context.Context, user *account.User, limit, offset int) (*Inbox, error) {
	items, total, err := s.repo.ListForUser(ctx, user.ID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	unread, err := s.repo.UnreadTotal(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("count unread: %w", err)
	}
	if items == nil {
		items = []*Summary{}
	}
	return &Inbox{Conversations: items, Total: total, TotalUnread: unread}, nil
}

// Detail marks the conversation read for user, then returns it with its
// messages oldest first.
func (s *Service) Detail(ctx context.Context, conversationID uuid.UUID, user *account.User) (*Detail, error) {
	c, err := s.participantConversation(ctx, conversationID, user)
	if err != nil {
		return nil, err
	}
	if err := s.repo.MarkRead(ctx, conversationID, user.ID); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	return &Detail{Conversation: c, Messages: msgs}, nil
}
