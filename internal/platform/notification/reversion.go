// Package notification tells screening physicians about administrator
// actions through the built-in messaging system.
package notification

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intakedesk/intake/internal/domain/account"
	"github.com/intakedesk/intake/internal/domain/intake"
	"github.com/intakedesk/intake/internal/domain/messaging"
)

const timeLayout = "2006-01-02 15:04:05"

// Conversations is the messaging surface the notifier writes through.
type Conversations interface {
	StartOrReuse(ctx context.Context, a, b uuid.UUID, title string) (*messaging.Conversation, error)
	Send(ctx context.Context, conversationID uuid.UUID, sender *account.User, body string) (*messaging.Message, error)
}

// Physicians lists the users who receive reversion notices.
type Physicians interface {
	ScreeningPhysicians(ctx context.Context) ([]*account.User, error)
}

// ReversionNotifier sends every screening physician a notice, from the
// administrator, when a decided form is moved back to pending.
type ReversionNotifier struct {
	conversations Conversations
	physicians    Physicians
	templates     *TemplateEngine
	logger        zerolog.Logger
	now           func() time.Time
}

func NewReversionNotifier(conversations Conversations, physicians Physicians, logger zerolog.Logger) *ReversionNotifier {
	return &ReversionNotifier{
		conversations: conversations,
		physicians:    physicians,
		templates:     NewTemplateEngine(),
		logger:        logger.With().Str("component", "notification").Logger(),
		now:           time.Now,
	}
}

// NotifyReversion implements intake.ReversionNotifier. Failures are logged
// per physician; one failed delivery does not stop the others.
func (n *ReversionNotifier) NotifyReversion(ctx context.Context, f *intake.Form, old intake.Status, admin *account.User) {
	patient := f.DisplayName()
	title, body, err := n.templates.Render(TemplateStatusReversion, map[string]string{
		"patient":   patient,
		"old_upper": strings.ToUpper(string(old)),
		"old":       old.Label(),
		"admin":     admin.DisplayName(),
		"time":      n.now().Format(timeLayout),
	})
	if err != nil {
		n.logger.Error().Err(err).Msg("render reversion notice")
		return
	}

	physicians, err := n.physicians.ScreeningPhysicians(ctx)
	if err != nil {
		n.logger.Error().Err(err).Str("form_id", f.ID.String()).Msg("list physicians for reversion notice")
		return
	}

	sent := 0
	for _, p := range physicians {
		if p.ID == admin.ID {
			continue
		}
		if err := n.deliver(ctx, admin, p, title, body); err != nil {
			n.logger.Warn().Err(err).
				Str("form_id", f.ID.String()).
				Str("physician", p.Username).
				Msg("reversion notice not delivered")
			continue
		}
		sent++
	}
	n.logger.Info().
		Str("form_id", f.ID.String()).
		Str("patient", patient).
		Int("delivered", sent).
		Int("physicians", len(physicians)).
		Msg("reversion notices sent")
}

func (n *ReversionNotifier) deliver(ctx context.Context, admin, physician *account.User, title, body string) error {
	c, err := n.conversations.StartOrReuse(ctx, admin.ID, physician.ID, title)
	if err != nil {
		return err
	}
	_, err = n.conversations.Send(ctx, c.ID, admin, body)
	return err
}
