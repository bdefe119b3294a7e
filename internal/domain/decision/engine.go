// Package decision turns screening physicians' messages into form
// decisions. A message from a physician that carries an explicit decision
// or mentions a decision keyword is tied to a form and rewritten with the
// case details. The decision is applied to the form once the message has
// been stored.
package decision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intakedesk/intake/internal/domain/account"
	"github.com/intakedesk/intake/internal/domain/intake"
	"github.com/intakedesk/intake/internal/domain/messaging"
)

// ErrNoForm is returned by Extract when a decision message could not be
// tied to any form.
var ErrNoForm = errors.New("no form matches the decision message")

var (
	triggerKeywords = []string{"ACCEPT", "REJECT", "APPROVED", "DENIED", "DECISION"}
	approveKeywords = []string{"ACCEPT", "APPROVED"}
	rejectKeywords  = []string{"REJECT", "DENIED"}
)

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Detect reports whether body reads as a decision and which status it asks
// for. The status is empty when the message only mentions a decision.
func Detect(body string) (intake.Status, bool) {
	upper := strings.ToUpper(body)
	if !containsAny(upper, triggerKeywords) {
		return "", false
	}
	switch {
	case containsAny(upper, approveKeywords):
		return intake.StatusApproved, true
	case containsAny(upper, rejectKeywords):
		return intake.StatusRejected, true
	default:
		return "", true
	}
}

// statusFor maps an explicit decision to the form status it asks for.
// Review keeps the form in the pending queue.
var statusFor = map[messaging.Decision]intake.Status{
	messaging.DecisionAccept: intake.StatusApproved,
	messaging.DecisionReject: intake.StatusRejected,
	messaging.DecisionReview: intake.StatusPending,
}

// Applier records a decision on a form.
type Applier interface {
	ApplyDecision(ctx context.Context, id uuid.UUID, decision intake.Status) (*intake.Form, error)
}

// Outcome is what Extract made of a message. Decision is the status to
// apply to Form once the message is stored; it is empty when the message
// only mentions a decision.
type Outcome struct {
	Body     string
	Form     *intake.Form
	Decision intake.Status
}

type Engine struct {
	resolvers []Resolver
	applier   Applier
	logger    zerolog.Logger
}

// NewEngine builds an engine that resolves forms through an explicit
// "patient form:" reference first and the most recent pending form second.
func NewEngine(forms FormLookup, applier Applier, logger zerolog.Logger) *Engine {
	return NewEngineWithResolvers(applier, logger,
		ExplicitReference{Forms: forms},
		MostRecentPending{Forms: forms},
	)
}

func NewEngineWithResolvers(applier Applier, logger zerolog.Logger, resolvers ...Resolver) *Engine {
	return &Engine{
		resolvers: resolvers,
		applier:   applier,
		logger:    logger.With().Str("component", "decision").Logger(),
	}
}

func (e *Engine) resolve(ctx context.Context, body string, hint messaging.Hint) (*intake.Form, error) {
	for _, r := range e.resolvers {
		f, err := r.Resolve(ctx, body, hint)
		if err != nil {
			return nil, err
		}
		if f != nil {
			return f, nil
		}
	}
	return nil, ErrNoForm
}

// Extract inspects a message before it is stored and changes nothing.
// Messages that are not physician decisions come back untouched with a nil
// error. A keyword decision that cannot be tied to a form keeps its raw
// body; an explicit decision still gets its standard text. Either way the
// resolution error is returned alongside.
func (e *Engine) Extract(ctx context.Context, sender *account.User, d messaging.Draft) (Outcome, error) {
	out := Outcome{Body: d.Body}
	if sender == nil || !sender.Role.IsScreeningPhysician() {
		return out, nil
	}
	if d.Decision != "" {
		return e.extractExplicit(ctx, d)
	}
	decision, ok := Detect(d.Body)
	if !ok {
		return out, nil
	}

	f, err := e.resolve(ctx, d.Body, d.Hint)
	if err != nil {
		return out, err
	}
	out.Form = f
	out.Decision = decision
	out.Body = Enrich(d.Body, f)
	return out, nil
}

func (e *Engine) extractExplicit(ctx context.Context, d messaging.Draft) (Outcome, error) {
	status, ok := statusFor[d.Decision]
	if !ok {
		return Outcome{Body: d.Body}, fmt.Errorf("unknown decision %q", d.Decision)
	}
	f, err := e.resolve(ctx, d.Body, d.Hint)
	if err != nil {
		return Outcome{Body: EnrichDecision(d.Decision, d.Body, nil)}, err
	}
	return Outcome{
		Body:     EnrichDecision(d.Decision, d.Body, f),
		Form:     f,
		Decision: status,
	}, nil
}

// Compose implements messaging.Composer. Resolution failures are logged
// and never block the message. The decision itself is handed back as the
// effect so it is only applied once the message exists.
func (e *Engine) Compose(ctx context.Context, sender *account.User, d messaging.Draft) messaging.Composed {
	out, err := e.Extract(ctx, sender, d)
	if err != nil {
		ev := e.logger.Warn()
		if errors.Is(err, ErrNoForm) {
			ev = e.logger.Debug()
		}
		ev.Err(err).Str("sender", sender.Username).Msg("decision not applied")
	}
	composed := messaging.Composed{Body: out.Body}
	if out.Form == nil {
		return composed
	}
	formID := out.Form.ID
	composed.FormID = &formID
	if out.Decision == "" {
		return composed
	}
	decision := out.Decision
	username := sender.Username
	composed.Effect = func(ctx context.Context) error {
		if _, err := e.applier.ApplyDecision(ctx, formID, decision); err != nil {
			return fmt.Errorf("apply %s to form %s: %w", decision, formID, err)
		}
		e.logger.Info().
			Str("form_id", formID.String()).
			Str("decision", string(decision)).
			Str("sender", username).
			Msg("physician decision recorded from message")
		return nil
	}
	return composed
}
