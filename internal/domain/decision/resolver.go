package decision

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/intakedesk/intake/internal/domain/intake"
	"github.com/intakedesk/intake/internal/domain/messaging"
	"github.com/intakedesk/intake/internal/platform/apperr"
)

// FormLookup is the part of the form store the resolvers query.
type FormLookup interface {
	MostRecentPending(ctx context.Context, asOf time.Time) (*intake.Form, error)
	FindByPatientName(ctx context.Context, name string) (*intake.Form, error)
}

// Resolver picks the form a decision message refers to. A nil form with a
// nil error means the resolver does not apply and the next one is tried.
type Resolver interface {
	Resolve(ctx context.Context, body string, hint messaging.Hint) (*intake.Form, error)
}

var patientFormRef = regexp.MustCompile(`(?i)patient form:\s*([^,\n]+)`)

// PatientReference extracts the name following "patient form:".
func PatientReference(body string) (string, bool) {
	m := patientFormRef.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	name := strings.TrimSpace(m[1])
	return name, name != ""
}

// ExplicitReference resolves "patient form: <name>" in the opening message
// of a conversation.
type ExplicitReference struct {
	Forms FormLookup
}

func (r ExplicitReference) Resolve(ctx context.Context, body string, hint messaging.Hint) (*intake.Form, error) {
	if hint != messaging.HintConversationStart {
		return nil, nil
	}
	name, ok := PatientReference(body)
	if !ok {
		return nil, nil
	}
	f, err := r.Forms.FindByPatientName(ctx, name)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return f, err
}

// MostRecentPending resolves to the latest pending form uploaded at or
// before the time Now reports. Without Now the store's own clock is used.
type MostRecentPending struct {
	Forms FormLookup
	Now   func() time.Time
}

func (r MostRecentPending) Resolve(ctx context.Context, _ string, _ messaging.Hint) (*intake.Form, error) {
	var asOf time.Time
	if r.Now != nil {
		asOf = r.Now()
	}
	f, err := r.Forms.MostRecentPending(ctx, asOf)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return f, err
}
