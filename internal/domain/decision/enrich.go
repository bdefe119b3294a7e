package decision

import (
	"fmt"
	"strings"

	"github.com/intakedesk/intake/internal/domain/intake"
	"github.com/intakedesk/intake/internal/domain/messaging"
)

const (
	decisionMarker  = "PHYSICIAN DECISION:"
	submittedLayout = "January 02, 2006 at 03:04 PM"
)

var decisionTexts = map[messaging.Decision]string{
	messaging.DecisionAccept: decisionMarker + " ACCEPT\n\nForm has been reviewed and approved for processing.",
	messaging.DecisionReject: decisionMarker + " REJECT\n\nForm requires attention or has issues that need to be addressed.",
	messaging.DecisionReview: decisionMarker + " NEEDS REVIEW\n\nForm requires additional review or clarification.",
}

// Enrich wraps a physician's message with the case header and details of
// the form it concerns. f must reflect the form before the decision is
// applied.
func Enrich(body string, f *intake.Form) string {
	var b strings.Builder
	writeCaseHeader(&b, f)

	if !strings.Contains(strings.ToUpper(body), decisionMarker) {
		fmt.Fprintf(&b, "%s %s\n\n", decisionMarker, strings.ToUpper(body))
		fmt.Fprintf(&b, "Form has been reviewed with decision: %s", body)
	} else {
		b.WriteString(body)
	}

	writeCaseDetails(&b, f)
	return b.String()
}

// EnrichDecision renders an explicit decision as its standard text. The
// case header and details are included when f is not nil. Free-text notes
// follow unless they already carry their own decision line.
func EnrichDecision(d messaging.Decision, notes string, f *intake.Form) string {
	var b strings.Builder
	if f != nil {
		writeCaseHeader(&b, f)
	}
	b.WriteString(decisionTexts[d])
	if f != nil {
		writeCaseDetails(&b, f)
	}

	notes = strings.TrimSpace(notes)
	if notes != "" && !strings.HasPrefix(notes, decisionMarker) {
		if f == nil {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "Additional Notes:\n%s", notes)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeCaseHeader(b *strings.Builder, f *intake.Form) {
	fmt.Fprintf(b, "📋 PATIENT CASE: %s\n", strings.ToUpper(f.DisplayName()))
	fmt.Fprintf(b, "📅 Submitted: %s\n\n", f.UploadedAt.Format(submittedLayout))
}

func writeCaseDetails(b *strings.Builder, f *intake.Form) {
	b.WriteString("\n\n--- PATIENT CASE DETAILS ---\n")
	fmt.Fprintf(b, "Patient: %s\n", f.DisplayName())
	fmt.Fprintf(b, "Submitted: %s\n", f.UploadedAt.Format(submittedLayout))
	fmt.Fprintf(b, "Current Status: %s\n", f.Status.Label())
	if f.AIDecision != "" {
		fmt.Fprintf(b, "AI Recommendation: %s\n", f.AIDecision.Label())
	}
	b.WriteString("--- END CASE DETAILS ---\n\n")
}
