package intake

import (
	"github.com/intakedesk/intake/internal/platform/apperr"
)

// ErrInvalidTransition is returned when the current status does not allow
// the requested change. The form is left untouched.
var ErrInvalidTransition = apperr.Validation("invalid status transition")

// adminTargets are the statuses an administrator may set directly.
var adminTargets = map[Status]bool{
	StatusPending:  true,
	StatusApproved: true,
	StatusRejected: true,
}

func IsAdminTarget(s Status) bool {
	return adminTargets[s]
}

// IsReversion reports whether moving from old to next withdraws a decision
// and sends the form back for review.
func IsReversion(old, next Status) bool {
	return old.IsDecided() && next == StatusPending
}

// SetStatus applies an administrator's direct edit and returns the status
// it replaced. Leaving cancelled drops the remembered previous status.
func SetStatus(f *Form, next Status) (Status, error) {
	if !IsAdminTarget(next) {
		return "", apperr.Validation("Invalid status")
	}
	old := f.Status
	f.Status = next
	f.PreviousStatus = nil
	return old, nil
}

// ApplyDecision records a physician decision. Approved and rejected may
// replace each other; pending only keeps an undecided form in the queue,
// since withdrawing a decision is left to administrators. Cancelled forms
// are left alone.
func ApplyDecision(f *Form, decision Status) (Status, error) {
	switch {
	case f.Status == StatusCancelled:
		return "", ErrInvalidTransition
	case decision == StatusPending:
		if f.Status.IsDecided() {
			return "", ErrInvalidTransition
		}
	case !decision.IsDecided():
		return "", ErrInvalidTransition
	}
	old := f.Status
	f.Status = decision
	return old, nil
}

func CanCancel(f *Form) bool {
	return f.Status.IsDecided()
}

// Cancel withdraws a decided form, remembering the decision for undo.
func Cancel(f *Form) error {
	if !CanCancel(f) {
		return ErrInvalidTransition
	}
	prev := f.Status
	f.PreviousStatus = &prev
	f.Status = StatusCancelled
	return nil
}

func CanUndoCancellation(f *Form) bool {
	return f.Status == StatusCancelled && f.PreviousStatus != nil && f.PreviousStatus.IsDecided()
}

// UndoCancellation restores the decision held before Cancel.
func UndoCancellation(f *Form) error {
	if !CanUndoCancellation(f) {
		return ErrInvalidTransition
	}
	f.Status = *f.PreviousStatus
	f.PreviousStatus = nil
	return nil
}
