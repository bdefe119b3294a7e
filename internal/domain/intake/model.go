package intake

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

var statusLabels = map[Status]string{
	StatusPending:    "Pending",
	StatusProcessing: "Processing",
	StatusApproved:   "Approved",
	StatusRejected:   "Rejected",
	StatusCancelled:  "Cancelled",
}

// Label is the human readable status. Unknown values are returned as is.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// IsDecided reports whether the status records a final screening outcome.
func (s Status) IsDecided() bool {
	return s == StatusApproved || s == StatusRejected
}

type AIDecision string

const (
	AIAnalyzing      AIDecision = "analyzing"
	AIAccept         AIDecision = "accept"
	AIReject         AIDecision = "reject"
	AIReviewRequired AIDecision = "review_required"
)

var aiDecisionLabels = map[AIDecision]string{
	AIAnalyzing:      "Analyzing...",
	AIAccept:         "Accept",
	AIReject:         "Reject",
	AIReviewRequired: "Review Required",
}

func (d AIDecision) Label() string {
	if l, ok := aiDecisionLabels[d]; ok {
		return l
	}
	return string(d)
}

const (
	UnknownPatient = "Unknown Patient"

	// DefaultAIFeedback is stored on upload until the analysis pipeline
	// writes its own feedback.
	DefaultAIFeedback = "AI will analyze the form and provide instant feedback"
)

// Form is an uploaded patient intake document and its screening state.
type Form struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	PatientName           *string    `db:"patient_name" json:"patient_name,omitempty"`
	ExtractedPatientName  *string    `db:"extracted_patient_name" json:"extracted_patient_name,omitempty"`
	FileKey               string     `db:"file_key" json:"-"`
	FileName              string     `db:"file_name" json:"file_name"`
	FileSize              int64      `db:"file_size" json:"file_size"`
	Status                Status     `db:"status" json:"status"`
	PreviousStatus        *Status    `db:"previous_status" json:"previous_status,omitempty"`
	AIDecision            AIDecision `db:"ai_decision" json:"ai_decision"`
	AIFeedback            *string    `db:"ai_feedback" json:"ai_feedback,omitempty"`
	Processed             bool       `db:"processed" json:"processed"`
	ProcessingTimeSeconds *int       `db:"processing_time_seconds" json:"processing_time_seconds,omitempty"`
	UploadedBy            *uuid.UUID `db:"uploaded_by" json:"uploaded_by,omitempty"`
	UploadedAt            time.Time  `db:"uploaded_at" json:"uploaded_at"`
}

// DisplayName is the declared patient name, else the name read from the
// document, else "Unknown Patient".
func (f *Form) DisplayName() string {
	if f.PatientName != nil && *f.PatientName != "" {
		return *f.PatientName
	}
	if f.ExtractedPatientName != nil && *f.ExtractedPatientName != "" {
		return *f.ExtractedPatientName
	}
	return UnknownPatient
}

// FileSizeMB is the stored file size in megabytes, rounded to two places.
func (f *Form) FileSizeMB() float64 {
	return math.Round(float64(f.FileSize)/(1024*1024)*100) / 100
}

// ProcessingTimeDisplay renders the processing time as "2m 5s" or "45s".
func (f *Form) ProcessingTimeDisplay() string {
	switch {
	case f.ProcessingTimeSeconds != nil && *f.ProcessingTimeSeconds > 0:
		m, s := *f.ProcessingTimeSeconds/60, *f.ProcessingTimeSeconds%60
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	case f.Processed:
		return "Completed"
	default:
		return "Processing..."
	}
}

// View is the JSON representation returned by the API, with the derived
// display fields filled in.
type View struct {
	*Form
	DisplayName           string    `json:"display_name"`
	StatusDisplay         string    `json:"status_display"`
	AIDecisionDisplay     string    `json:"ai_decision_display"`
	FileSizeMB            float64   `json:"file_size_mb"`
	ProcessingTimeDisplay string    `json:"processing_time_display"`
	CanCancel             bool      `json:"can_cancel"`
	CanUndoCancellation   bool      `json:"can_undo_cancellation"`
	Activity              *Activity `json:"activity,omitempty"`
}

// Activity summarises the messages linked to a form as one viewer sees
// them. ConversationID is the conversation of the latest linked message.
type Activity struct {
	HasMessages    bool       `json:"has_messages"`
	HasDecision    bool       `json:"has_physician_decision"`
	UnreadCount    int        `json:"unread_count"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
}

func (f *Form) View() View {
	return View{
		Form:                  f,
		DisplayName:           f.DisplayName(),
		StatusDisplay:         f.Status.Label(),
		AIDecisionDisplay:     f.AIDecision.Label(),
		FileSizeMB:            f.FileSizeMB(),
		ProcessingTimeDisplay: f.ProcessingTimeDisplay(),
		CanCancel:             CanCancel(f),
		CanUndoCancellation:   CanUndoCancellation(f),
	}
}
