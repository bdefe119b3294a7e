package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/intakedesk/intake/internal/domain/account"
	"github.com/intakedesk/intake/internal/platform/apperr"
	"github.com/intakedesk/intake/internal/platform/blobstore"
	"github.com/intakedesk/intake/internal/platform/events"
)

const physicianStatusDenied = "Permission denied. Physicians must request status changes via Messages."

// ReversionNotifier tells the screening physicians that an administrator
// sent a decided form back to pending. Implementations handle their own
// failures; the status change has already been saved when it runs.
type ReversionNotifier interface {
	NotifyReversion(ctx context.Context, f *Form, old Status, admin *account.User)
}

type Service struct {
	forms     Repository
	files     blobstore.Store
	events    events.Publisher
	notifier  ReversionNotifier
	logger    zerolog.Logger
	maxUpload int64
	now       func() time.Time
}

func NewService(forms Repository, files blobstore.Store, pub events.Publisher, logger zerolog.Logger, maxUpload int64) *Service {
	if maxUpload <= 0 {
		maxUpload = blobstore.DefaultMaxFileSize
	}
	return &Service{
		forms:     forms,
		files:     files,
		events:    pub,
		logger:    logger.With().Str("component", "intake").Logger(),
		maxUpload: maxUpload,
		now:       time.Now,
	}
}

// SetReversionNotifier installs the notifier. It is set after construction
// because the notifier sits on top of messaging, which in turn reaches back
// into this service to apply decisions.
func (s *Service) SetReversionNotifier(n ReversionNotifier) {
	s.notifier = n
}

func requireAdmin(actor *account.User, msg string) error {
	if actor == nil || !actor.Role.IsAdministrator() {
		return apperr.PermissionDenied("%s", msg)
	}
	return nil
}

// UploadInput is a validated-on-entry form upload.
type UploadInput struct {
	FileName    string
	Size        int64
	PatientName string
	Content     io.Reader
}

// Upload stores the file and creates a pending form for it.
func (s *Service) Upload(ctx context.Context, actor *account.User, in UploadInput) (*Form, error) {
	if err := blobstore.ValidateUpload(in.FileName, in.Size, s.maxUpload); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	contentType, _ := blobstore.ContentTypeFor(in.FileName)

	key := blobstore.NewKey(in.FileName, s.now())
	obj, err := s.files.Put(ctx, key, contentType, in.Content)
	if err != nil {
		return nil, fmt.Errorf("store file: %w", err)
	}

	feedback := DefaultAIFeedback
	f := &Form{
		FileKey:    key,
		FileName:   in.FileName,
		FileSize:   obj.Size,
		Status:     StatusPending,
		AIDecision: AIAnalyzing,
		AIFeedback: &feedback,
	}
	if name := strings.TrimSpace(in.PatientName); name != "" {
		f.PatientName = &name
	}
	if actor != nil {
		id := actor.ID
		f.UploadedBy = &id
	}

	if err := s.forms.Create(ctx, f); err != nil {
		if derr := s.files.Delete(ctx, key); derr != nil {
			s.logger.Warn().Err(derr).Str("file_key", key).Msg("orphaned upload not removed")
		}
		return nil, fmt.Errorf("create form: %w", err)
	}

	s.publish(ctx, f, events.FormUploaded, "", actor)
	return f, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Form, error) {
	return s.forms.GetByID(ctx, id)
}

// List returns forms visible to actor. Physicians only ever see the
// pending queue.
func (s *Service) List(ctx context.Context, actor *account.User, filter ListFilter, limit, offset int) ([]*Form, int, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, apperr.Validation("unknown status %q", filter.Status)
	}
	if actor != nil && actor.Role.IsScreeningPhysician() {
		filter.Status = StatusPending
	}
	return s.forms.List(ctx, filter, limit, offset)
}

// Activity returns the message activity of forms for an administrator.
// Other roles get nil.
func (s *Service) Activity(ctx context.Context, actor *account.User, forms []*Form) (map[uuid.UUID]Activity, error) {
	if actor == nil || !actor.Role.IsAdministrator() || len(forms) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(forms))
	for i, f := range forms {
		ids[i] = f.ID
	}
	activity, err := s.forms.Activity(ctx, ids, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("form activity: %w", err)
	}
	return activity, nil
}

// StatusCounts reports how many forms sit in each status.
func (s *Service) StatusCounts(ctx context.Context) (map[Status]int, error) {
	return s.forms.CountByStatus(ctx)
}

// UpdateStatus is the administrator's direct status edit. Moving a decided
// form back to pending notifies the physicians.
func (s *Service) UpdateStatus(ctx context.Context, actor *account.User, id uuid.UUID, next Status) (*Form, error) {
	if !IsAdminTarget(next) {
		return nil, apperr.Validation("Invalid status")
	}
	if err := requireAdmin(actor, physicianStatusDenied); err != nil {
		return nil, err
	}

	f, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	old, err := SetStatus(f, next)
	if err != nil {
		return nil, err
	}
	if err := s.forms.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("update form status: %w", err)
	}

	s.logger.Info().
		Str("form_id", f.ID.String()).
		Str("from", string(old)).
		Str("to", string(next)).
		Str("actor", actor.Username).
		Msg("form status updated")
	s.publish(ctx, f, events.FormStatusChanged, old, actor)

	if IsReversion(old, next) && s.notifier != nil {
		s.notifier.NotifyReversion(ctx, f, old, actor)
	}
	return f, nil
}

// ApplyDecision records a physician decision extracted from a message. It
// does not check roles; callers establish that the sender may decide.
func (s *Service) ApplyDecision(ctx context.Context, id uuid.UUID, decision Status) (*Form, error) {
	f, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	old, err := ApplyDecision(f, decision)
	if err != nil {
		return nil, err
	}
	if err := s.forms.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("apply decision: %w", err)
	}
	s.logger.Info().
		Str("form_id", f.ID.String()).
		Str("from", string(old)).
		Str("to", string(decision)).
		Msg("physician decision applied")
	s.publish(ctx, f, events.FormDecisionApplied, old, nil)
	return f, nil
}

func (s *Service) Cancel(ctx context.Context, actor *account.User, id uuid.UUID) (*Form, error) {
	if err := requireAdmin(actor, "Permission denied. Only administrators can cancel forms."); err != nil {
		return nil, err
	}
	f, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	old := f.Status
	if err := Cancel(f); err != nil {
		return nil, err
	}
	if err := s.forms.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("cancel form: %w", err)
	}
	s.publish(ctx, f, events.FormCancelled, old, actor)
	return f, nil
}

func (s *Service) UndoCancellation(ctx context.Context, actor *account.User, id uuid.UUID) (*Form, error) {
	if err := requireAdmin(actor, "Permission denied. Only administrators can undo cancellations."); err != nil {
		return nil, err
	}
	f, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := UndoCancellation(f); err != nil {
		return nil, err
	}
	if err := s.forms.Update(ctx, f); err != nil {
		return nil, fmt.Errorf("undo cancellation: %w", err)
	}
	s.publish(ctx, f, events.FormCancellationUndone, StatusCancelled, actor)
	return f, nil
}

// Delete removes the form record, then its file. A file that cannot be
// removed is logged and left behind.
func (s *Service) Delete(ctx context.Context, actor *account.User, id uuid.UUID) (*Form, error) {
	if err := requireAdmin(actor, "Permission denied. Only administrators can delete forms."); err != nil {
		return nil, err
	}
	f, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.forms.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("delete form: %w", err)
	}
	if err := s.files.Delete(ctx, f.FileKey); err != nil {
		s.logger.Warn().Err(err).Str("form_id", f.ID.String()).Str("file_key", f.FileKey).Msg("stored file not removed")
	}
	s.publish(ctx, f, events.FormDeleted, f.Status, actor)
	return f, nil
}

// OpenFile returns the stored document for a form. The caller closes it.
func (s *Service) OpenFile(ctx context.Context, id uuid.UUID) (*Form, io.ReadCloser, *blobstore.Object, error) {
	f, err := s.forms.GetByID(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	rc, obj, err := s.files.Get(ctx, f.FileKey)
	if err != nil {
		if errors.Is(err, blobstore.ErrObjectNotFound) {
			return nil, nil, nil, apperr.NotFound("No file found for this form")
		}
		return nil, nil, nil, fmt.Errorf("open form file: %w", err)
	}
	return f, rc, obj, nil
}

func (s *Service) publish(ctx context.Context, f *Form, t events.Type, from Status, actor *account.User) {
	if s.events == nil {
		return
	}
	e := events.NewEvent(t, f.ID)
	e.Status = string(f.Status)
	e.FromStatus = string(from)
	if actor != nil {
		id := actor.ID
		e.ActorID = &id
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("form_id", f.ID.String()).Str("event", string(t)).Msg("form event not published")
	}
}
