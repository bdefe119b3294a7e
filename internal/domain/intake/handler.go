package intake

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/intakedesk/intake/internal/platform/apperr"
	"github.com/intakedesk/intake/internal/platform/auth"
	"github.com/intakedesk/intake/pkg/pagination"
)

type Handler struct {
	svc    *Service
	logger zerolog.Logger
}

func NewHandler(svc *Service, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes mounts the form endpoints. Role rules for mutations are
// enforced by the service so that refusals keep the form response shape.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/forms", auth.RequireUser())
	g.GET("", h.ListForms)
	g.POST("", h.UploadForm)
	g.GET("/:id", h.GetForm)
	g.DELETE("/:id", h.DeleteForm)
	g.GET("/:id/file", h.DownloadFile)
	g.POST("/:id/status", h.UpdateStatus)
	g.POST("/:id/cancel", h.CancelForm)
	g.POST("/:id/undo-cancellation", h.UndoCancellation)
}

// ActionResponse is the body of every form mutation.
type ActionResponse struct {
	Success       bool       `json:"success"`
	Message       string     `json:"message,omitempty"`
	NewStatus     Status     `json:"new_status,omitempty"`
	StatusDisplay string     `json:"status_display,omitempty"`
	FileID        *uuid.UUID `json:"file_id,omitempty"`
	Form          *View      `json:"form,omitempty"`
	Error         string     `json:"error,omitempty"`
}

type listResponse struct {
	*pagination.Response
	Counts map[Status]int `json:"counts,omitempty"`
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		rid, _ := c.Get("request_id").(string)
		h.logger.Error().Err(err).Str("request_id", rid).Str("path", c.Path()).Msg("form request failed")
		msg = "internal server error"
	}
	return c.JSON(status, ActionResponse{Success: false, Error: msg})
}

func (h *Handler) formID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid form id")
	}
	return id, nil
}

func statusResponse(f *Form, msg string) ActionResponse {
	return ActionResponse{
		Success:       true,
		Message:       msg,
		NewStatus:     f.Status,
		StatusDisplay: f.Status.Label(),
	}
}

func (h *Handler) ListForms(c echo.Context) error {
	ctx := c.Request().Context()
	actor := auth.UserFromContext(ctx)
	pg := pagination.FromContext(c)

	filter := ListFilter{
		Search:      c.QueryParam("search"),
		OldestFirst: c.QueryParam("sort") == "asc",
	}
	if s := c.QueryParam("status"); s != "" && s != "all" {
		filter.Status = Status(s)
	}

	items, total, err := h.svc.List(ctx, actor, filter, pg.Limit, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}
	activity, err := h.svc.Activity(ctx, actor, items)
	if err != nil {
		return h.fail(c, err)
	}
	views := make([]View, 0, len(items))
	for _, f := range items {
		v := f.View()
		if activity != nil {
			a := activity[f.ID]
			v.Activity = &a
		}
		views = append(views, v)
	}

	resp := listResponse{Response: pagination.NewResponse(views, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path)}
	if actor != nil && actor.Role.IsAdministrator() {
		counts, err := h.svc.StatusCounts(ctx)
		if err != nil {
			return h.fail(c, err)
		}
		resp.Counts = counts
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetForm(c echo.Context) error {
	id, err := h.formID(c)
	if err != nil {
		return h.fail(c, err)
	}
	f, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, f.View())
}

func (h *Handler) UploadForm(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return h.fail(c, apperr.Validation("No file provided"))
	}
	src, err := fh.Open()
	if err != nil {
		return h.fail(c, fmt.Errorf("open upload: %w", err))
	}
	defer src.Close()

	ctx := c.Request().Context()
	f, err := h.svc.Upload(ctx, auth.UserFromContext(ctx), UploadInput{
		FileName:    fh.Filename,
		Size:        fh.Size,
		PatientName: c.FormValue("patient_name"),
		Content:     src,
	})
	if err != nil {
		return h.fail(c, err)
	}
	v := f.View()
	return c.JSON(http.StatusCreated, ActionResponse{
		Success: true,
		Message: fmt.Sprintf("File %q uploaded successfully!", fh.Filename),
		FileID:  &f.ID,
		Form:    &v,
	})
}

type statusRequest struct {
	Status Status `json:"status"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	id, err := h.formID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return h.fail(c, apperr.Validation("Invalid JSON data"))
	}
	ctx := c.Request().Context()
	f, err := h.svc.UpdateStatus(ctx, auth.UserFromContext(ctx), id, req.Status)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, statusResponse(f, fmt.Sprintf("Form status updated to %s", f.Status)))
}

func (h *Handler) CancelForm(c echo.Context) error {
	id, err := h.formID(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Request().Context()
	f, err := h.svc.Cancel(ctx, auth.UserFromContext(ctx), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, statusResponse(f, fmt.Sprintf("Form for %s cancelled", f.DisplayName())))
}

func (h *Handler) UndoCancellation(c echo.Context) error {
	id, err := h.formID(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Request().Context()
	f, err := h.svc.UndoCancellation(ctx, auth.UserFromContext(ctx), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, statusResponse(f, fmt.Sprintf("Cancellation undone, status restored to %s", f.Status.Label())))
}

func (h *Handler) DeleteForm(c echo.Context) error {
	id, err := h.formID(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx := c.Request().Context()
	f, err := h.svc.Delete(ctx, auth.UserFromContext(ctx), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, ActionResponse{
		Success: true,
		Message: fmt.Sprintf("Patient form for %s has been successfully deleted.", f.DisplayName()),
	})
}

func (h *Handler) DownloadFile(c echo.Context) error {
	id, err := h.formID(c)
	if err != nil {
		return h.fail(c, err)
	}
	f, rc, obj, err := h.svc.OpenFile(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", f.FileName))
	contentType := obj.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, contentType, rc)
}
