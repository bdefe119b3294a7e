package messaging

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/intakedesk/intake/internal/platform/apperr"
	"github.com/intakedesk/intake/internal/platform/auth"
	"github.com/intakedesk/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the messaging endpoints. Membership and ownership
// checks happen in the service.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireUser())
	g.GET("/conversations", h.ListConversations)
	g.POST("/conversations", h.StartConversation)
	g.GET("/conversations/:id", h.GetConversation)
	g.DELETE("/conversations/:id", h.DeleteConversation)
	g.POST("/conversations/:id/messages", h.SendMessage)
	g.POST("/conversations/:id/read", h.MarkRead)
	g.DELETE("/messages/:id", h.DeleteMessage)
	g.GET("/users/search", h.SearchUsers)
}

func httpError(err error) error {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListConversations(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	inbox, err := h.svc.Inbox(ctx, auth.UserFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(inbox.Conversations, inbox.Total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path)
	return c.JSON(http.StatusOK, struct {
		*pagination.Response
		TotalUnread int `json:"total_unread"`
	}{resp, inbox.TotalUnread})
}

type startRequest struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Decision string `json:"decision"`
}

func (h *Handler) StartConversation(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	decision, err := ParseDecision(req.Decision)
	if err != nil {
		return httpError(err)
	}
	ctx := c.Request().Context()
	conv, msg, err := h.svc.StartConversation(ctx, auth.UserFromContext(ctx), req.Username, req.Message, decision)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, struct {
		*Conversation
		Message *Message `json:"message,omitempty"`
	}{conv, msg})
}

func (h *Handler) GetConversation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	d, err := h.svc.Detail(ctx, id, auth.UserFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *Handler) SendMessage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	m, err := h.svc.Send(ctx, id, auth.UserFromContext(ctx), req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.MarkRead(ctx, id, auth.UserFromContext(ctx)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteConversation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteConversation(ctx, id, auth.UserFromContext(ctx)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteMessage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.DeleteMessage(ctx, id, auth.UserFromContext(ctx)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type userResult struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	FullName string    `json:"full_name"`
}

// SearchUsers backs recipient autocomplete.
func (h *Handler) SearchUsers(c echo.Context) error {
	ctx := c.Request().Context()
	users, err := h.svc.SearchRecipients(ctx, auth.UserFromContext(ctx), c.QueryParam("q"))
	if err != nil {
		return httpError(err)
	}
	out := make([]userResult, 0, len(users))
	for _, u := range users {
		out = append(out, userResult{ID: u.ID, Username: u.Username, FullName: u.DisplayName()})
	}
	return c.JSON(http.StatusOK, map[string][]userResult{"users": out})
}
