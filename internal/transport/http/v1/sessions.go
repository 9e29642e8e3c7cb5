package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/livesession/internal/domain"
)

// EndSessionRequest names who ended the session.
type EndSessionRequest struct {
	SenderRole domain.Role `json:"sender_role,omitempty"`
	SenderID   string      `json:"sender_id,omitempty"`
}

// CreateSession opens a session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req domain.CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	session, err := h.service.CreateSession(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, session)
}

// GetSession returns a session record.
// GET /v1/sessions/:session_id
func (h *Handler) GetSession(c echo.Context) error {
	session, err := h.service.GetSession(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// EndSession ends a session. Repeating it is harmless.
// POST /v1/sessions/:session_id/end
func (h *Handler) EndSession(c echo.Context) error {
	var req EndSessionRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	session, err := h.service.EndSession(c.Request().Context(), c.Param("session_id"), req.SenderRole, req.SenderID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}
