package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/livesession/internal/domain"
)

// ListMessages returns a session's messages oldest first.
// GET /v1/sessions/:session_id/messages
func (h *Handler) ListMessages(c echo.Context) error {
	messages, err := h.service.ListMessages(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// PostMessage writes a chat message.
// POST /v1/sessions/:session_id/messages
func (h *Handler) PostMessage(c echo.Context) error {
	var req domain.PostMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	msg, created, err := h.service.PostMessage(c.Request().Context(), c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(writeStatus(created), map[string]interface{}{
		"message": msg,
		"created": created,
	})
}
