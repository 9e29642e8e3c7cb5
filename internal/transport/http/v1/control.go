package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/livesession/internal/domain"
)

// ListControlEvents returns the control log after the optional after_seq.
// GET /v1/sessions/:session_id/control
func (h *Handler) ListControlEvents(c echo.Context) error {
	var afterSeq int64
	if raw := c.QueryParam("after_seq"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return badRequest(c, "invalid after_seq")
		}
		afterSeq = v
	}

	events, err := h.service.ListControlEvents(c.Request().Context(), c.Param("session_id"), afterSeq)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// PostControlEvent appends a control event to the session's log.
// POST /v1/sessions/:session_id/control
func (h *Handler) PostControlEvent(c echo.Context) error {
	var ev domain.ControlEvent
	if err := c.Bind(&ev); err != nil {
		return badRequest(c, "invalid request body")
	}

	stored, created, err := h.service.PostControlEvent(c.Request().Context(), c.Param("session_id"), ev)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(writeStatus(created), map[string]interface{}{
		"event":   stored,
		"created": created,
	})
}
