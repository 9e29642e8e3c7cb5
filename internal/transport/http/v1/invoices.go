package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/livesession/internal/domain"
)

// ListInvoices returns a session's invoices.
// GET /v1/sessions/:session_id/invoices
func (h *Handler) ListInvoices(c echo.Context) error {
	invoices, err := h.service.ListInvoices(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"invoices": invoices,
	})
}

// SaveInvoice records a computed invoice.
// POST /v1/sessions/:session_id/invoices
func (h *Handler) SaveInvoice(c echo.Context) error {
	var inv domain.Invoice
	if err := c.Bind(&inv); err != nil {
		return badRequest(c, "invalid request body")
	}

	stored, created, err := h.service.SaveInvoice(c.Request().Context(), c.Param("session_id"), inv)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(writeStatus(created), map[string]interface{}{
		"invoice": stored,
		"created": created,
	})
}
