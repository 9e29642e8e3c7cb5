// Package v1 provides the HTTP handlers of the session API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions/:session_id", h.GetSession)
	e.POST("/v1/sessions/:session_id/end", h.EndSession)

	e.GET("/v1/sessions/:session_id/messages", h.ListMessages)
	e.POST("/v1/sessions/:session_id/messages", h.PostMessage)

	e.GET("/v1/sessions/:session_id/files", h.ListFiles)
	e.POST("/v1/sessions/:session_id/files", h.UploadFile)

	e.GET("/v1/sessions/:session_id/control", h.ListControlEvents)
	e.POST("/v1/sessions/:session_id/control", h.PostControlEvent)

	e.GET("/v1/sessions/:session_id/invoices", h.ListInvoices)
	e.POST("/v1/sessions/:session_id/invoices", h.SaveInvoice)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrPolicyBlocked):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSessionEnded):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

// writeStatus is 201 for a new record and 200 for a repeated write.
func writeStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}
