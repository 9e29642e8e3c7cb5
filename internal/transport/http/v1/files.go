package v1

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/livesession/internal/domain"
)

// ListFiles returns a session's files newest first.
// GET /v1/sessions/:session_id/files
func (h *Handler) ListFiles(c echo.Context) error {
	files, err := h.service.ListFiles(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"files": files,
	})
}

// UploadFile accepts a multipart upload with a "file" part and the form fields
// id, uploaded_by_role and uploaded_by_id.
// POST /v1/sessions/:session_id/files
func (h *Handler) UploadFile(c echo.Context) error {
	header, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "file is required")
	}
	src, err := header.Open()
	if err != nil {
		return badRequest(c, "unreadable file")
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return badRequest(c, "unreadable file")
	}

	req := domain.UploadFileRequest{
		ID:             c.FormValue("id"),
		Name:           header.Filename,
		MimeType:       header.Header.Get(echo.HeaderContentType),
		UploadedByRole: domain.Role(c.FormValue("uploaded_by_role")),
		UploadedByID:   c.FormValue("uploaded_by_id"),
		Data:           data,
	}
	if req.MimeType == echo.MIMEOctetStream {
		req.MimeType = ""
	}

	file, created, err := h.service.UploadFile(c.Request().Context(), c.Param("session_id"), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(writeStatus(created), map[string]interface{}{
		"file":    file,
		"created": created,
	})
}
