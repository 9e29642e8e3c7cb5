// Package api provides an HTTP client for the session API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/livesession/internal/domain"
)

// Client is an HTTP client for the session API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// ErrorResponse represents an error response from the server.
type ErrorResponse struct {
	Error string `json:"error"`
}

type endSessionRequest struct {
	SenderRole domain.Role `json:"sender_role,omitempty"`
	SenderID   string      `json:"sender_id,omitempty"`
}

// CreateSession calls POST /v1/sessions.
func (c *Client) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.Session, error) {
	var session domain.Session
	if err := c.write(ctx, "/v1/sessions", req, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession calls GET /v1/sessions/:session_id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	if err := c.get(ctx, sessionPath(sessionID, ""), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// EndSession calls POST /v1/sessions/:session_id/end.
func (c *Client) EndSession(ctx context.Context, sessionID string, role domain.Role, senderID string) (*domain.Session, error) {
	var session domain.Session
	if err := c.write(ctx, sessionPath(sessionID, "/end"), endSessionRequest{SenderRole: role, SenderID: senderID}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListMessages calls GET /v1/sessions/:session_id/messages.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.get(ctx, sessionPath(sessionID, "/messages"), &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// PostMessage calls POST /v1/sessions/:session_id/messages.
func (c *Client) PostMessage(ctx context.Context, sessionID string, req domain.PostMessageRequest) (*domain.Message, error) {
	var resp struct {
		Message domain.Message `json:"message"`
	}
	if err := c.write(ctx, sessionPath(sessionID, "/messages"), req, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

// ListFiles calls GET /v1/sessions/:session_id/files.
func (c *Client) ListFiles(ctx context.Context, sessionID string) ([]domain.FileAsset, error) {
	var resp struct {
		Files []domain.FileAsset `json:"files"`
	}
	if err := c.get(ctx, sessionPath(sessionID, "/files"), &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// UploadFile calls POST /v1/sessions/:session_id/files with a multipart body.
func (c *Client) UploadFile(ctx context.Context, sessionID string, req domain.UploadFileRequest) (*domain.FileAsset, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range map[string]string{
		"id":               req.ID,
		"uploaded_by_role": string(req.UploadedByRole),
		"uploaded_by_id":   req.UploadedByID,
	} {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to encode upload: %w", err)
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Name))
	contentType := req.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upload: %w", err)
	}
	if _, err := part.Write(req.Data); err != nil {
		return nil, fmt.Errorf("failed to encode upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode upload: %w", err)
	}

	var resp struct {
		File domain.FileAsset `json:"file"`
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "/files"), w.FormDataContentType(), &buf, &resp); err != nil {
		return nil, writeFailed(err)
	}
	return &resp.File, nil
}

// ListControlEvents calls GET /v1/sessions/:session_id/control?after_seq=N.
func (c *Client) ListControlEvents(ctx context.Context, sessionID string, afterSeq int64) ([]domain.ControlEvent, error) {
	var resp struct {
		Events []domain.ControlEvent `json:"events"`
	}
	path := sessionPath(sessionID, "/control") + "?after_seq=" + strconv.FormatInt(afterSeq, 10)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// PostControlEvent calls POST /v1/sessions/:session_id/control.
func (c *Client) PostControlEvent(ctx context.Context, sessionID string, ev domain.ControlEvent) (*domain.ControlEvent, error) {
	var resp struct {
		Event domain.ControlEvent `json:"event"`
	}
	if err := c.write(ctx, sessionPath(sessionID, "/control"), ev, &resp); err != nil {
		return nil, err
	}
	return &resp.Event, nil
}

// ListInvoices calls GET /v1/sessions/:session_id/invoices.
func (c *Client) ListInvoices(ctx context.Context, sessionID string) ([]domain.Invoice, error) {
	var resp struct {
		Invoices []domain.Invoice `json:"invoices"`
	}
	if err := c.get(ctx, sessionPath(sessionID, "/invoices"), &resp); err != nil {
		return nil, err
	}
	return resp.Invoices, nil
}

// SaveInvoice calls POST /v1/sessions/:session_id/invoices.
func (c *Client) SaveInvoice(ctx context.Context, sessionID string, inv domain.Invoice) (*domain.Invoice, error) {
	var resp struct {
		Invoice domain.Invoice `json:"invoice"`
	}
	if err := c.write(ctx, sessionPath(sessionID, "/invoices"), inv, &resp); err != nil {
		return nil, err
	}
	return &resp.Invoice, nil
}

func sessionPath(sessionID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(sessionID) + suffix
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, "", nil, out)
}

// write posts a JSON body. Any failure means the write is not known to have landed
// and is reported as domain.ErrStoreWriteFailed.
func (c *Client) write(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), out); err != nil {
		return writeFailed(err)
	}
	return nil
}

func writeFailed(err error) error {
	if errors.Is(err, domain.ErrStoreWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreWriteFailed, err)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call session api: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, respBody)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps an error response back onto the domain sentinels.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	var sentinel error
	switch status {
	case http.StatusNotFound:
		sentinel = domain.ErrSessionNotFound
	case http.StatusBadRequest:
		sentinel = domain.ErrValidation
	case http.StatusConflict:
		sentinel = domain.ErrSessionEnded
	case http.StatusUnprocessableEntity:
		sentinel = domain.ErrPolicyBlocked
	}
	if sentinel != nil {
		return fmt.Errorf("%w (status %d): %s", sentinel, status, msg)
	}
	return fmt.Errorf("session api error (status %d): %s", status, msg)
}
