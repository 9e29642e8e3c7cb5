package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/livesession/internal/blob"
	"github.com/xiaot623/livesession/internal/domain"
)

// PostMessage persists a chat message and announces it on the messages channel.
// Re-posting an id returns created=false without a second announcement.
func (s *Service) PostMessage(ctx context.Context, sessionID string, req domain.PostMessageRequest) (*domain.Message, bool, error) {
	ctx, span := s.tracer.Start(ctx, "PostMessage", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if strings.TrimSpace(req.Body) == "" {
		return nil, false, domain.Validationf("message body is empty")
	}
	if s.config.MaxMessageLength > 0 && utf8.RuneCountInString(req.Body) > s.config.MaxMessageLength {
		return nil, false, domain.Validationf("message longer than %d characters", s.config.MaxMessageLength)
	}
	if !req.SenderRole.Valid() {
		return nil, false, domain.Validationf("unknown sender_role %q", req.SenderRole)
	}
	if _, err := s.liveSession(ctx, sessionID); err != nil {
		return nil, false, err
	}

	id := req.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	msg := &domain.Message{
		ID:                id,
		SessionID:         sessionID,
		SenderRole:        req.SenderRole,
		SenderID:          req.SenderID,
		SenderDisplayName: req.SenderDisplayName,
		Body:              req.Body,
		CreatedAt:         s.now().UTC(),
	}
	created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}
	if !created {
		return msg, false, nil
	}

	s.counters.MessagesWritten.Add(ctx, 1)
	s.publish(sessionID, domain.ResourceMessages, msg.ID, domain.KindMessageCreated, msg)
	return msg, true, nil
}

// ListMessages returns a session's messages oldest first.
func (s *Service) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID)
}

// UploadFile stores the bytes, records the file and announces it on the files channel.
func (s *Service) UploadFile(ctx context.Context, sessionID string, req domain.UploadFileRequest) (*domain.FileAsset, bool, error) {
	ctx, span := s.tracer.Start(ctx, "UploadFile", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if strings.TrimSpace(req.Name) == "" {
		return nil, false, domain.Validationf("file name is required")
	}
	if len(req.Data) == 0 {
		return nil, false, domain.Validationf("file is empty")
	}
	if s.config.MaxUploadBytes > 0 && int64(len(req.Data)) > s.config.MaxUploadBytes {
		return nil, false, domain.Validationf("file larger than %d bytes", s.config.MaxUploadBytes)
	}
	if !req.UploadedByRole.Valid() {
		return nil, false, domain.Validationf("unknown uploaded_by_role %q", req.UploadedByRole)
	}
	if _, err := s.liveSession(ctx, sessionID); err != nil {
		return nil, false, err
	}
	if s.blobs == nil {
		return nil, false, fmt.Errorf("%w: no blob store configured", domain.ErrStoreWriteFailed)
	}

	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(req.Data)
	}
	ref, err := s.blobs.PutObject(ctx, blob.ObjectKey(sessionID, req.Name), req.Data, mimeType)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}

	id := req.ID
	if id == "" {
		id = "file_" + uuid.NewString()
	}
	file := &domain.FileAsset{
		ID:               id,
		SessionID:        sessionID,
		Name:             req.Name,
		MimeType:         mimeType,
		ByteSize:         int64(len(req.Data)),
		UploadedByRole:   req.UploadedByRole,
		UploadedByID:     req.UploadedByID,
		StorageReference: ref,
		CreatedAt:        s.now().UTC(),
	}
	created, err := s.store.CreateFile(ctx, file)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreWriteFailed, err)
	}
	file.URL = s.blobs.PublicURL(ref)
	if !created {
		return file, false, nil
	}

	s.publish(sessionID, domain.ResourceFiles, file.ID, domain.KindFileCreated, file)
	s.logger.Info("file uploaded", "session_id", sessionID, "file_id", file.ID, "bytes", file.ByteSize)
	return file, true, nil
}

// ListFiles returns a session's files newest first with download URLs filled in.
func (s *Service) ListFiles(ctx context.Context, sessionID string) ([]domain.FileAsset, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	files, err := s.store.ListFiles(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.blobs != nil {
		for i := range files {
			files[i].URL = s.blobs.PublicURL(files[i].StorageReference)
		}
	}
	return files, nil
}
