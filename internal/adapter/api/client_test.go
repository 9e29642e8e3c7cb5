package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/livesession/internal/blob"
	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/policy"
	"github.com/xiaot623/livesession/internal/service"
	httpserver "github.com/xiaot623/livesession/internal/transport/http"
	"github.com/xiaot623/livesession/tests/helpers"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	db := helpers.NewMemoryStore(t)
	dir := t.TempDir()
	blobs, err := blob.NewDirStore(dir, "http://localhost/blobs")
	require.NoError(t, err)
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy, 3)
	require.NoError(t, err)
	svc := service.New(db, blobs, nil, engine, service.Config{MaxMessageLength: 100, MaxUploadBytes: 1024}, nil)

	srv := httptest.NewServer(httpserver.NewServer(svc, nil, httpserver.Options{BlobDir: dir}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	session, err := client.CreateSession(ctx, domain.CreateSessionRequest{
		SessionID:     "s1",
		ProviderName:  "Dr. Rao",
		CustomerName:  "Acme",
		RatePerMinute: decimal.RequireFromString("2.00"),
		Multiplier:    decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", session.SessionID)

	got, err := client.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Multiplier.Equal(decimal.RequireFromString("1.5")))

	msg, err := client.PostMessage(ctx, "s1", domain.PostMessageRequest{ID: "m1", SenderRole: domain.RoleCustomer, SenderID: "c1", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)

	messages, err := client.ListMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, messages, 1)

	file, err := client.UploadFile(ctx, "s1", domain.UploadFileRequest{
		ID:             "f1",
		Name:           "notes.txt",
		MimeType:       "text/plain",
		UploadedByRole: domain.RoleProvider,
		UploadedByID:   "p1",
		Data:           []byte("notes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", file.MimeType)

	files, err := client.ListFiles(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, files, 1)

	rate := decimal.RequireFromString("3")
	ev, err := client.PostControlEvent(ctx, "s1", domain.ControlEvent{EventID: "e1", Kind: domain.ControlRateChanged, NewRate: &rate})
	require.NoError(t, err)
	assert.NotZero(t, ev.Seq)

	events, err := client.ListControlEvents(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	events, err = client.ListControlEvents(ctx, "s1", ev.Seq)
	require.NoError(t, err)
	assert.Empty(t, events)

	ended, err := client.EndSession(ctx, "s1", domain.RoleProvider, "p1")
	require.NoError(t, err)
	assert.True(t, ended.Ended())
}

func TestClientErrorMapping(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.NotErrorIs(t, err, domain.ErrStoreWriteFailed)

	_, err = client.PostMessage(ctx, "missing", domain.PostMessageRequest{SenderRole: domain.RoleCustomer, Body: "x"})
	assert.ErrorIs(t, err, domain.ErrStoreWriteFailed)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	_, err = client.CreateSession(ctx, domain.CreateSessionRequest{SessionID: "s1", ProviderName: "a", CustomerName: "b"})
	require.NoError(t, err)
	high := decimal.RequireFromString("10")
	_, err = client.PostControlEvent(ctx, "s1", domain.ControlEvent{Kind: domain.ControlMultiplierChanged, NewMultiplier: &high})
	assert.ErrorIs(t, err, domain.ErrStoreWriteFailed)
	assert.ErrorIs(t, err, domain.ErrPolicyBlocked)
}

func TestClientTransportFailureIsWriteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":"database is locked"}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, time.Second)
	_, err := client.PostMessage(context.Background(), "s1", domain.PostMessageRequest{Body: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreWriteFailed)
	assert.Contains(t, err.Error(), "database is locked")
}
