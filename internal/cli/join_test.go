package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/livesession/internal/domain"
	"github.com/xiaot623/livesession/internal/panel"
	"github.com/xiaot623/livesession/internal/session"
)

type fakeView struct {
	sent       []string
	uploads    []string
	mimes      []string
	paused     bool
	rate       decimal.Decimal
	multiplier decimal.Decimal
	ended      bool
	invoice    *panel.InvoiceResult
}

func (f *fakeView) SendMessage(ctx context.Context, body string) (string, error) {
	f.sent = append(f.sent, body)
	return "msg_1", nil
}

func (f *fakeView) UploadFile(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	f.uploads = append(f.uploads, name)
	f.mimes = append(f.mimes, mimeType)
	return "file_1", nil
}

func (f *fakeView) Pause(ctx context.Context) error {
	if f.paused {
		return domain.ErrInvalidTransition
	}
	f.paused = true
	return nil
}

func (f *fakeView) Resume(ctx context.Context) error {
	if !f.paused {
		return domain.ErrInvalidTransition
	}
	f.paused = false
	return nil
}

func (f *fakeView) ChangeRate(ctx context.Context, rate decimal.Decimal) error {
	f.rate = rate
	return nil
}

func (f *fakeView) ChangeMultiplier(ctx context.Context, m decimal.Decimal) error {
	f.multiplier = m
	return nil
}

func (f *fakeView) EndSession(ctx context.Context) error {
	f.ended = true
	return nil
}

func (f *fakeView) GenerateInvoice(ctx context.Context) (*panel.InvoiceResult, error) {
	return f.invoice, nil
}

func (f *fakeView) State() session.Snapshot {
	state := session.StateRunning
	if f.paused {
		state = session.StatePaused
	}
	return session.Snapshot{
		State:          state,
		Elapsed:        61 * time.Second,
		ElapsedSeconds: 61,
		RatePerMinute:  decimal.RequireFromString("2"),
		Multiplier:     decimal.NewFromInt(1),
	}
}

func (f *fakeView) Degraded() bool { return false }

func TestRunCommandChatAndControls(t *testing.T) {
	ctx := context.Background()
	v := &fakeView{}
	var out bytes.Buffer

	quit, err := runCommand(ctx, v, "  hello there ", &out)
	require.NoError(t, err)
	assert.False(t, quit)
	assert.Equal(t, []string{"hello there"}, v.sent)

	_, err = runCommand(ctx, v, "/pause", &out)
	require.NoError(t, err)
	assert.True(t, v.paused)

	_, err = runCommand(ctx, v, "/pause", &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "already paused")

	_, err = runCommand(ctx, v, "/rate 3.50", &out)
	require.NoError(t, err)
	assert.True(t, v.rate.Equal(decimal.RequireFromString("3.5")))

	_, err = runCommand(ctx, v, "/multiplier x", &out)
	assert.Error(t, err)

	_, err = runCommand(ctx, v, "/end", &out)
	require.NoError(t, err)
	assert.True(t, v.ended)

	_, err = runCommand(ctx, v, "/bogus", &out)
	assert.Error(t, err)

	quit, err = runCommand(ctx, v, "/quit", &out)
	require.NoError(t, err)
	assert.True(t, quit)
}

func TestRunCommandUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))

	v := &fakeView{}
	_, err := runCommand(context.Background(), v, "/upload "+path, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, []string{"scan.png"}, v.uploads)
	assert.Equal(t, "image/png", v.mimes[0])

	_, err = runCommand(context.Background(), v, "/upload", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRunCommandInvoiceNotRecorded(t *testing.T) {
	v := &fakeView{invoice: &panel.InvoiceResult{
		Document: []byte("INVOICE\n"),
		SaveErr:  domain.ErrStoreWriteFailed,
	}}
	var out bytes.Buffer
	_, err := runCommand(context.Background(), v, "/invoice", &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "INVOICE")
	assert.Contains(t, out.String(), "not recorded")
}

func TestStatusLine(t *testing.T) {
	var out bytes.Buffer
	printStatus(&out, &fakeView{})
	assert.Contains(t, out.String(), "[running]")
	assert.Contains(t, out.String(), "2 billed min")
}

func TestFeedURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", feedURL("http://localhost:8080/"))
	assert.Equal(t, "wss://example.com/ws", feedURL("https://example.com"))
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["create"])
	assert.True(t, names["join"])
}
