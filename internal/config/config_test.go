package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LIVESESSION_CONFIG", "")
	t.Setenv("HTTP_PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 15, cfg.DueDays)
	assert.Equal(t, 4000, cfg.MaxMessageLength)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 200*time.Millisecond, cfg.FeedInitialInterval())

	tax, err := cfg.Tax()
	require.NoError(t, err)
	assert.Equal(t, "0.18", tax.String())
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "livesession.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: 9000\ntax_rate: \"0.05\"\ns3_bucket: media\npoll_interval_ms: 500\n"), 0o644))

	t.Setenv("LIVESESSION_CONFIG", path)
	t.Setenv("HTTP_PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, "0.05", cfg.TaxRate)
	assert.Equal(t, "media", cfg.S3Bucket)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval())
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("INVOICE_DUE_DAYS=30\n"), 0o644))
	t.Setenv("LIVESESSION_CONFIG", "")
	// Registered so the value godotenv sets is restored afterwards.
	t.Setenv("INVOICE_DUE_DAYS", "")
	os.Unsetenv("INVOICE_DUE_DAYS")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.DueDays)
}

func TestLoadRejectsBadTaxRate(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LIVESESSION_CONFIG", "")
	t.Setenv("TAX_RATE", "eighteen")

	_, err := Load()
	assert.Error(t, err)
}
