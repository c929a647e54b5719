package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 120*time.Second, cfg.Lifecycle.ReconcileInterval)
	assert.Equal(t, 10, cfg.Lifecycle.ReconnectMaxAttempts)
	assert.Equal(t, WebhookAtMostOnce, cfg.Webhook.Mode)
	assert.Equal(t, "ffmpeg", cfg.Transcode.FFmpegPath)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "WARN", cfg.Log.WhatsAppLevel)
	assert.False(t, cfg.Backend.InsecureSkipVerify)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("API_URL", "https://backend.example/api/")
	t.Setenv("WEBHOOK_MODE", "AT-LEAST-ONCE")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("TRANSCODE_CONCURRENCY", "0")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, "https://backend.example/api", cfg.Backend.URL)
	assert.Equal(t, WebhookAtLeastOnce, cfg.Webhook.Mode)
	assert.Equal(t, 30*time.Second, cfg.Lifecycle.ReconcileInterval)
	assert.Equal(t, 1, cfg.Transcode.Concurrency, "non-positive concurrency is clamped")
}

func TestLoadFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "8081")
	flags := NewFlagSet("test")
	require.NoError(t, flags.Parse([]string{"--port=9090", "--print-qr"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.WhatsApp.PrintQR)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SEND_BURST=9\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SEND_BURST") })

	flags := NewFlagSet("test")
	require.NoError(t, flags.Parse([]string{"--env-file=" + path}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Send.Burst)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PORT":                 "70000",
		"WEBHOOK_MODE":         "exactly-once",
		"WEBHOOK_QUEUE_SIZE":   "0",
		"LOG_FORMAT":           "xml",
		"SEND_RATE":            "0",
		"RECIPIENT_CACHE_SIZE": "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}
