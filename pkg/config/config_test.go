package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeEnv(t, `
# credentials
refresh_token=tok-123
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "tok-123", cfg.Ring.RefreshToken)
	require.Equal(t, "captures", cfg.Storage.Root)
	require.Equal(t, 30*time.Minute, cfg.Capture.TicketCheckInterval)
	require.Equal(t, 30*time.Second, cfg.Capture.DingDuration)
	require.Equal(t, 20*time.Second, cfg.Capture.MotionDuration)
	require.Equal(t, 590*time.Second, cfg.Capture.MaxDuration)
}

func TestLoadOverrides(t *testing.T) {
	path := writeEnv(t, `
refresh_token=tok-123
region=eu
storage_root=/tmp/cam
sqlite_path=/tmp/cam/index.db
ticket_check_interval=900
ding_duration=45
api_listen=:8085
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "eu", cfg.Ring.Region)
	require.Equal(t, "/tmp/cam", cfg.Storage.Root)
	require.Equal(t, "/tmp/cam/index.db", cfg.Storage.SQLitePath)
	require.Equal(t, 15*time.Minute, cfg.Capture.TicketCheckInterval)
	require.Equal(t, 45*time.Second, cfg.Capture.DingDuration)
	require.Equal(t, ":8085", cfg.API.Listen)
}

func TestLoadURLEncodedValue(t *testing.T) {
	path := writeEnv(t, "refresh_token=abc%3D%3D\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "abc==", cfg.Ring.RefreshToken)
}

func TestLoadMissingToken(t *testing.T) {
	path := writeEnv(t, "region=eu\n")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "refresh_token")
}

func TestEnvOverride(t *testing.T) {
	path := writeEnv(t, "refresh_token=from-file\n")
	t.Setenv("RING_REFRESH_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Ring.RefreshToken)
}

func TestValidateMaxDurationCap(t *testing.T) {
	path := writeEnv(t, "refresh_token=tok\nmax_duration=900\n")

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "max_duration")
}
