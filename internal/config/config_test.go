package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8083", cfg.HTTP.Port)
	assert.Equal(t, "grpc", cfg.Auth.Mode)
	assert.Equal(t, 30, cfg.Messaging.PageSize)
	assert.Equal(t, 80, cfg.Messaging.PreviewLength)
	assert.Equal(t, 5*time.Minute, cfg.Redis.TTL)
}

func TestLoadLegacyEnvNames(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DSN", "postgres://x@y/z")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.HTTP.Port)
	assert.Equal(t, "postgres://x@y/z", cfg.DB.DSN)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  mode: jwt\n  jwt_secret: file-secret\nmessaging:\n  page_size: 50\n"), 0o600))
	t.Setenv("MESSAGING_PAGE_SIZE", "20")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "jwt", cfg.Auth.Mode)
	assert.Equal(t, "file-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 20, cfg.Messaging.PageSize)
}

func TestValidateRejectsJWTWithoutSecret(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("AUTH_MODE", "jwt")

	_, err := Load("")
	require.Error(t, err)
}
