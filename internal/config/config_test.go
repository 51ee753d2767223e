package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/evhub/internal/errs"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":5000", cfg.WS.Listen)
	require.Equal(t, "/events", cfg.WS.Path)
	require.Equal(t, 10*time.Second, cfg.Auth.Timeout)
	require.Equal(t, "evhub_events", cfg.Notify.Channel)

	require.ErrorIs(t, cfg.Validate(), errs.ErrMissingSetting)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evhub.yaml")
	content := `
ws:
  listen: ":7000"
  queue: 16
db:
  dsn: "postgres://file"
auth:
  key: "aa"
  timeout: "3s"
alert:
  smtp: "relay:25"
  from: "evhub@example.com"
  to: "a@example.com, b@example.com"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("EVHUB_DB_DSN", "postgres://env")
	t.Setenv("EVHUB_WS_ORIGINS", "https://app.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.WS.Listen)
	require.Equal(t, 16, cfg.WS.Queue)
	require.Equal(t, "/events", cfg.WS.Path, "untouched keys keep defaults")
	require.Equal(t, "postgres://env", cfg.DB.DSN, "env wins over file")
	require.Equal(t, 3*time.Second, cfg.Auth.Timeout)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Alert.Recipients())
	require.Equal(t, []string{"https://app.example.com"}, cfg.WS.AllowedOrigins())
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.DB.DSN = "postgres://x"
	base.Auth.Key = "aa"
	require.NoError(t, base.Validate())

	c := base
	c.DB.DSN = ""
	require.ErrorIs(t, c.Validate(), errs.ErrMissingSetting)
	require.ErrorContains(t, c.Validate(), "db.dsn")

	c = base
	c.Auth.Key = ""
	require.ErrorContains(t, c.Validate(), "auth.key")

	c = base
	c.WS.Queue = 0
	require.Error(t, c.Validate())

	c = base
	c.Alert.SMTP = "relay:25"
	require.ErrorIs(t, c.Validate(), errs.ErrMissingSetting)
}
