package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchsync/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"WATCHSYNC_CONFIG", "PORT", "WATCHSYNC_PORT", "WATCHSYNC_DB_DRIVER", "WATCHSYNC_DATABASE_URL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	for _, k := range models.AllKinds {
		assert.True(t, cfg.Arbitration.Enabled(k), "arbitration for %s", k)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watchsync.toml")
	body := `
port = "9000"
db_driver = "postgres"
database_url = "postgres://u:p@localhost/watchsync"

[arbitration]
favorites = false
status = true
reviews = true

[catalog]
"anime-1" = 12
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("WATCHSYNC_CONFIG", path)
	t.Setenv("PORT", "")
	t.Setenv("WATCHSYNC_PORT", "9100")
	t.Setenv("WATCHSYNC_ARBITRATE_STATUS", "off")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.False(t, cfg.Arbitration.Enabled(models.KindFavorite))
	assert.False(t, cfg.Arbitration.Enabled(models.KindStatus))
	assert.True(t, cfg.Arbitration.Enabled(models.KindEpisodeReview))
	assert.Equal(t, 12, cfg.Catalog["anime-1"])
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("WATCHSYNC_CONFIG", "")
	t.Setenv("WATCHSYNC_DB_DRIVER", "mysql")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadClientRemoteRequiresBaseURL(t *testing.T) {
	t.Setenv("WATCHSYNC_CLIENT_CONFIG", "")
	t.Setenv("WATCHSYNC_MODE", "remote")
	t.Setenv("WATCHSYNC_BASE_URL", "")
	_, err := LoadClient()
	require.Error(t, err)

	t.Setenv("WATCHSYNC_BASE_URL", "http://localhost:8090/")
	t.Setenv("WATCHSYNC_DEVICE_ID", "tv")
	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8090", cfg.BaseURL)
	assert.Equal(t, "tv", cfg.DeviceID)
	assert.Equal(t, "default", cfg.UserID)
	assert.Equal(t, 30, cfg.RequestTimeoutSec)
}
