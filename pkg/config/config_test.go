package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_MissingFileGivesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Signald.Sockets, cfg.Signald.Sockets)
	assert.Equal(t, 10, cfg.Bus.Capacity)
	assert.Equal(t, Duration(0), cfg.Signald.RequestTimeout)
	assert.False(t, cfg.Decoder.NotifySync)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"signald": {"sockets": ["/tmp/a.sock"], "request_timeout": "30s"},
		"bus": {"capacity": 4},
		"decoder": {"ordered": true}
	}`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/tmp/a.sock"}, cfg.Signald.Sockets)
	assert.Equal(t, 30*time.Second, cfg.Signald.RequestTimeout.Std())
	assert.Equal(t, 4, cfg.Bus.Capacity)
	assert.True(t, cfg.Decoder.Ordered)
	assert.Equal(t, 8, cfg.Decoder.Workers)
	assert.Equal(t, "sigdesk", cfg.Signald.DeviceName)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bus": {"capacity": 4}}`), 0o600))

	t.Setenv("SIGDESK_BUS_CAPACITY", "16")
	t.Setenv("SIGDESK_SIGNALD_SOCKETS", "/x.sock,/y.sock")
	t.Setenv("SIGDESK_SIGNALD_REQUEST_TIMEOUT", "2m")
	t.Setenv("SIGDESK_DECODER_NOTIFY_SYNC", "true")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Bus.Capacity)
	assert.Equal(t, []string{"/x.sock", "/y.sock"}, cfg.Signald.Sockets)
	assert.Equal(t, 2*time.Minute, cfg.Signald.RequestTimeout.Std())
	assert.True(t, cfg.Decoder.NotifySync)
}

func TestLoadConfig_DatabaseURL(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "sqlite:///var/lib/sigdesk/db.sqlite")

	cfg, err := LoadConfig(filepath.Join(dir, "none.json"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sigdesk/db.sqlite", cfg.Store.Path)

	t.Setenv("SIGDESK_STORE_PATH", "/explicit.db")
	cfg, err = LoadConfig(filepath.Join(dir, "none.json"))
	require.NoError(t, err)
	assert.Equal(t, "/explicit.db", cfg.Store.Path)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bus": {"capacity": 0}, "log": {"format": "xml"}, "signald": {"request_rate": -1}}`), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.capacity")
	assert.Contains(t, err.Error(), "log.format")
	assert.Contains(t, err.Error(), "signald.request_rate")

	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate_EmptySockets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Signald.Sockets = nil
	assert.ErrorContains(t, cfg.Validate(), "signald.sockets")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := DefaultConfig()
	cfg.Signald.RequestTimeout = Duration(45 * time.Second)
	cfg.Metrics.Enabled = true

	require.NoError(t, SaveConfig(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "45s", generic["signald"]["request_timeout"])

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Signald.RequestTimeout, loaded.Signald.RequestTimeout)
	assert.True(t, loaded.Metrics.Enabled)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SIGDESK_TEST_DOTENV=from-file\nSIGDESK_TEST_PRESET=from-file\n"), 0o600))

	t.Setenv("SIGDESK_TEST_PRESET", "from-env")
	t.Setenv("SIGDESK_TEST_DOTENV", "")
	os.Unsetenv("SIGDESK_TEST_DOTENV")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("SIGDESK_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("SIGDESK_TEST_PRESET"))
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "x.db"), expandHome("~/x.db"))
	assert.Equal(t, "/abs", expandHome("/abs"))
	assert.Equal(t, "", expandHome(""))
	assert.Equal(t, home, expandHome("~"))
	assert.Equal(t, "~bob/x.db", expandHome("~bob/x.db"))
	assert.Equal(t, "relative/~/x.db", expandHome("relative/~/x.db"))
}
