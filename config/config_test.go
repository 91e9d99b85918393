package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexclub/schedule-engine/config"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "dev", c.App.Env)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, 25, c.Billing.GenerateDay)
	assert.True(t, c.Scheduler.Enabled)
	assert.Equal(t, "1h", c.Scheduler.Interval)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flexclub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  env: prod
http:
  addr: ":7777"
billing:
  generate_day: 20
`), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "prod", c.App.Env)
	assert.Equal(t, ":7777", c.HTTP.Addr)
	assert.Equal(t, 20, c.Billing.GenerateDay)
	// Untouched keys keep their defaults.
	assert.Equal(t, "./data/flexclub.db", c.DB.Path)
}

func TestLoad_EnvOverride(t *testing.T) {
	// FLEXCLUB_HTTP_ADDR maps onto http.addr through the key replacer.
	t.Setenv("FLEXCLUB_HTTP_ADDR", ":9090")
	t.Setenv("FLEXCLUB_APP_ENV", "prod")

	c, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.HTTP.Addr)
	assert.Equal(t, "prod", c.App.Env)
}
