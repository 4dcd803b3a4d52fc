package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
postgres:
  host: db
  database: dialer
webhook:
  signing_secret: from-file
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Dispatch.MaxLaunchesPerTick)
	assert.Equal(t, 10, cfg.Dispatch.ProviderCeiling)
	assert.Equal(t, 2, cfg.Dispatch.SafetyBuffer)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second, 10 * time.Second}, cfg.Dispatch.RetryDelays)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.StaleTimeout)
	assert.Equal(t, "X-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, "vapi", cfg.Provider.Name)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("OUTBOUND_WEBHOOK_SIGNING_SECRET", "from-env")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Webhook.SigningSecret)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, `
postgres:
  host: db
  database: dialer
provider:
  name: carrier-pigeon
webhook:
  signing_secret: s
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: invalid")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
