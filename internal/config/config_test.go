package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
environment:
  mode: paper
server:
  addr: ":8080"
database:
  url: postgres://gateway:pw@localhost:5432/gateway
`

func TestLoadMinimalFillsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.True(t, cfg.IsPaperTrading())
	assert.False(t, cfg.MLEnabled())
	assert.False(t, cfg.RedisEnabled())
	assert.Equal(t, 45*time.Second, cfg.WorkerInterval())
	assert.Equal(t, 2*time.Second, cfg.ReversalSettleDelay())
	assert.True(t, cfg.DefaultPositionSizeUSD().IsPositive())
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("GATEWAY_DB_URL", "postgres://u:p@db:5432/gw")
	t.Setenv("ML_API_KEY", "k-from-env")

	cfg, err := Load(writeConfig(t, `
environment:
  mode: live
server:
  addr: ":9000"
database:
  url: ${GATEWAY_DB_URL}
ml:
  base_url: https://ml.internal
  llm_base_url: https://llm.internal
  api_key: ${ML_API_KEY}
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/gw", cfg.Database.URL)
	assert.Equal(t, "k-from-env", cfg.ML.APIKey)
	assert.True(t, cfg.MLEnabled())
	assert.False(t, cfg.IsPaperTrading())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+"\nwebhok:\n  addr: oops\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoadInvalidPath(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad mode": `
environment:
  mode: dry-run
database:
  url: postgres://x
`,
		"missing database": `
environment:
  mode: paper
`,
		"ml without key": `
environment:
  mode: paper
database:
  url: postgres://x
ml:
  base_url: https://ml.internal
`,
		"bad worker interval": `
environment:
  mode: paper
database:
  url: postgres://x
worker:
  interval: soon
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}
