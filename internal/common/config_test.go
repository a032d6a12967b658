package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Database.DSN = "file:faxrelay.db"
	cfg.Storage.MasterKey = testMasterKey
	cfg.Extraction.APIKey = "sk-test"
	cfg.Auth.JWTSecret = strings.Repeat("s", 32)
	return cfg
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, ":8080", cfg.Server.GRPCAddr)
	assert.Equal(t, 0.85, cfg.Gate.Threshold)
	assert.Equal(t, 3, cfg.Transmit.MaxRetryCycles)
	assert.Equal(t, "simulated", cfg.Transmit.Carrier)
	assert.Equal(t, int64(20<<20), cfg.Storage.MaxDocumentBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.Inbox.Debounce)
	assert.Equal(t, "memory", cfg.Pipeline.Locker)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faxrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: sqlite
  dsn: file:from-file.db
storage:
  master_key: `+testMasterKey+`
  previous_keys: ["1:`+testMasterKey+`"]
  master_key_version: 2
  retention: 720h
gate:
  threshold: 0.9
  required_fields:
    otc_fax_form: [member_id]
transmit:
  max_retry_cycles: 5
`), 0o600))
	t.Setenv("FAXRELAY_DATABASE_DSN", "file:from-env.db")
	t.Setenv("FAXRELAY_AUTH_JWT_SECRET", strings.Repeat("x", 32))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "file:from-env.db", cfg.Database.DSN)
	assert.Equal(t, 2, cfg.Storage.MasterKeyVersion)
	assert.Equal(t, []string{"1:" + testMasterKey}, cfg.Storage.PreviousKeys)
	assert.Equal(t, 720*time.Hour, cfg.Storage.Retention)
	assert.Equal(t, 0.9, cfg.Gate.Threshold)
	assert.Equal(t, []string{"member_id"}, cfg.Gate.RequiredFields["otc_fax_form"])
	assert.Equal(t, 5, cfg.Transmit.MaxRetryCycles)
	assert.Equal(t, strings.Repeat("x", 32), cfg.Auth.JWTSecret)

	key, err := cfg.MasterKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, "CONFIG_ERROR", Kind(err))
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig(t).Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"short master key", func(c *Config) { c.Storage.MasterKey = "abcd" }, "32 bytes"},
		{"non-hex master key", func(c *Config) { c.Storage.MasterKey = "zz" }, "hex"},
		{"threshold zero", func(c *Config) { c.Gate.Threshold = 0 }, "gate.threshold"},
		{"threshold above one", func(c *Config) { c.Gate.Threshold = 1.5 }, "gate.threshold"},
		{"openai without key", func(c *Config) { c.Extraction.APIKey = "" }, "extraction.api_key"},
		{"unknown provider", func(c *Config) { c.Extraction.Provider = "bard" }, "extraction.provider"},
		{"http carrier without url", func(c *Config) { c.Transmit.Carrier = "http" }, "transmit.base_url"},
		{"unknown carrier", func(c *Config) { c.Transmit.Carrier = "pigeon" }, "transmit.carrier"},
		{"pg locker on sqlite", func(c *Config) { c.Pipeline.Locker = "postgres" }, "pipeline.locker"},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"inbox without destination", func(c *Config) { c.Inbox.Dirs = []string{"/tmp/in"} }, "inbox.destination"},
		{"no jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }, "auth.jwt_secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig(t)
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("manual provider needs no key", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Extraction.Provider = "manual"
		cfg.Extraction.APIKey = ""
		assert.NoError(t, cfg.Validate())
	})
}
