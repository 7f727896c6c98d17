package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailrun.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
[campaign]
id = "spring-sale"
subject = "Hello {{.first_name}}"

[recipients]
source = "csv"
path = "recipients.csv"

[[senders]]
id = "s1"
address = "s1@example.com"
host = "smtp.example.com"
port = 587
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "spring-sale", cfg.Campaign.ID)
	require.Len(t, cfg.Senders, 1)
	assert.Equal(t, "smtp.example.com", cfg.Senders[0].Host)
	assert.Equal(t, 587, cfg.Senders[0].Port)

	// Omitted sections keep their defaults.
	assert.Equal(t, "balanced", cfg.Engine.Strategy)
	assert.Equal(t, 3, cfg.Engine.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.BaseDelay())
	assert.Equal(t, "file", cfg.Ledger.Backend)
	assert.Equal(t, "email", cfg.Recipients.EmailColumn)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
[engine]
strategy = "priority"
max_retries = 7
base_delay_sec = 0.5
cooldown_sec = 90

[global]
emails_per_minute = 100

[logging]
level = "debug"
format = "json"
`))
	require.NoError(t, err)

	assert.Equal(t, "priority", cfg.Engine.Strategy)
	assert.Equal(t, 7, cfg.Engine.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelay())
	assert.Equal(t, 90*time.Second, cfg.Cooldown())
	assert.Equal(t, 100, cfg.Global.EmailsPerMinute)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorIs(t, err, ErrConfig)
}

func TestSenderDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
[[senders]]
id = "s2"
address = "s2@example.com"
host = "smtp2.example.com"
gap_sec = 2.5
gap_jitter_sec = 1
`))
	require.NoError(t, err)
	require.Len(t, cfg.Senders, 2)
	assert.Equal(t, 2500*time.Millisecond, cfg.Senders[1].Gap())
	assert.Equal(t, time.Second, cfg.Senders[1].GapJitter())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Engine.Strategy = "round_robin" }},
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }},
		{"multiplier below one", func(c *Config) { c.Engine.BackoffMultiplier = 0.5 }},
		{"threshold above one", func(c *Config) { c.Engine.FailureThreshold = 1.5 }},
		{"no senders", func(c *Config) { c.Senders = nil }},
		{"duplicate sender ids", func(c *Config) {
			c.Senders = append(c.Senders, c.Senders[0])
		}},
		{"sender without address", func(c *Config) { c.Senders[0].Address = "" }},
		{"sender without host", func(c *Config) { c.Senders[0].Host = "" }},
		{"csv without path", func(c *Config) { c.Recipients.Path = "" }},
		{"db without dsn", func(c *Config) {
			c.Recipients.Source = "db"
			c.Recipients.Driver = "sqlite3"
		}},
		{"unknown ledger backend", func(c *Config) { c.Ledger.Backend = "dynamo" }},
		{"empty ledger path", func(c *Config) { c.Ledger.Path = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrConfig)
		})
	}
}

func TestValidateDryRunSkipsHostCheck(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	cfg.Senders[0].Host = ""
	cfg.Engine.DryRun = true
	assert.NoError(t, cfg.Validate())
}
