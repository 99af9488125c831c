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

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: memory
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Actor.MaxConcurrency)
	assert.Equal(t, 15*time.Second, cfg.Actor.PollIntervalDuration())
	assert.Equal(t, time.Hour, cfg.Actor.MaxWaitDuration())
	assert.Equal(t, 5, cfg.Actor.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Actor.RetryDelayDuration())
	assert.Equal(t, 8192, cfg.Ballot.CacheSize)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("STORE_DRIVER", "REDIS")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	path := writeConfig(t, `
server:
  port: 8000
actor:
  max_concurrency: 16
ballot:
  entries:
    sp1:
      probability: 0.25
      per_day: 24
    risc0:
      probability: 0.5
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 16, cfg.Actor.MaxConcurrency)
	assert.Equal(t, uint64(24), cfg.Ballot.Entries["sp1"].PerDay)
	assert.InDelta(t, 0.5, cfg.Ballot.Entries["risc0"].Probability, 1e-9)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"unknown driver":        func(c *Config) { c.Store.Driver = "sqlite" },
		"zero concurrency":      func(c *Config) { c.Actor.MaxConcurrency = 0 },
		"probability above one": func(c *Config) { c.Ballot.Entries["sp1"] = BallotEntry{Probability: 1.5} },
		"probability sum": func(c *Config) {
			c.Ballot.Entries["sp1"] = BallotEntry{Probability: 0.6}
			c.Ballot.Entries["risc0"] = BallotEntry{Probability: 0.6}
		},
		"redis without url":     func(c *Config) { c.Store.Driver = "redis" },
		"autoscale without url": func(c *Config) { c.Autoscale.Enabled = true },
		"negative retries":      func(c *Config) { c.Actor.MaxRetries = -1 },
		"postgres without dsn":  func(c *Config) { c.Store.Driver = "postgres" },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mut(c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
