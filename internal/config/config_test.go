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
	path := filepath.Join(t.TempDir(), "funnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "funnel.db", cfg.Database.DSN)
	assert.Equal(t, "log", cfg.Bus.Backend)
	assert.Equal(t, "events", cfg.Bus.Topic)
	assert.Equal(t, 4, cfg.Bus.Partitions)
	assert.Equal(t, uint64(5), cfg.Bus.RetryAttempts)
	assert.Equal(t, 10*time.Second, cfg.Bus.RetryBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Runner.StageRetryAfter)
	assert.Equal(t, 2*time.Minute, cfg.Runner.StageTimeout)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.DB)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Bus)
	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.True(t, cfg.HTTP.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  dsn: postgres://svc:s3cret@db:5432/funnel
bus:
  backend: kafka
  brokers: [k1:9092]
  topic: funnel-events
runner:
  stage_poll_interval: 30s
  location: Europe/Moscow
sync:
  source_url: http://crm.local/api
  token: abc
  schedules:
    records: "*/10 * * * *"
    clients: "@hourly"
`)
	t.Setenv("FUNNEL_BUS_GROUP", "workers")
	t.Setenv("FUNNEL_RUNNER_COOLDOWN", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kafka", cfg.Bus.Backend)
	assert.Equal(t, []string{"k1:9092"}, cfg.Bus.Brokers)
	assert.Equal(t, "funnel-events", cfg.Bus.Topic)
	assert.Equal(t, "workers", cfg.Bus.Group, "env overrides defaults")
	assert.Equal(t, time.Minute, cfg.Runner.Cooldown)
	assert.Equal(t, 30*time.Second, cfg.Runner.StagePollInterval)
	assert.Equal(t, []string{"clients", "records"}, cfg.SyncKinds())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Moscow", loc.String())
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Bus.Backend = "kafka"
	cfg.Log.Format = "xml"
	cfg.Runner.Location = "Mars/Olympus"
	cfg.Sync.Schedules = map[string]string{"records": "@hourly"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"bus.brokers", "log.format", "runner.location", "sync.source_url"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestMasked(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = "postgres://svc:s3cret@db:5432/funnel"
	cfg.Sync.Token = "abc"

	masked := cfg.Masked()
	assert.NotContains(t, masked.Database.DSN, "s3cret")
	assert.Contains(t, masked.Database.DSN, "svc")
	assert.Equal(t, Hidden, masked.Sync.Token)
	assert.Equal(t, "abc", cfg.Sync.Token, "original untouched")

	cfg.Database.DSN = "/var/lib/funnel.db"
	assert.Equal(t, "/var/lib/funnel.db", cfg.Masked().Database.DSN)
}

func TestHidePasswords(t *testing.T) {
	env := map[string]string{
		"FUNNEL_DATABASE_DSN": "funnel.db",
		"DB_PASSWORD":         "x",
		"FUNNEL_SYNC_TOKEN":   "y",
		"AWS_ACCESS_KEY_ID":   "z",
		"client_secret":       "w",
		"HOME":                "/root",
	}
	got := HidePasswords(env)
	assert.Equal(t, map[string]string{
		"FUNNEL_DATABASE_DSN": "funnel.db",
		"DB_PASSWORD":         Hidden,
		"FUNNEL_SYNC_TOKEN":   Hidden,
		"AWS_ACCESS_KEY_ID":   Hidden,
		"client_secret":       Hidden,
		"HOME":                "/root",
	}, got)
	assert.Equal(t, "x", env["DB_PASSWORD"])
}

func TestEnviron(t *testing.T) {
	t.Setenv("FUNNEL_TEST_MARKER", "a=b")
	assert.Equal(t, "a=b", Environ()["FUNNEL_TEST_MARKER"])
}
