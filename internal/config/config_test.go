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

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Printers.CommandInterval)
	assert.Equal(t, 5*time.Minute, cfg.Extraction.Timeout)
	assert.Equal(t, 2, cfg.Policy.SpeedCap)
	assert.Len(t, cfg.Policy.OperatingHours, 2)
	require.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8081
printers:
  devices:
    - title: "Bambu P1S #1"
      host: bambu1.example.org
      password: secret
      serial: 01P00A000000001
policy:
  operating_hours:
    3:
      start: "11:30"
      end: "22:00"
  always_active: true
extraction:
  workers: 4
  retry_after: 90s
access:
  users:
    33-00000529fc15: alice
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8081, cfg.Server.Port)
	require.Len(t, cfg.Printers.Devices, 1)
	d := cfg.Printers.Devices[0]
	assert.Equal(t, "bblp", d.Username)
	assert.Equal(t, 8883, d.MQTTPort)
	assert.Equal(t, 990, d.FTPPort)

	assert.Equal(t, map[int]WindowConfig{3: {Start: "11:30", End: "22:00"}}, cfg.Policy.OperatingHours)
	assert.True(t, cfg.Policy.AlwaysActive)
	assert.Equal(t, 4, cfg.Extraction.Workers)
	assert.Equal(t, 90*time.Second, cfg.Extraction.RetryAfter)
	assert.Equal(t, "alice", cfg.Access.Users["33-00000529fc15"])
	assert.Equal(t, "DJO", cfg.Access.DefaultUsername)
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unterminated"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PRINTMANAGER_PORT", "9000")
	t.Setenv("PRINTMANAGER_DB_PATH", "/tmp/pm.db")
	t.Setenv("PRINTMANAGER_DEBUG", "true")
	t.Setenv("PRINTMANAGER_TOKEN_SECRET", "s3cret")

	cfg := LoadFromEnv(nil)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/pm.db", cfg.Database.Path)
	assert.True(t, cfg.Policy.AlwaysActive)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "s3cret", cfg.Access.TokenSecret)
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("19:00")
	require.NoError(t, err)
	assert.Equal(t, 1140, m)

	m, err = ParseClock(" 09:30 ")
	require.NoError(t, err)
	assert.Equal(t, 570, m)

	for _, bad := range []string{"", "1900", "24:00", "12:60", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"db path", func(c *Config) { c.Database.Path = "" }},
		{"printer host", func(c *Config) {
			c.Printers.Devices = []PrinterConfig{{Serial: "A"}}
		}},
		{"printer serial", func(c *Config) {
			c.Printers.Devices = []PrinterConfig{{Host: "h"}}
		}},
		{"duplicate serial", func(c *Config) {
			c.Printers.Devices = []PrinterConfig{{Host: "a", Serial: "S"}, {Host: "b", Serial: "S"}}
		}},
		{"weekday", func(c *Config) { c.Policy.OperatingHours[0] = WindowConfig{Start: "10:00", End: "11:00"} }},
		{"window order", func(c *Config) { c.Policy.OperatingHours[1] = WindowConfig{Start: "12:00", End: "11:00"} }},
		{"window clock", func(c *Config) { c.Policy.OperatingHours[1] = WindowConfig{Start: "noon", End: "11:00"} }},
		{"speed cap", func(c *Config) { c.Policy.SpeedCap = 0 }},
		{"workers", func(c *Config) { c.Extraction.Workers = 0 }},
		{"timeout", func(c *Config) { c.Extraction.Timeout = 0 }},
		{"payment host", func(c *Config) { c.Payment.Enabled = true }},
		{"token ttl", func(c *Config) { c.Access.TokenTTL = 0 }},
		{"log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
