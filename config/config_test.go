package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "OK", cfg.Quota.StatusSuccess)
	assert.Equal(t, "REJECT Unknown user", cfg.Quota.StatusNoUser)
	assert.Equal(t, "+", cfg.Quota.RecipientDelimiter)
	assert.True(t, cfg.Servers.Policy.Start)
	assert.Equal(t, ":12340", cfg.Servers.Policy.Addr)
}

func TestDefaultQueryTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	timeout, err := cfg.Database.GetQueryTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)
}

func TestLoadConfigFromFile(t *testing.T) {
	content := `
[logging]
level = "debug"

[database]
query_timeout = "5s"

[database.write]
hosts = ["db1.internal"]
port = 6432
user = "quota"
name = "mail"

[servers.policy]
addr = ":10993"
max_connections = 50

[quota]
recipient_delimiter = "-"
quota_status_overquota = "552 5.2.2 Mailbox full"
max_message_size = 52428800
`
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"db1.internal"}, cfg.Database.Write.Hosts)
	assert.Equal(t, ":10993", cfg.Servers.Policy.Addr)
	assert.Equal(t, 50, cfg.Servers.Policy.MaxConnections)
	assert.Equal(t, "-", cfg.Quota.RecipientDelimiter)
	assert.Equal(t, "552 5.2.2 Mailbox full", cfg.Quota.StatusOverQuota)
	assert.Equal(t, int64(52428800), cfg.Quota.MaxMessageSize)

	timeout, err := cfg.Database.GetQueryTimeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)

	// Defaults survive where the file is silent
	assert.Equal(t, "OK", cfg.Quota.StatusSuccess)
}

func TestListenAddrs(t *testing.T) {
	p := PolicyServerConfig{Addr: ":12340"}
	assert.Equal(t, []string{":12340"}, p.ListenAddrs())

	p.Addrs = []string{"127.0.0.1:12340", "[::1]:12340"}
	assert.Equal(t, p.Addrs, p.ListenAddrs())

	assert.Nil(t, (&PolicyServerConfig{}).ListenAddrs())
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
	assert.True(t, os.IsNotExist(err))
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing policy addr", func(c *Config) { c.Servers.Policy.Addr = "" }},
		{"http enabled without addr", func(c *Config) { c.Servers.HTTP.Start = true; c.Servers.HTTP.Addr = "" }},
		{"missing write db", func(c *Config) { c.Database.Write = nil }},
		{"no write hosts", func(c *Config) { c.Database.Write.Hosts = nil }},
		{"bad query timeout", func(c *Config) { c.Database.QueryTimeout = "soon" }},
		{"multi-char delimiter", func(c *Config) { c.Quota.RecipientDelimiter = "--" }},
		{"negative max message size", func(c *Config) { c.Quota.MaxMessageSize = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
