// Package config holds the TOML configuration for the quota policy server.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/migadu/quotastatus/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseEndpointConfig holds configuration for a single database endpoint
type DatabaseEndpointConfig struct {
	// List of database hosts. A single hostname is the common case; multiple
	// hosts are useful for read replica load balancing.
	Hosts           []string    `toml:"hosts"`
	Port            interface{} `toml:"port"` // Database port (default: "5432"), can be string or integer
	User            string      `toml:"user"`
	Password        string      `toml:"password"`
	Name            string      `toml:"name"`
	TLSMode         bool        `toml:"tls"`
	MaxConns        int         `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int         `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string      `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string      `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints
type DatabaseConfig struct {
	Debug        bool                    `toml:"debug"`         // Enable SQL query logging
	QueryTimeout string                  `toml:"query_timeout"` // Timeout for individual lookup queries (default: "30s")
	Write        *DatabaseEndpointConfig `toml:"write"`         // Write database configuration
	Read         *DatabaseEndpointConfig `toml:"read"`          // Read database configuration (can have multiple hosts)
}

// GetQueryTimeout parses the query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// PolicyServerConfig holds configuration for the policy listeners
type PolicyServerConfig struct {
	Start          bool     `toml:"start"`           // Whether to start the policy server
	Name           string   `toml:"name"`            // Server instance name used in logs
	Addr           string   `toml:"addr"`            // Listen address
	Addrs          []string `toml:"addrs"`           // Additional listen addresses; overrides addr when set
	MaxConnections int      `toml:"max_connections"` // Maximum concurrent client connections per listener (0 = unlimited)
}

// ListenAddrs returns every address the policy server should bind.
func (p *PolicyServerConfig) ListenAddrs() []string {
	if len(p.Addrs) > 0 {
		return p.Addrs
	}
	if p.Addr != "" {
		return []string{p.Addr}
	}
	return nil
}

// HTTPServerConfig holds configuration for the health/metrics HTTP endpoint
type HTTPServerConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
}

// ServersConfig groups all server listeners
type ServersConfig struct {
	Debug  bool               `toml:"debug"`
	Policy PolicyServerConfig `toml:"policy"`
	HTTP   HTTPServerConfig   `toml:"http"`
}

// QuotaConfig holds the policy decision configuration surface.
//
// The status replies are the process-wide defaults; each account may carry
// its own overrides in the database, which take precedence.
type QuotaConfig struct {
	RecipientDelimiter string `toml:"recipient_delimiter"` // Sub-addressing delimiter, e.g. "+"
	StatusSuccess      string `toml:"quota_status_success"`
	StatusTooLarge     string `toml:"quota_status_toolarge"`
	StatusOverQuota    string `toml:"quota_status_overquota"`
	StatusNoUser       string `toml:"quota_status_nouser"`
	MaxMessageSize     int64  `toml:"max_message_size"` // Per-message size ceiling in bytes (0 = unlimited)
}

type Config struct {
	Logging  LoggingConfig  `toml:"logging"`
	Database DatabaseConfig `toml:"database"`
	Servers  ServersConfig  `toml:"servers"`
	Quota    QuotaConfig    `toml:"quota"`
}

// NewDefaultConfig returns the application defaults, later overridden by the
// TOML file and command-line flags.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			QueryTimeout: "30s",
			Write: &DatabaseEndpointConfig{
				Hosts:           []string{"localhost"},
				Port:            "5432",
				User:            "postgres",
				Password:        "",
				Name:            "quotastatus_db",
				TLSMode:         false,
				MaxConns:        20,
				MinConns:        2,
				MaxConnLifetime: "1h",
				MaxConnIdleTime: "30m",
			},
		},
		Servers: ServersConfig{
			Policy: PolicyServerConfig{
				Start:          true,
				Name:           "policy0",
				Addr:           ":12340",
				MaxConnections: 200,
			},
			HTTP: HTTPServerConfig{
				Start: false,
				Addr:  ":9090",
			},
		},
		Quota: QuotaConfig{
			RecipientDelimiter: "+",
			StatusSuccess:      "OK",
			StatusNoUser:       "REJECT Unknown user",
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file over the defaults
// already present in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("error parsing configuration file '%s': %w", configPath, err)
	}
	return nil
}

// Validate checks the configuration for fatal inconsistencies. The process
// refuses to start on a validation error rather than run with ambiguous
// policy.
func (c *Config) Validate() error {
	if c.Servers.Policy.Start && len(c.Servers.Policy.ListenAddrs()) == 0 {
		return fmt.Errorf("servers.policy.addr must be set when the policy server is enabled")
	}
	if c.Servers.HTTP.Start && c.Servers.HTTP.Addr == "" {
		return fmt.Errorf("servers.http.addr must be set when the HTTP server is enabled")
	}
	if c.Database.Write == nil {
		return fmt.Errorf("database.write configuration is required")
	}
	if len(c.Database.Write.Hosts) == 0 {
		return fmt.Errorf("database.write.hosts must contain at least one host")
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("invalid database.query_timeout: %w", err)
	}
	if len(c.Quota.RecipientDelimiter) > 1 {
		return fmt.Errorf("quota.recipient_delimiter must be a single character or empty")
	}
	if c.Quota.MaxMessageSize < 0 {
		return fmt.Errorf("quota.max_message_size must not be negative")
	}
	return nil
}
