// Package config loads server settings from a YAML file and the
// environment. Environment variables use the CLASSMON_ prefix with
// sections separated by underscores, e.g. CLASSMON_SERVER_TCP_PORT.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kkyr/fig"
)

const EnvPrefix = "CLASSMON"

// Config is the full server configuration.
type Config struct {
	Server    Server    `fig:"server"`
	Database  Database  `fig:"database"`
	Handshake Handshake `fig:"handshake"`
	Debug     bool      `fig:"debug"`
}

// Server holds the listener addresses and connection timeouts.
type Server struct {
	Host         string        `fig:"host" default:"127.0.0.1"`
	TCPPort      int           `fig:"tcp_port" default:"8000"`
	HTTPPort     int           `fig:"http_port" default:"8080"`
	WriteTimeout time.Duration `fig:"write_timeout" default:"5s"`
	ReadTimeout  time.Duration `fig:"read_timeout" default:"0s"`
}

// Database points at the SQLite user store.
type Database struct {
	Path string `fig:"path" default:"classmon.db"`
}

// Handshake bounds the two-hop flows between teacher and student.
type Handshake struct {
	PendingTTL time.Duration `fig:"pending_ttl" default:"10s"`
}

// Load reads configuration from the given file path, falling back to
// defaults and environment variables when path is empty.
func Load(path string) (*Config, error) {
	var cfg Config
	opts := []fig.Option{fig.UseEnv(EnvPrefix)}
	if path == "" {
		opts = append(opts, fig.IgnoreFile())
	} else {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		opts = append(opts, fig.File(filepath.Base(path)), fig.Dirs(filepath.Dir(path)))
	}
	if err := fig.Load(&cfg, opts...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server host must not be empty")
	}
	if c.Server.TCPPort <= 0 || c.Server.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp port %d", c.Server.TCPPort)
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.HTTPPort)
	}
	if c.Server.TCPPort == c.Server.HTTPPort {
		return fmt.Errorf("tcp and http ports collide on %d", c.Server.TCPPort)
	}
	if c.Server.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	if c.Database.Path == "" {
		return errors.New("database path must not be empty")
	}
	if c.Handshake.PendingTTL <= 0 {
		return errors.New("handshake pending ttl must be positive")
	}
	return nil
}

// TCPAddr returns the plain socket listener address.
func (c *Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.TCPPort)
}

// HTTPAddr returns the websocket listener address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}
