// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

// Package config loads service configuration from a YAML file with
// command-line flag overrides.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Database      DatabaseConfig      `koanf:"database"`
	Session       SessionConfig       `koanf:"session"`
	Reset         ResetConfig         `koanf:"reset"`
	Mail          MailConfig          `koanf:"mail"`
	Log           LogConfig           `koanf:"log"`
}

// ServerConfig configures the public HTTP API.
type ServerConfig struct {
	Addr           string   `koanf:"addr"`
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// ObservabilityConfig configures the metrics and health endpoint server.
type ObservabilityConfig struct {
	Addr string `koanf:"addr"`
}

// DatabaseConfig configures the PostgreSQL connection.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// SessionConfig configures session token issuance.
type SessionConfig struct {
	Secret string        `koanf:"secret"`
	TTL    time.Duration `koanf:"ttl"`
}

// ResetConfig configures the password reset flow.
type ResetConfig struct {
	// LinkBase is the client-side page the mailed reset link points at.
	LinkBase    string        `koanf:"link_base"`
	MailTimeout time.Duration `koanf:"mail_timeout"`
}

// MailConfig configures outbound mail delivery. Mode "log" writes messages
// to the log; mode "http" delivers through the configured API.
type MailConfig struct {
	Mode     string `koanf:"mode"`
	Endpoint string `koanf:"endpoint"`
	APIKey   string `koanf:"api_key"`
	From     string `koanf:"from"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Default returns the configuration defaults. Secrets and the database URL
// have no defaults and must come from the file or flags.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Observability: ObservabilityConfig{
			Addr: "127.0.0.1:9100",
		},
		Session: SessionConfig{
			TTL: time.Hour,
		},
		Reset: ResetConfig{
			MailTimeout: 15 * time.Second,
		},
		Mail: MailConfig{
			Mode: "log",
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

// Load reads configuration from the YAML file at path (skipped when empty)
// and applies flag overrides. Flag names mirror config keys with dots, e.g.
// --server.addr overrides server.addr.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").
				With("operation", "apply flag overrides").
				Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_PARSE_FAILED").Wrap(err)
	}

	return cfg, nil
}

// Validate checks the invariants a running service depends on.
func (c Config) Validate() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database.url is required")
	}
	if len(c.Session.Secret) < 32 {
		return oops.Code("CONFIG_INVALID").Errorf("session.secret must be at least 32 bytes")
	}
	if c.Session.TTL <= 0 {
		return oops.Code("CONFIG_INVALID").Errorf("session.ttl must be positive")
	}
	if c.Reset.LinkBase == "" {
		return oops.Code("CONFIG_INVALID").Errorf("reset.link_base is required")
	}
	switch c.Mail.Mode {
	case "log":
	case "http":
		if c.Mail.Endpoint == "" || c.Mail.APIKey == "" || c.Mail.From == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("mail.endpoint, mail.api_key and mail.from are required when mail.mode is http")
		}
	default:
		return oops.Code("CONFIG_INVALID").Errorf("mail.mode must be log or http, got %q", c.Mail.Mode)
	}
	return nil
}
