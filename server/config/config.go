// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the fluentpostd server daemon configuration,
// loaded from TOML.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress  = ":24224"
	defaultLogLevel = "NOTICE"
)

// Server is the daemon configuration section.
type Server struct {
	// Address is the forward protocol listen endpoint.
	Address string

	// MetricsAddress, when set, serves Prometheus metrics over HTTP.
	MetricsAddress string

	// LogFile logs to a file instead of stderr.
	LogFile string

	// LogLevel is one of ERROR, WARNING, NOTICE, INFO, DEBUG.
	LogLevel string

	// DisableKeepalive closes each producer connection after one batch.
	DisableKeepalive bool
}

func (s *Server) fixup() {
	if s.Address == "" {
		s.Address = defaultAddress
	}
	if s.LogLevel == "" {
		s.LogLevel = defaultLogLevel
	}
}

// Security is the optional handshake section; its presence demands the
// handshake from every producer.
type Security struct {
	// ServerHostname is the collector name bound into the PONG digest.
	ServerHostname string

	// SharedKey authenticates both sides.
	SharedKey string

	// Users, when non-empty, additionally demands per-user credentials.
	Users map[string]string
}

func (s *Security) validate() error {
	if s.ServerHostname == "" {
		return fmt.Errorf("config: Security: ServerHostname is required")
	}
	if s.SharedKey == "" {
		return fmt.Errorf("config: Security: SharedKey is required")
	}
	return nil
}

// Config is the top level daemon configuration.
type Config struct {
	Server   *Server
	Security *Security
}

// FixupAndValidate applies defaults and checks the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Server == nil {
		c.Server = &Server{}
	}
	c.Server.fixup()
	if c.Security != nil {
		if err := c.Security.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates a TOML configuration.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates a TOML configuration file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
