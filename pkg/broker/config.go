// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import (
	"fmt"
	"time"
)

// Config defines the registry's server set.
type Config struct {
	// Servers maps server name to its connection configuration.
	Servers map[string]ServerConfig `yaml:"servers" json:"servers"`

	// ClientInfo is sent to every server during the handshake.
	ClientInfo ClientInfo `yaml:"client_info" json:"client_info"`
}

// ServerConfig defines one tool server.
type ServerConfig struct {
	// Enabled indicates whether this server should be connected at start.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Transport specifies the transport type ("stdio" or "sse").
	Transport string `yaml:"transport" json:"transport"`

	// Command is the executable to run for stdio transport.
	Command string `yaml:"command" json:"command"`

	// Args are the command-line arguments for the command.
	Args []string `yaml:"args" json:"args"`

	// Env are environment variables to set for the subprocess.
	Env map[string]string `yaml:"env" json:"env"`

	// URL is the server base URL (for sse transport).
	URL string `yaml:"url" json:"url"`

	// Headers are sent with every request (for sse transport).
	Headers map[string]string `yaml:"headers" json:"headers"`

	// Require lists capability names this server must advertise.
	Require []string `yaml:"require" json:"require"`

	// Timeout bounds each request on this connection (e.g. "30s").
	Timeout string `yaml:"timeout" json:"timeout"`

	// QueueCapacity bounds the notification queue.
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`

	// Reconnect tunes the backoff loop after a transport drop.
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
}

// ReconnectConfig tunes the backoff loop.
type ReconnectConfig struct {
	// Base is the first delay; it doubles per attempt (e.g. "1s").
	Base string `yaml:"base" json:"base"`

	// Max caps the delay (e.g. "30s").
	Max string `yaml:"max" json:"max"`

	// Attempts bounds how many redials happen before the connection
	// is declared dead.
	Attempts int `yaml:"attempts" json:"attempts"`
}

// ClientInfo identifies this hub to servers.
type ClientInfo struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for name, server := range c.Servers {
		if err := server.Validate(); err != nil {
			return fmt.Errorf("server %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks one server's configuration.
func (s *ServerConfig) Validate() error {
	if !s.Enabled {
		return nil
	}

	if s.Transport == "" {
		s.Transport = "stdio"
	}

	switch s.Transport {
	case "stdio":
		if s.Command == "" {
			return fmt.Errorf("command required for stdio transport")
		}
	case "sse", "http":
		if s.URL == "" {
			return fmt.Errorf("url required for sse transport")
		}
	default:
		return fmt.Errorf("invalid transport: %s (must be 'stdio' or 'sse')", s.Transport)
	}

	if s.Timeout != "" {
		if _, err := time.ParseDuration(s.Timeout); err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
	}
	if s.Reconnect.Base != "" {
		if _, err := time.ParseDuration(s.Reconnect.Base); err != nil {
			return fmt.Errorf("invalid reconnect.base: %w", err)
		}
	}
	if s.Reconnect.Max != "" {
		if _, err := time.ParseDuration(s.Reconnect.Max); err != nil {
			return fmt.Errorf("invalid reconnect.max: %w", err)
		}
	}
	if s.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect.attempts must be >= 0")
	}

	return nil
}

// DefaultConfig returns an empty registry configuration.
func DefaultConfig() Config {
	return Config{
		Servers: make(map[string]ServerConfig),
		ClientInfo: ClientInfo{
			Name:    "heddle",
			Version: "0.1.0",
		},
	}
}
