// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/checkpoint"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/observability"
	"github.com/kadirpekel/covenant/pkg/promise"
)

// EnvStoreRoot is the environment variable naming the store root
// directory. It is the only environment contract the core requires.
const EnvStoreRoot = "COVENANT_STORE_ROOT"

// Config is the root configuration.
type Config struct {
	Logging       LoggingConfig           `yaml:"logging"`
	Store         StoreConfig             `yaml:"store"`
	Server        ServerConfig            `yaml:"server"`
	Checkpoint    checkpoint.Config       `yaml:"checkpoint"`
	Willingness   promise.EvaluatorConfig `yaml:"willingness"`
	Observability observability.Config    `yaml:"observability"`
	Relay         *events.RelayConfig     `yaml:"relay,omitempty"`

	// Bounds is the default root context for intents that do not declare
	// their own.
	Bounds *bounds.Bounds `yaml:"bounds,omitempty"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend"`

	// Path of the sqlite database. Defaults under the store root.
	Path string `yaml:"path"`

	// KeyPath of the hex-encoded signing seed. Defaults under the store
	// root.
	KeyPath string `yaml:"key_path"`
}

// ServerConfig controls the HTTP front-end.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address renders host:port.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetDefaults fills zero values across all sections.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}

	root := os.Getenv(EnvStoreRoot)
	if root == "" {
		root = ".covenant"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(root, "covenant.db")
	}
	if c.Store.KeyPath == "" {
		c.Store.KeyPath = filepath.Join(root, "signer.key")
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8437
	}

	c.Checkpoint.SetDefaults()
	c.Willingness.SetDefaults()
	c.Observability.SetDefaults()
	if c.Relay != nil {
		c.Relay.SetDefaults()
	}
}

// Validate rejects contradictions.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	if c.Relay != nil && c.Relay.URL == "" {
		return fmt.Errorf("relay requires a url")
	}
	return nil
}
