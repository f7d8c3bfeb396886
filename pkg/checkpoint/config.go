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

package checkpoint

import "time"

// Config controls checkpointing behavior.
type Config struct {
	// Enabled turns checkpointing on. Defaults to true.
	Enabled *bool `yaml:"enabled"`

	// Retention keeps checkpoints around after an intent terminates, for
	// inspection. Expired checkpoints are released by the sweep.
	Retention time.Duration `yaml:"retention"`

	// MaxBackupBytes caps the per-file content backup. Files larger than
	// this are not restorable; rolling back past them is unsafe.
	MaxBackupBytes int64 `yaml:"max_backup_bytes"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Retention == 0 {
		c.Retention = 30 * time.Minute
	}
	if c.MaxBackupBytes == 0 {
		c.MaxBackupBytes = 8 << 20
	}
}

// IsEnabled returns whether checkpointing is enabled.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
