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

// Package bounds defines context restrictions and their narrowing rules.
//
// Bounds list what a context may touch: commands by argv[0], filesystem
// paths by normalized prefix, network endpoints by scheme+host+port, plus
// memory and CPU ceilings. Merging a child's bounds into a parent's always
// narrows: sets intersect, ceilings take the minimum. A child can never
// widen a parent bound.
package bounds

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
)

// Bounds restrict what a context may do.
type Bounds struct {
	AllowedPaths     []string          `json:"allowed_paths,omitempty" yaml:"allowed_paths"`
	AllowedCommands  []string          `json:"allowed_commands,omitempty" yaml:"allowed_commands"`
	AllowedEndpoints []string          `json:"allowed_endpoints,omitempty" yaml:"allowed_endpoints"`
	MaxMemoryBytes   uint64            `json:"max_memory_bytes,omitempty" yaml:"max_memory_bytes"`
	MaxCPUSeconds    uint64            `json:"max_cpu_seconds,omitempty" yaml:"max_cpu_seconds"`
	EnvVars          map[string]string `json:"env_vars,omitempty" yaml:"env_vars"`
}

// Clone returns a deep copy.
func (b *Bounds) Clone() *Bounds {
	if b == nil {
		return &Bounds{EnvVars: make(map[string]string)}
	}
	out := &Bounds{
		AllowedPaths:     append([]string(nil), b.AllowedPaths...),
		AllowedCommands:  append([]string(nil), b.AllowedCommands...),
		AllowedEndpoints: append([]string(nil), b.AllowedEndpoints...),
		MaxMemoryBytes:   b.MaxMemoryBytes,
		MaxCPUSeconds:    b.MaxCPUSeconds,
		// Env vars are deny-by-default like every other set: unset means
		// empty, never "inherit everything".
		EnvVars: make(map[string]string, len(b.EnvVars)),
	}
	for k, v := range b.EnvVars {
		out.EnvVars[k] = v
	}
	return out
}

// Normalize canonicalizes paths, lowercases endpoint hosts and sorts the
// sets. Called once when bounds enter the system.
func (b *Bounds) Normalize() {
	for i, p := range b.AllowedPaths {
		b.AllowedPaths[i] = filepath.Clean(p)
	}
	for i, e := range b.AllowedEndpoints {
		b.AllowedEndpoints[i] = strings.ToLower(strings.TrimSuffix(e, "/"))
	}
	sort.Strings(b.AllowedPaths)
	sort.Strings(b.AllowedCommands)
	sort.Strings(b.AllowedEndpoints)
}

// Intersect materializes a child's bounds: sets narrow to the intersection
// and ceilings clamp to the minimum non-zero value. A zero ceiling means
// unlimited, so the other side's ceiling wins.
func Intersect(parent, child *Bounds) *Bounds {
	if parent == nil {
		out := child.Clone()
		out.Normalize()
		return out
	}
	if child == nil {
		out := parent.Clone()
		out.Normalize()
		return out
	}

	p := parent.Clone()
	c := child.Clone()
	p.Normalize()
	c.Normalize()

	out := &Bounds{
		AllowedCommands:  intersectExact(p.AllowedCommands, c.AllowedCommands),
		AllowedEndpoints: intersectExact(p.AllowedEndpoints, c.AllowedEndpoints),
		AllowedPaths:     intersectPaths(p.AllowedPaths, c.AllowedPaths),
		MaxMemoryBytes:   minCeiling(p.MaxMemoryBytes, c.MaxMemoryBytes),
		MaxCPUSeconds:    minCeiling(p.MaxCPUSeconds, c.MaxCPUSeconds),
	}

	// Env vars narrow like the other sets: child entries only survive when
	// the parent carries the key. An unset parent grants nothing.
	out.EnvVars = make(map[string]string, len(p.EnvVars))
	for k, v := range p.EnvVars {
		out.EnvVars[k] = v
	}
	for k, v := range c.EnvVars {
		if _, ok := p.EnvVars[k]; ok {
			out.EnvVars[k] = v
		}
	}
	return out
}

// SubsetOf reports whether b is fully contained in outer. Used for the
// promise constraint sub-lattice check.
func (b *Bounds) SubsetOf(outer *Bounds) bool {
	if outer == nil {
		return true
	}
	inner := b.Clone()
	inner.Normalize()
	o := outer.Clone()
	o.Normalize()

	for _, cmd := range inner.AllowedCommands {
		if !containsExact(o.AllowedCommands, cmd) {
			return false
		}
	}
	for _, ep := range inner.AllowedEndpoints {
		if !containsExact(o.AllowedEndpoints, ep) {
			return false
		}
	}
	for _, path := range inner.AllowedPaths {
		if !pathAllowed(o.AllowedPaths, path) {
			return false
		}
	}
	if o.MaxMemoryBytes != 0 && (inner.MaxMemoryBytes == 0 || inner.MaxMemoryBytes > o.MaxMemoryBytes) {
		return false
	}
	if o.MaxCPUSeconds != 0 && (inner.MaxCPUSeconds == 0 || inner.MaxCPUSeconds > o.MaxCPUSeconds) {
		return false
	}
	return true
}

func intersectExact(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// intersectPaths keeps child paths contained in a parent prefix, and parent
// paths contained in a child prefix, whichever is narrower.
func intersectPaths(parent, child []string) []string {
	var out []string
	for _, c := range child {
		if pathAllowed(parent, c) {
			out = append(out, c)
		}
	}
	for _, p := range parent {
		if pathAllowed(child, p) && !containsExact(out, p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func containsExact(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func minCeiling(a, b uint64) uint64 {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// pathAllowed reports whether path equals an allowed entry or descends from
// one. path must already be cleaned.
func pathAllowed(allowed []string, path string) bool {
	for _, prefix := range allowed {
		if path == prefix {
			return true
		}
		if strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// NormalizePath cleans a path and rejects upward traversal. Relative paths
// are rejected; the engine deals in absolute paths only.
func NormalizePath(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	clean := filepath.Clean(path)
	if !filepath.IsAbs(clean) {
		return "", fmt.Errorf("path must be absolute: %s", path)
	}
	return clean, nil
}

// NormalizeEndpoint reduces a URL to scheme://host:port for matching.
func NormalizeEndpoint(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint must include scheme and host: %s", raw)
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	if port == "" {
		return u.Scheme + "://" + host, nil
	}
	return u.Scheme + "://" + host + ":" + port, nil
}
