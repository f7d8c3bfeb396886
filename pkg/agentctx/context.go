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

// Package agentctx implements hierarchical execution contexts.
//
// A context carries variables, materialized bounds and an append-only audit
// log. Children hold a read-only reference to their parent: variable lookup
// chains upward, bounds are materialized at creation (never re-resolved
// upward), and nothing a child does mutates its parent.
package agentctx

import (
	"sync"
	"time"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/ident"
)

// Metadata records who created a context and why.
type Metadata struct {
	Creator   string        `json:"creator"`
	CreatedAt time.Time     `json:"created_at"`
	Purpose   string        `json:"purpose,omitempty"`
	AgentID   ident.AgentID `json:"agent_id,omitempty"`
}

// AuditEntry is one record in a context's audit log.
type AuditEntry struct {
	Seq       uint64         `json:"seq"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Context is an execution environment for steps.
type Context struct {
	id       ident.ContextID
	parent   *Context
	bounds   *bounds.Bounds
	enforcer *bounds.Enforcer
	metadata Metadata

	mu        sync.RWMutex
	variables map[string]string
	audit     []AuditEntry
	seq       uint64
}

// NewRoot creates a root context with the given bounds.
func NewRoot(b *bounds.Bounds, metadata Metadata) *Context {
	if metadata.CreatedAt.IsZero() {
		metadata.CreatedAt = time.Now()
	}
	materialized := b.Clone()
	materialized.Normalize()
	return &Context{
		id:        ident.NewContextID(),
		bounds:    materialized,
		enforcer:  bounds.NewEnforcer(materialized),
		metadata:  metadata,
		variables: make(map[string]string),
	}
}

// NewChild derives a context whose bounds are the intersection of the
// parent's bounds and the additional restrictions. The child starts with an
// empty variable scope; lookups fall through to the parent.
func (c *Context) NewChild(additional *bounds.Bounds, metadata Metadata) *Context {
	if metadata.CreatedAt.IsZero() {
		metadata.CreatedAt = time.Now()
	}
	materialized := bounds.Intersect(c.bounds, additional)
	return &Context{
		id:        ident.NewContextID(),
		parent:    c,
		bounds:    materialized,
		enforcer:  bounds.NewEnforcer(materialized),
		metadata:  metadata,
		variables: make(map[string]string),
	}
}

// ID returns the context id.
func (c *Context) ID() ident.ContextID { return c.id }

// Parent returns the parent context, or nil for a root.
func (c *Context) Parent() *Context { return c.parent }

// Bounds returns the materialized bounds. Callers must not mutate them.
func (c *Context) Bounds() *bounds.Bounds { return c.bounds }

// Enforcer returns the admission checker for this context's bounds.
func (c *Context) Enforcer() *bounds.Enforcer { return c.enforcer }

// Metadata returns the creation metadata.
func (c *Context) Metadata() Metadata { return c.metadata }

// AgentID returns the owning agent, walking up to the nearest context that
// declares one.
func (c *Context) AgentID() ident.AgentID {
	for ctx := c; ctx != nil; ctx = ctx.parent {
		if ctx.metadata.AgentID != "" {
			return ctx.metadata.AgentID
		}
	}
	return ""
}

// SetVariable sets a variable in this context's own scope.
func (c *Context) SetVariable(key, value string) {
	c.mu.Lock()
	c.variables[key] = value
	c.mu.Unlock()
}

// GetVariable looks up key in this scope, then chains to the parent.
func (c *Context) GetVariable(key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.variables[key]
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	if c.parent != nil {
		return c.parent.GetVariable(key)
	}
	return "", false
}

// Variables returns the flattened view of all visible variables, with
// nearer scopes shadowing outer ones.
func (c *Context) Variables() map[string]string {
	var chain []*Context
	for ctx := c; ctx != nil; ctx = ctx.parent {
		chain = append(chain, ctx)
	}
	out := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		ctx := chain[i]
		ctx.mu.RLock()
		for k, v := range ctx.variables {
			out[k] = v
		}
		ctx.mu.RUnlock()
	}
	return out
}

// Audit appends an entry to this context's audit log and returns its
// sequence number. Sequence numbers increase strictly per context.
func (c *Context) Audit(action string, detail map[string]any) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.audit = append(c.audit, AuditEntry{
		Seq:       c.seq,
		Action:    action,
		Detail:    detail,
		Timestamp: time.Now(),
	})
	return c.seq
}

// AuditLog returns a copy of the audit entries.
func (c *Context) AuditLog() []AuditEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AuditEntry, len(c.audit))
	copy(out, c.audit)
	return out
}
