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

// Package runtime builds the engine and its collaborators from
// configuration: store, crypto provider, event bus, verifiers, checkpoint
// manager, trust model, promise manager, delegation gateway and the
// observability manager.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/covenant/pkg/agentctx"
	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/checkpoint"
	"github.com/kadirpekel/covenant/pkg/config"
	"github.com/kadirpekel/covenant/pkg/crypto"
	"github.com/kadirpekel/covenant/pkg/delegation"
	"github.com/kadirpekel/covenant/pkg/engine"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/executor"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/observability"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/promise"
	"github.com/kadirpekel/covenant/pkg/sandbox"
	"github.com/kadirpekel/covenant/pkg/store"
	"github.com/kadirpekel/covenant/pkg/trust"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

// Runtime is the assembled system.
type Runtime struct {
	cfg *config.Config

	Store         store.Store
	Provider      crypto.Provider
	Bus           *events.Bus
	Journal       *proof.Journal
	Trust         *trust.Model
	Checkpoints   *checkpoint.Manager
	Promises      *promise.Manager
	Executor      *executor.Executor
	Engine        *engine.Engine
	Gateway       *delegation.Gateway
	Observability *observability.Manager

	relay *events.Relay
}

// New assembles a Runtime from configuration.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Runtime{cfg: cfg}

	// Persistence.
	switch cfg.Store.Backend {
	case "memory":
		r.Store = store.NewMemoryStore()
	default:
		s, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		r.Store = s
	}

	// Signing identity.
	var provider *crypto.Ed25519Provider
	var err error
	if cfg.Store.Backend == "memory" {
		provider, err = crypto.NewEd25519Provider()
	} else {
		provider, err = crypto.LoadOrCreateKey(cfg.Store.KeyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signer: %w", err)
	}
	r.Provider = provider

	r.Bus = events.NewBus()
	r.Journal = proof.NewJournal(r.Store)
	r.Trust = trust.NewModel(r.Store)
	r.Checkpoints = checkpoint.NewManager(&cfg.Checkpoint, checkpoint.NewStorage(r.Store))
	r.Promises = promise.NewManager(promise.ManagerOptions{
		Store:    r.Store,
		Bus:      r.Bus,
		Trust:    r.Trust,
		Journal:  r.Journal,
		Provider: r.Provider,
	})

	r.Executor = executor.New(executor.Options{
		Sandbox:     sandbox.NewLocal(r.Provider),
		Checkpoints: r.Checkpoints,
		Verifiers:   verifier.NewRunner(verifier.Default()),
		Conditions:  verifier.NewConditionEvaluator(nil),
		Proofs:      proof.NewGenerator(r.Provider),
		Journal:     r.Journal,
		Bus:         r.Bus,
		Trust:       r.Trust,
	})

	r.Engine = engine.New(engine.Options{
		Store:       r.Store,
		Bus:         r.Bus,
		Executor:    r.Executor,
		Checkpoints: r.Checkpoints,
		Trust:       r.Trust,
	})

	issuer, err := delegation.NewTokenIssuer(provider.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}
	r.Gateway = delegation.NewGateway(delegation.Options{
		Runner:      r.Engine,
		Promises:    r.Promises,
		Bus:         r.Bus,
		Issuer:      issuer,
		Willingness: cfg.Willingness,
	})
	r.Executor.SetDelegator(r.Gateway)

	r.Observability, err = observability.NewManager(ctx, &cfg.Observability)
	if err != nil {
		return nil, err
	}
	r.Observability.ObserveBus(r.Bus)

	if cfg.Relay != nil {
		relay, err := events.NewRelay(r.Bus, cfg.Relay)
		if err != nil {
			// Federation is optional; the core runs without it.
			slog.Warn("runtime: relay unavailable", "url", cfg.Relay.URL, "error", err)
		} else {
			r.relay = relay
		}
	}

	return r, nil
}

// RootContext builds the root execution context for an intent, using the
// intent's bounds or the configured defaults.
func (r *Runtime) RootContext(in *intent.Intent, agentID ident.AgentID) *agentctx.Context {
	b := in.Bounds
	if b == nil {
		b = r.cfg.Bounds
	}
	if b == nil {
		b = &bounds.Bounds{}
	}
	return agentctx.NewRoot(b, agentctx.Metadata{
		Creator: "runtime",
		Purpose: in.Goal,
		AgentID: agentID,
	})
}

// Run submits and executes an intent in one call.
func (r *Runtime) Run(ctx context.Context, in *intent.Intent, agentID ident.AgentID) (*intent.Result, error) {
	id, err := r.Engine.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	return r.Engine.Execute(ctx, id, r.RootContext(in, agentID))
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Close releases every component.
func (r *Runtime) Close(ctx context.Context) error {
	if r.relay != nil {
		r.relay.Close()
	}
	if err := r.Observability.Shutdown(ctx); err != nil {
		slog.Warn("runtime: observability shutdown failed", "error", err)
	}
	r.Bus.Close()
	return r.Store.Close()
}
