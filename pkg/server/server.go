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

// Package server exposes the host contract over HTTP: declaring and
// executing intents, verifying proofs, negotiating promises, querying
// trust and streaming events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/promise"
	"github.com/kadirpekel/covenant/pkg/runtime"
)

// Server is the covenant HTTP server.
type Server struct {
	runtime *runtime.Runtime
	server  *http.Server
}

// New creates a Server over an assembled runtime.
func New(rt *runtime.Runtime) *Server {
	s := &Server{runtime: rt}
	s.server = &http.Server{
		Addr:              rt.Config().Server.Address(),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/intents", s.handleDeclareIntent)
		r.Get("/intents/{id}", s.handleIntentStatus)
		r.Post("/intents/{id}/execute", s.handleExecuteIntent)
		r.Post("/intents/{id}/cancel", s.handleCancelIntent)
		r.Get("/proofs/{id}", s.handleGetProof)
		r.Get("/proofs/{id}/verify", s.handleVerifyProof)
		r.Post("/promises/negotiate", s.handleNegotiatePromise)
		r.Get("/trust/{agent}", s.handleQueryTrust)
		r.Get("/events", s.handleEvents)
		r.Get("/schema", s.handleSchema)
	})

	if h := s.runtime.Observability.MetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return r
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// DeclareIntentRequest is the declare_intent payload.
type DeclareIntentRequest struct {
	Goal        string         `json:"goal"`
	Description string         `json:"description,omitempty"`
	Steps       []*intent.Step `json:"steps"`
	Bounds      *bounds.Bounds `json:"bounds,omitempty"`
	Config      intent.Config  `json:"config,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
}

func (s *Server) handleDeclareIntent(w http.ResponseWriter, r *http.Request) {
	var req DeclareIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindStructureInvalid, "invalid request body: %v", err))
		return
	}

	in := intent.New(req.Goal, req.Steps)
	in.Description = req.Description
	in.Bounds = req.Bounds
	in.Config = req.Config

	id, err := s.runtime.Engine.Submit(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"intent_id": string(id)})
}

func (s *Server) handleIntentStatus(w http.ResponseWriter, r *http.Request) {
	id := ident.IntentID(chi.URLParam(r, "id"))
	status, err := s.runtime.Engine.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"intent_id": string(id),
		"status":    string(status),
	})
}

// ExecuteIntentRequest is the execute_intent payload.
type ExecuteIntentRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

func (s *Server) handleExecuteIntent(w http.ResponseWriter, r *http.Request) {
	id := ident.IntentID(chi.URLParam(r, "id"))

	var req ExecuteIntentRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fault.New(fault.KindStructureInvalid, "invalid request body: %v", err))
			return
		}
	}

	in, err := s.runtime.Engine.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.runtime.Engine.Execute(r.Context(), id, s.runtime.RootContext(in, ident.AgentID(req.AgentID)))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CancelIntentRequest is the cancel payload.
type CancelIntentRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	id := ident.IntentID(chi.URLParam(r, "id"))

	var req CancelIntentRequest
	if r.ContentLength > 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.runtime.Engine.Cancel(r.Context(), id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"intent_id": string(id)})
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	id := ident.ProofID(chi.URLParam(r, "id"))
	p, err := s.runtime.Journal.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	id := ident.ProofID(chi.URLParam(r, "id"))
	p, err := s.runtime.Journal.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proof.Verify(p, s.runtime.Provider))
}

// NegotiatePromiseRequest is the negotiate_promise payload.
type NegotiatePromiseRequest struct {
	// Agent being asked to promise.
	Agent string `json:"agent"`

	// From is the requesting agent.
	From string `json:"from"`

	// Scope names the requested work.
	Scope string `json:"scope"`

	// Constraints the work should run under.
	Constraints *bounds.Bounds `json:"constraints,omitempty"`

	// DeadlineMS bounds the promise lifetime.
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

// NegotiatePromiseResponse reports the evaluation and, when willing, the
// proposed promise.
type NegotiatePromiseResponse struct {
	Willingness *promise.Willingness `json:"willingness"`
	PromiseID   string               `json:"promise_id,omitempty"`
}

func (s *Server) handleNegotiatePromise(w http.ResponseWriter, r *http.Request) {
	var req NegotiatePromiseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.New(fault.KindStructureInvalid, "invalid request body: %v", err))
		return
	}
	if req.Agent == "" {
		writeError(w, fault.New(fault.KindStructureInvalid, "agent is required"))
		return
	}

	agentBounds := req.Constraints
	if agentBounds == nil {
		agentBounds = s.runtime.Config().Bounds
	}

	willingness, err := s.runtime.Promises.EvaluateWillingness(r.Context(),
		ident.AgentID(req.Agent), agentBounds, promise.Request{
			From:        ident.AgentID(req.From),
			Scope:       req.Scope,
			Constraints: req.Constraints,
		}, s.runtime.Config().Willingness)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := NegotiatePromiseResponse{Willingness: willingness}
	if willingness.Decision == promise.Willing || willingness.Decision == promise.Conditional {
		p := &promise.Promise{
			Promiser: ident.AgentID(req.Agent),
			Promisee: ident.AgentID(req.From),
			Scope:    req.Scope,
			Type:     promise.TypeOffer,
			Body:     promise.Body{Content: req.Scope, Constraints: req.Constraints},
		}
		if req.DeadlineMS > 0 {
			p.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
		}
		id, err := s.runtime.Promises.Propose(r.Context(), p, agentBounds)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.PromiseID = string(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryTrust(w http.ResponseWriter, r *http.Request) {
	agent := ident.AgentID(chi.URLParam(r, "agent"))
	rep, err := s.runtime.Trust.Get(r.Context(), agent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindStructureInvalid:
		status = http.StatusBadRequest
	case fault.KindBoundsViolation, fault.KindPromiseRefused, fault.KindTrustBelowThreshold:
		status = http.StatusForbidden
	case fault.KindTimeout, fault.KindDelegationTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", fmt.Sprintf("%dms", time.Since(start).Milliseconds()))
	})
}
