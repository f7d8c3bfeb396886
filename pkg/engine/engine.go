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

// Package engine drives intents from submission to a terminal status:
// validation, planning into parallel groups, verified step execution,
// failure handling and rollback.
package engine

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/covenant/pkg/agentctx"
	"github.com/kadirpekel/covenant/pkg/checkpoint"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/executor"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/store"
	"github.com/kadirpekel/covenant/pkg/trust"
)

// Engine is the intent engine.
type Engine struct {
	store       store.Store
	bus         *events.Bus
	executor    *executor.Executor
	checkpoints *checkpoint.Manager
	trust       *trust.Model
	audit       *auditor

	mu        sync.RWMutex
	intents   map[ident.IntentID]*intent.Intent
	plans     map[ident.IntentID]*intent.Plan
	cancelled map[ident.IntentID]string
}

// Options bundle the engine's collaborators.
type Options struct {
	Store       store.Store
	Bus         *events.Bus
	Executor    *executor.Executor
	Checkpoints *checkpoint.Manager
	Trust       *trust.Model
}

// New creates an Engine.
func New(opts Options) *Engine {
	return &Engine{
		store:       opts.Store,
		bus:         opts.Bus,
		executor:    opts.Executor,
		checkpoints: opts.Checkpoints,
		trust:       opts.Trust,
		audit:       newAuditor(opts.Store),
		intents:     make(map[ident.IntentID]*intent.Intent),
		plans:       make(map[ident.IntentID]*intent.Plan),
		cancelled:   make(map[ident.IntentID]string),
	}
}

// Submit validates and registers an intent.
func (e *Engine) Submit(ctx context.Context, in *intent.Intent) (ident.IntentID, error) {
	if in.ID == "" {
		in.ID = ident.NewIntentID()
	}
	if err := intent.Validate(in); err != nil {
		return "", err
	}

	data, err := json.Marshal(in)
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "failed to encode intent")
	}
	if err := e.store.Put(ctx, store.PrefixIntent+string(in.ID), data); err != nil {
		return "", fault.Wrap(fault.KindInternal, err, "failed to persist intent")
	}

	e.mu.Lock()
	e.intents[in.ID] = in
	e.mu.Unlock()

	e.audit.record(ctx, in.ID, "intent.submitted", map[string]any{"goal": in.Goal})
	return in.ID, nil
}

// Status returns an intent's lifecycle state.
func (e *Engine) Status(id ident.IntentID) (intent.Status, error) {
	e.mu.RLock()
	in, ok := e.intents[id]
	e.mu.RUnlock()
	if !ok {
		return "", fault.New(fault.KindNotFound, "intent %s not found", id)
	}
	return in.Status(), nil
}

// Get returns a registered intent.
func (e *Engine) Get(id ident.IntentID) (*intent.Intent, error) {
	e.mu.RLock()
	in, ok := e.intents[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindNotFound, "intent %s not found", id)
	}
	return in, nil
}

// Cancel requests cooperative cancellation: a running step completes, no
// new step begins.
func (e *Engine) Cancel(ctx context.Context, id ident.IntentID, reason string) error {
	e.mu.Lock()
	_, ok := e.intents[id]
	if ok {
		e.cancelled[id] = reason
	}
	e.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "intent %s not found", id)
	}
	e.audit.record(ctx, id, "intent.cancel_requested", map[string]any{"reason": reason})
	return nil
}

// Plan returns the intent's plan, building it on first use. Planning an
// already-planned intent returns the identical plan.
func (e *Engine) Plan(id ident.IntentID) (*intent.Plan, error) {
	e.mu.RLock()
	if plan, ok := e.plans[id]; ok {
		e.mu.RUnlock()
		return plan, nil
	}
	in, ok := e.intents[id]
	e.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.KindNotFound, "intent %s not found", id)
	}

	plan, err := intent.BuildPlan(in)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if cached, ok := e.plans[id]; ok {
		plan = cached
	} else {
		e.plans[id] = plan
	}
	e.mu.Unlock()
	return plan, nil
}

// Execute drives the intent to a terminal status within the given root
// context.
func (e *Engine) Execute(ctx context.Context, id ident.IntentID, rootCtx *agentctx.Context) (*intent.Result, error) {
	in, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if in.Status().IsTerminal() {
		return nil, fault.New(fault.KindStructureInvalid, "intent %s already terminal (%s)", id, in.Status())
	}

	in.SetStatus(intent.StatusPlanning)
	plan, err := e.Plan(id)
	if err != nil {
		in.SetStatus(intent.StatusFailed)
		return nil, err
	}

	in.Config.SetDefaults()
	in.SetStatus(intent.StatusExecuting)
	e.emit(ctx, events.TopicIntentStarted, id, map[string]any{"goal": in.Goal})
	e.audit.record(ctx, id, "intent.started", nil)

	result := &intent.Result{
		IntentID:    id,
		StepResults: make(map[ident.StepID]*intent.StepResult),
	}

	// Sub-intents decompose the parent goal; they run first, in
	// declaration order, in child contexts.
	for _, sub := range in.SubIntents {
		if _, err := e.Submit(ctx, sub); err != nil {
			return e.finish(ctx, in, result, intent.StatusFailed), nil
		}
		subCtx := rootCtx.NewChild(sub.Bounds, agentctx.Metadata{
			Creator: "engine",
			Purpose: sub.Goal,
		})
		subResult, err := e.Execute(ctx, sub.ID, subCtx)
		if err != nil || !subResult.Success {
			return e.finish(ctx, in, result, intent.StatusFailed), nil
		}
		result.ProofIDs = append(result.ProofIDs, subResult.ProofIDs...)
	}

	failed := make(map[ident.StepID]bool)
	rolledBack := false

groups:
	for _, group := range plan.Groups {
		if reason, ok := e.cancelReason(id); ok {
			e.markRemaining(in, plan, result, failed)
			e.audit.record(ctx, id, "intent.cancelled", map[string]any{"reason": reason})
			return e.finish(ctx, in, result, intent.StatusCancelled), nil
		}
		if ctx.Err() != nil {
			e.markRemaining(in, plan, result, failed)
			return e.finish(ctx, in, result, intent.StatusCancelled), nil
		}

		// Steps whose dependencies failed are skipped, not run.
		runnable := make([]*intent.Step, 0, len(group))
		for _, stepID := range group {
			step := in.Step(stepID)
			if e.depsFailed(plan, stepID, failed) {
				step.Status = intent.StepSkipped
				result.StepResults[stepID] = &intent.StepResult{
					Status: intent.StepSkipped,
					Detail: "dependency failed",
				}
				failed[stepID] = true
				continue
			}
			runnable = append(runnable, step)
		}

		results := e.runGroup(ctx, in, runnable, rootCtx)
		for stepID, stepResult := range results {
			result.StepResults[stepID] = stepResult
			if stepResult.ProofID != "" {
				result.ProofIDs = append(result.ProofIDs, stepResult.ProofID)
			}
			if stepResult.Status == intent.StepFailed {
				failed[stepID] = true
				e.audit.record(ctx, id, "step.failed", map[string]any{
					"step": string(stepID),
					"kind": string(stepResult.ErrorKind),
				})
				if stepResult.RolledBack {
					rolledBack = true
				}
			}
		}

		if anyFailed(results) {
			if rolledBack {
				e.markRemaining(in, plan, result, failed)
				break groups
			}
			if in.Config.ShouldStopOnFailure() {
				e.markRemaining(in, plan, result, failed)
				break groups
			}
		}
	}

	status := intent.StatusCompleted
	if rolledBack {
		// The failed step already restored its own checkpoint; restoring
		// the intent's first checkpoint unwinds the earlier steps too,
		// back to the last known-good state.
		e.rollbackToFirst(ctx, id)
		status = intent.StatusRolledBack
	} else if len(failed) > 0 {
		status = intent.StatusFailed
	}
	return e.finish(ctx, in, result, status), nil
}

func (e *Engine) rollbackToFirst(ctx context.Context, id ident.IntentID) {
	if e.checkpoints == nil {
		return
	}
	first, err := e.checkpoints.First(ctx, id)
	if err != nil || first == nil {
		return
	}
	report, err := e.checkpoints.RollbackTo(ctx, first.ID)
	if err != nil {
		e.audit.record(ctx, id, "rollback.failed", map[string]any{"error": err.Error()})
		return
	}
	e.emit(ctx, events.TopicCheckpointRestored, id, map[string]any{
		"checkpoint": first.ID,
		"complete":   report.Complete(),
	})
	e.audit.record(ctx, id, "rollback.completed", map[string]any{
		"checkpoint": first.ID,
		"complete":   report.Complete(),
	})
}

// runGroup executes a parallel group. Steps run concurrently when the
// intent opted into parallel execution.
func (e *Engine) runGroup(ctx context.Context, in *intent.Intent, steps []*intent.Step, rootCtx *agentctx.Context) map[ident.StepID]*intent.StepResult {
	results := make(map[ident.StepID]*intent.StepResult, len(steps))

	if in.Config.Parallelization == intent.Parallel && len(steps) > 1 {
		var mu sync.Mutex
		g, groupCtx := errgroup.WithContext(ctx)
		for _, step := range steps {
			g.Go(func() error {
				stepResult := e.executor.ExecuteStep(groupCtx, in.ID, step, rootCtx)
				mu.Lock()
				results[step.ID] = stepResult
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		return results
	}

	for _, step := range steps {
		if reason, ok := e.cancelReason(in.ID); ok {
			results[step.ID] = &intent.StepResult{
				Status:    intent.StepCancelled,
				ErrorKind: fault.KindCancelled,
				Detail:    reason,
			}
			step.Status = intent.StepCancelled
			continue
		}
		results[step.ID] = e.executor.ExecuteStep(ctx, in.ID, step, rootCtx)
	}
	return results
}

// finish stamps the terminal status, emits the terminal event, releases
// checkpoints and assembles the result.
func (e *Engine) finish(ctx context.Context, in *intent.Intent, result *intent.Result, status intent.Status) *intent.Result {
	in.SetStatus(status)
	result.Status = status
	result.Success = status == intent.StatusCompleted

	var topic events.Topic
	switch status {
	case intent.StatusCompleted:
		topic = events.TopicIntentCompleted
	case intent.StatusRolledBack:
		topic = events.TopicIntentRolledBack
	case intent.StatusCancelled:
		topic = events.TopicIntentCancelled
	default:
		topic = events.TopicIntentFailed
	}
	e.emit(ctx, topic, in.ID, map[string]any{
		"status": string(status),
		"proofs": len(result.ProofIDs),
	})
	e.audit.record(ctx, in.ID, "intent."+string(status), nil)

	if e.checkpoints != nil {
		_ = e.checkpoints.Release(ctx, in.ID)
	}

	// Record final trust scores of the agents touched by this intent.
	if e.trust != nil {
		result.TrustScores = make(map[ident.AgentID]float64)
		agents := map[ident.AgentID]bool{}
		for _, s := range in.Steps {
			if s.Action.Type == intent.ActionDelegate && s.Action.Delegation != nil {
				agents[s.Action.Delegation.Agent] = true
			}
		}
		for agent := range agents {
			if rep, err := e.trust.Get(ctx, agent); err == nil {
				result.TrustScores[agent] = rep.Score
			}
		}
	}

	// Persist the intent record with final step states.
	if data, err := json.Marshal(in); err == nil {
		_ = e.store.Put(ctx, store.PrefixIntent+string(in.ID), data)
	}
	return result
}

// markRemaining marks every not-yet-run step skipped.
func (e *Engine) markRemaining(in *intent.Intent, plan *intent.Plan, result *intent.Result, failed map[ident.StepID]bool) {
	for _, group := range plan.Groups {
		for _, stepID := range group {
			if _, done := result.StepResults[stepID]; done {
				continue
			}
			step := in.Step(stepID)
			step.Status = intent.StepSkipped
			result.StepResults[stepID] = &intent.StepResult{
				Status: intent.StepSkipped,
				Detail: "intent terminated early",
			}
		}
	}
}

// depsFailed reports whether any dependency of the step failed or was
// skipped.
func (e *Engine) depsFailed(plan *intent.Plan, stepID ident.StepID, failed map[ident.StepID]bool) bool {
	for _, dep := range plan.Edges[stepID] {
		if failed[dep] {
			return true
		}
	}
	return false
}

func (e *Engine) cancelReason(id ident.IntentID) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reason, ok := e.cancelled[id]
	return reason, ok
}

func anyFailed(results map[ident.StepID]*intent.StepResult) bool {
	for _, r := range results {
		if r.Status == intent.StepFailed {
			return true
		}
	}
	return false
}

func (e *Engine) emit(ctx context.Context, topic events.Topic, id ident.IntentID, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.New(topic, "engine", string(id), payload))
}
