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

// Package executor runs single steps through the verified pipeline:
// admission, preconditions, checkpoint, action, post-snapshot,
// verification, postconditions, proof.
//
// Every phase emits events; every claim of success is backed by either a
// signed proof (mandatory verification) or the explicit absence of one.
package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/covenant/pkg/agentctx"
	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/checkpoint"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/proof"
	"github.com/kadirpekel/covenant/pkg/recovery"
	"github.com/kadirpekel/covenant/pkg/registry"
	"github.com/kadirpekel/covenant/pkg/sandbox"
	"github.com/kadirpekel/covenant/pkg/snapshot"
	"github.com/kadirpekel/covenant/pkg/trust"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

// Function is a registered in-process action. It returns its output text;
// errors become ExecutionFailed.
type Function func(ctx context.Context, args map[string]any, ec *agentctx.Context) (string, error)

// Delegator hands Delegate steps to the delegation gateway. Wired by the
// runtime to break the executor/gateway/engine dependency loop.
type Delegator interface {
	Delegate(ctx context.Context, intentID ident.IntentID, step *intent.Step, parent *agentctx.Context) (*intent.StepResult, error)
}

// Executor runs steps.
type Executor struct {
	sandbox     sandbox.Executor
	checkpoints *checkpoint.Manager
	verifiers   *verifier.Runner
	conditions  *verifier.ConditionEvaluator
	proofs      *proof.Generator
	journal     *proof.Journal
	bus         *events.Bus
	trust       *trust.Model
	recovery    *recovery.Controller
	functions   *registry.BaseRegistry[Function]
	delegator   Delegator
}

// Options bundle the executor's collaborators.
type Options struct {
	Sandbox     sandbox.Executor
	Checkpoints *checkpoint.Manager
	Verifiers   *verifier.Runner
	Conditions  *verifier.ConditionEvaluator
	Proofs      *proof.Generator
	Journal     *proof.Journal
	Bus         *events.Bus
	Trust       *trust.Model
}

// New creates an Executor.
func New(opts Options) *Executor {
	if opts.Verifiers == nil {
		opts.Verifiers = verifier.NewRunner(nil)
	}
	if opts.Conditions == nil {
		opts.Conditions = verifier.NewConditionEvaluator(nil)
	}
	return &Executor{
		sandbox:     opts.Sandbox,
		checkpoints: opts.Checkpoints,
		verifiers:   opts.Verifiers,
		conditions:  opts.Conditions,
		proofs:      opts.Proofs,
		journal:     opts.Journal,
		bus:         opts.Bus,
		trust:       opts.Trust,
		recovery:    recovery.NewController(),
		functions:   registry.NewBaseRegistry[Function](),
	}
}

// RegisterFunction makes a named function available to ActionFunction
// steps.
func (e *Executor) RegisterFunction(name string, fn Function) error {
	return e.functions.Register(name, fn)
}

// SetDelegator wires the delegation gateway.
func (e *Executor) SetDelegator(d Delegator) { e.delegator = d }

// ExecuteStep drives one step to a terminal status, applying its recovery
// policy across attempts. The returned result is always non-nil.
func (e *Executor) ExecuteStep(ctx context.Context, intentID ident.IntentID, step *intent.Step, ec *agentctx.Context) *intent.StepResult {
	result := &intent.StepResult{Status: intent.StepRunning, StartedAt: time.Now()}
	step.Status = intent.StepRunning

	e.emit(ctx, events.TopicStepStarted, intentID, map[string]any{
		"step_id": string(step.ID),
		"name":    step.Name,
		"action":  string(step.Action.Type),
	})
	ec.Audit("step.started", map[string]any{"step": string(step.ID)})

	for {
		result.Attempts++
		cp, attemptErr := e.attempt(ctx, intentID, step, ec, result)
		if attemptErr == nil {
			// Earlier failed attempts may have stamped an error; the step
			// ultimately succeeded.
			result.ErrorKind = ""
			result.Detail = ""
			result.Status = intent.StepCompleted
			result.FinishedAt = time.Now()
			step.Status = intent.StepCompleted
			step.Result = result
			return result
		}

		kind := fault.KindOf(attemptErr)
		result.ErrorKind = kind
		result.Detail = attemptErr.Error()

		safe := cp == nil || cp.SafeRollback
		decision := e.recovery.Decide(step.Recovery, kind, result.Attempts, safe)

		switch decision.Action {
		case recovery.ActionRetry:
			slog.Debug("executor: retrying step",
				"step", step.ID,
				"attempt", result.Attempts,
				"kind", string(kind))
			select {
			case <-time.After(decision.Delay):
				continue
			case <-ctx.Done():
				result.Status = intent.StepFailed
				result.ErrorKind = fault.KindCancelled
				result.FinishedAt = time.Now()
				step.Status = intent.StepFailed
				step.Result = result
				return result
			}
		case recovery.ActionRollback:
			if cp == nil {
				// The step never acted (admission or preconditions
				// rejected it), so there is nothing of its own to undo;
				// the intent still unwinds to its last known-good state.
				result.RolledBack = true
			}
			if cp != nil {
				report, err := e.checkpoints.RollbackTo(ctx, cp.ID)
				if err != nil {
					result.ErrorKind = fault.KindRollbackIncomplete
					result.Detail = err.Error()
				} else {
					result.RolledBack = true
					if !report.Complete() {
						result.ErrorKind = fault.KindRollbackIncomplete
					}
					e.emit(ctx, events.TopicCheckpointRestored, intentID, map[string]any{
						"step_id":    string(step.ID),
						"checkpoint": cp.ID,
						"complete":   report.Complete(),
					})
				}
			}
			result.Status = intent.StepFailed
		case recovery.ActionSkip:
			result.Status = intent.StepSkipped
			e.emit(ctx, events.TopicStepSkipped, intentID, map[string]any{
				"step_id": string(step.ID),
				"kind":    string(kind),
			})
		default:
			result.Status = intent.StepFailed
		}

		result.FinishedAt = time.Now()
		step.Status = result.Status
		step.Result = result

		if result.Status == intent.StepFailed {
			e.emit(ctx, events.TopicStepFailed, intentID, map[string]any{
				"step_id": string(step.ID),
				"kind":    string(result.ErrorKind),
				"detail":  result.Detail,
			})
			// Bounds violations were already recorded at admission time.
			if result.ErrorKind != fault.KindBoundsViolation {
				e.recordTrust(ctx, ec, intentID, trust.OutcomeTaskFailed)
			}
		}
		return result
	}
}

// attempt runs one pass of the pipeline. The returned checkpoint (possibly
// nil) is the one taken for this attempt.
func (e *Executor) attempt(ctx context.Context, intentID ident.IntentID, step *intent.Step, ec *agentctx.Context, result *intent.StepResult) (*checkpoint.Checkpoint, error) {
	// Phase 1: admission.
	if violation := e.admit(step, ec); violation != nil {
		e.emit(ctx, events.TopicBoundsViolation, intentID, map[string]any{
			"step_id": string(step.ID),
			"kind":    string(violation.Kind),
			"detail":  violation.Detail,
		})
		ec.Audit("bounds.violation", map[string]any{
			"step":   string(step.ID),
			"kind":   string(violation.Kind),
			"detail": violation.Detail,
		})
		e.recordTrust(ctx, ec, intentID, trust.OutcomeBoundsViolation)
		return nil, fault.New(fault.KindBoundsViolation, "%s", violation.Error())
	}

	// Phase 2: preconditions.
	variables := ec.Variables()
	for _, cond := range step.Preconditions {
		ok, err := e.conditions.Evaluate(ctx, cond, variables)
		if err != nil {
			return nil, fault.Wrap(fault.KindExecutionFailed, err, "precondition %s", cond.String())
		}
		if !ok && step.StrictPreconditions {
			return nil, fault.New(fault.KindPreconditionFailed, "unsatisfied: %s", cond.String())
		}
	}

	// Phase 3: checkpoint.
	var cp *checkpoint.Checkpoint
	if e.checkpoints != nil && e.checkpoints.IsEnabled() {
		var err error
		cp, err = e.checkpoints.Create(ctx, intentID, step.ID, ec.Bounds().AllowedPaths, variables)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, err, "checkpoint failed")
		}
		if cp != nil {
			e.emit(ctx, events.TopicCheckpointCreated, intentID, map[string]any{
				"step_id":    string(step.ID),
				"checkpoint": cp.ID,
				"seq":        cp.Seq,
			})
		}
	}

	// Phase 4: the action.
	trace, actErr := e.act(ctx, intentID, step, ec, result)
	if actErr != nil {
		if cp != nil && fault.KindOf(actErr) == fault.KindTimeout {
			// A forcibly terminated action may have left effects the
			// manager cannot see; rollback is best-effort from here.
			_ = e.checkpoints.MarkUnsafe(ctx, cp.ID)
			cp.SafeRollback = false
		}
		return cp, actErr
	}
	if trace != nil {
		result.Output = string(trace.Stdout)
	}

	// Phase 5: post-snapshot.
	post := snapshot.Capture(ec.Bounds().AllowedPaths, ec.Variables())

	var pre *snapshot.Snapshot
	if cp != nil {
		pre = cp.Snapshot
	} else {
		pre = &snapshot.Snapshot{Files: map[string]snapshot.FileState{}, Variables: variables}
	}

	// Phase 6: verification.
	verified := false
	var outcome verifier.Outcome
	if step.Verification != nil {
		req := e.upgradeStrategy(ctx, *step.Verification, ec)
		var err error
		outcome, err = e.verifiers.Run(ctx, req, verifier.Input{
			Expected:  req.Expected,
			Pre:       pre,
			Post:      post,
			Trace:     trace,
			Variables: ec.Variables(),
		})
		if err != nil {
			return cp, fault.Wrap(fault.KindExecutionFailed, err, "verifier error")
		}
		if !outcome.Passed {
			e.emit(ctx, events.TopicVerificationFailed, intentID, map[string]any{
				"step_id": string(step.ID),
				"reason":  outcome.Reason,
			})
			return cp, fault.New(fault.KindVerificationFailed, "%s", outcome.Reason)
		}
		verified = true
		e.emit(ctx, events.TopicVerificationPassed, intentID, map[string]any{
			"step_id": string(step.ID),
			"hash":    outcome.Hash,
		})
	}

	// Phase 7: postconditions, treated as verification failures.
	for _, cond := range step.Postconditions {
		ok, err := e.conditions.Evaluate(ctx, cond, ec.Variables())
		if err != nil {
			return cp, fault.Wrap(fault.KindExecutionFailed, err, "postcondition %s", cond.String())
		}
		if !ok {
			e.emit(ctx, events.TopicVerificationFailed, intentID, map[string]any{
				"step_id": string(step.ID),
				"reason":  "postcondition: " + cond.String(),
			})
			return cp, fault.New(fault.KindPostconditionFailed, "unsatisfied: %s", cond.String())
		}
	}

	// Phase 8: proof on verified success.
	if verified {
		p, err := e.proofs.Generate(intentID, step.ID, pre.Hash(), post.Hash(), outcome)
		if err != nil {
			if step.Verification.Mandatory {
				return cp, err
			}
			slog.Warn("executor: proof generation failed on non-mandatory verification",
				"step", step.ID, "error", err)
		} else {
			if err := e.journal.Append(ctx, p); err != nil {
				return cp, err
			}
			result.ProofID = p.ID
			e.emit(ctx, events.TopicProofGenerated, intentID, map[string]any{
				"step_id":  string(step.ID),
				"proof_id": string(p.ID),
			})
		}
		e.recordTrust(ctx, ec, intentID, trust.OutcomeTaskVerified)
	} else {
		e.recordTrust(ctx, ec, intentID, trust.OutcomeTaskSucceeded)
	}

	e.emit(ctx, events.TopicStepCompleted, intentID, map[string]any{
		"step_id":  string(step.ID),
		"proof_id": string(result.ProofID),
	})
	ec.Audit("step.completed", map[string]any{
		"step":  string(step.ID),
		"proof": string(result.ProofID),
	})
	return cp, nil
}

// admit checks the action against the context bounds.
func (e *Executor) admit(step *intent.Step, ec *agentctx.Context) *bounds.Violation {
	switch step.Action.Type {
	case intent.ActionCommand:
		return ec.Enforcer().Check(bounds.Access{
			Command: step.Action.Command,
			Paths:   step.WritePaths,
		})
	case intent.ActionFunction:
		return ec.Enforcer().Check(bounds.Access{Paths: step.WritePaths})
	default:
		// Delegation narrows bounds in the gateway; nothing to admit here.
		return nil
	}
}

// act performs the step's action and returns the execution trace.
func (e *Executor) act(ctx context.Context, intentID ident.IntentID, step *intent.Step, ec *agentctx.Context, result *intent.StepResult) (*verifier.Trace, error) {
	actCtx := ctx
	if step.TimeoutMS > 0 {
		var cancel context.CancelFunc
		actCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	switch step.Action.Type {
	case intent.ActionCommand:
		if e.sandbox == nil {
			return nil, fault.New(fault.KindInternal, "no sandbox configured")
		}
		execution, err := e.sandbox.Run(actCtx, sandbox.Request{
			Command: step.Action.Command,
			Env:     ec.Bounds().EnvVars,
			Bounds:  ec.Bounds(),
			Timeout: timeoutOf(step),
		})
		if err != nil {
			return nil, fault.Wrap(fault.KindExecutionFailed, err, "command failed to start")
		}
		traceOut := &verifier.Trace{
			Argv:        execution.Argv,
			ExitCode:    execution.ExitCode,
			Stdout:      execution.Stdout,
			Stderr:      execution.Stderr,
			Duration:    execution.Duration,
			Attestation: execution.Attestation,
		}
		if execution.TimedOut {
			return traceOut, fault.New(fault.KindTimeout, "command exceeded %dms", step.TimeoutMS)
		}
		if execution.ExitCode != 0 {
			return traceOut, fault.New(fault.KindExecutionFailed, "exit code %d: %s", execution.ExitCode, firstLine(execution.Stderr))
		}
		return traceOut, nil

	case intent.ActionFunction:
		fn, ok := e.functions.Get(step.Action.Function)
		if !ok {
			return nil, fault.New(fault.KindExecutionFailed, "unknown function %q", step.Action.Function)
		}
		start := time.Now()
		output, err := fn(actCtx, step.Action.Args, ec)
		duration := time.Since(start)
		if err != nil {
			if actCtx.Err() == context.DeadlineExceeded {
				return nil, fault.Wrap(fault.KindTimeout, err, "function %q timed out", step.Action.Function)
			}
			return nil, fault.Wrap(fault.KindExecutionFailed, err, "function %q failed", step.Action.Function)
		}
		return &verifier.Trace{Stdout: []byte(output), Duration: duration}, nil

	case intent.ActionDelegate:
		if e.delegator == nil {
			return nil, fault.New(fault.KindInternal, "no delegation gateway configured")
		}
		sub, err := e.delegator.Delegate(actCtx, intentID, step, ec)
		if err != nil {
			return nil, err
		}
		if sub != nil && sub.Status != intent.StepCompleted {
			return nil, fault.New(sub.ErrorKind, "delegated task failed: %s", sub.Detail)
		}
		var output []byte
		if sub != nil {
			output = []byte(sub.Output)
			// The sub-execution's proof backs this step's claim.
			result.ProofID = sub.ProofID
		}
		return &verifier.Trace{Stdout: output}, nil
	}
	return nil, fault.New(fault.KindStructureInvalid, "unknown action type %q", step.Action.Type)
}

// upgradeStrategy tightens a composite verification to at least what the
// acting agent's current trust demands.
func (e *Executor) upgradeStrategy(ctx context.Context, req verifier.Requirement, ec *agentctx.Context) verifier.Requirement {
	if e.trust == nil || req.Type != verifier.TypeComposite {
		return req
	}
	agentID := ec.AgentID()
	if agentID == "" {
		return req
	}
	rep, err := e.trust.Get(ctx, agentID)
	if err != nil {
		return req
	}
	strategy, k := trust.StrategyFor(rep.Score)
	return verifier.Upgrade(req, strategy, k)
}

func (e *Executor) recordTrust(ctx context.Context, ec *agentctx.Context, intentID ident.IntentID, outcome trust.Outcome) {
	if e.trust == nil {
		return
	}
	agentID := ec.AgentID()
	if agentID == "" {
		return
	}
	rep, err := e.trust.Record(ctx, agentID, outcome)
	if err != nil {
		slog.Warn("executor: trust update failed", "agent", agentID, "error", err)
		return
	}
	e.emit(ctx, events.TopicTrustUpdated, intentID, map[string]any{
		"agent_id": string(agentID),
		"outcome":  string(outcome),
		"score":    rep.Score,
	})
}

func (e *Executor) emit(ctx context.Context, topic events.Topic, intentID ident.IntentID, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, events.New(topic, "executor", string(intentID), payload))
}


func timeoutOf(step *intent.Step) time.Duration {
	if step.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(step.TimeoutMS) * time.Millisecond
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
