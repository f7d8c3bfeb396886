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

// Package delegation spawns sub-executions in narrowed contexts under
// negotiated promises.
//
// A Delegate step flows through the gateway: the child context is the
// intersection of the parent's bounds with the delegation override (an
// override can only narrow), the sub-agent's willingness is evaluated, a
// promise is proposed and accepted, a monitor forwards the sub-execution's
// events correlated to the parent intent, and the outcome settles the
// promise.
package delegation

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/covenant/pkg/agentctx"
	"github.com/kadirpekel/covenant/pkg/events"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/intent"
	"github.com/kadirpekel/covenant/pkg/promise"
)

// VariableCapabilityToken is the child-context variable carrying the
// capability token.
const VariableCapabilityToken = "covenant.capability_token"

// VariableParentIntent is the child-context variable carrying the parent
// intent id.
const VariableParentIntent = "covenant.parent_intent"

// VariableDeadline is the child-context variable carrying the delegation
// deadline (RFC 3339), when one exists.
const VariableDeadline = "covenant.deadline"

// IntentRunner executes sub-intents. Implemented by the engine; an
// interface here breaks the executor → gateway → engine cycle.
type IntentRunner interface {
	Submit(ctx context.Context, in *intent.Intent) (ident.IntentID, error)
	Execute(ctx context.Context, id ident.IntentID, rootCtx *agentctx.Context) (*intent.Result, error)
}

// Gateway negotiates and runs delegations.
type Gateway struct {
	runner   IntentRunner
	promises *promise.Manager
	bus      *events.Bus
	issuer   *TokenIssuer
	willCfg  promise.EvaluatorConfig
}

// Options bundle the gateway's collaborators.
type Options struct {
	Runner      IntentRunner
	Promises    *promise.Manager
	Bus         *events.Bus
	Issuer      *TokenIssuer
	Willingness promise.EvaluatorConfig
}

// NewGateway creates a delegation Gateway.
func NewGateway(opts Options) *Gateway {
	return &Gateway{
		runner:   opts.Runner,
		promises: opts.Promises,
		bus:      opts.Bus,
		issuer:   opts.Issuer,
		willCfg:  opts.Willingness,
	}
}

// Delegate runs a Delegate step to completion and returns the step result
// the executor records.
func (g *Gateway) Delegate(ctx context.Context, parentIntentID ident.IntentID, step *intent.Step, parent *agentctx.Context) (*intent.StepResult, error) {
	spec := step.Action.Delegation
	if spec == nil {
		return nil, fault.New(fault.KindStructureInvalid, "delegate step %s has no spec", step.ID)
	}

	// Child context: intersection of parent bounds and override. Additions
	// in the override are refused by construction.
	child := parent.NewChild(spec.BoundsOverride, agentctx.Metadata{
		Creator: "delegation-gateway",
		Purpose: spec.Goal,
		AgentID: spec.Agent,
	})
	for k, v := range spec.Variables {
		child.SetVariable(k, v)
	}

	deadline := time.Time{}
	if spec.TimeoutMS > 0 {
		deadline = time.Now().Add(time.Duration(spec.TimeoutMS) * time.Millisecond)
	}

	// Negotiate: the sub-agent's willingness, then an explicit promise.
	willingness, err := g.promises.EvaluateWillingness(ctx, spec.Agent, child.Bounds(), promise.Request{
		From:        parent.AgentID(),
		Scope:       spec.Goal,
		Constraints: child.Bounds(),
	}, g.willCfg)
	if err != nil {
		return nil, err
	}
	if willingness.Decision == promise.Unwilling || willingness.Decision == promise.Uncertain {
		kind := fault.KindPromiseRefused
		if willingness.Cause == promise.CauseTrust {
			kind = fault.KindTrustBelowThreshold
		}
		return nil, fault.New(kind,
			"agent %s is %s: %s", spec.Agent, willingness.Decision, willingness.Reason)
	}

	promiseID, err := g.promises.Propose(ctx, &promise.Promise{
		Promiser: spec.Agent,
		Promisee: parent.AgentID(),
		Scope:    spec.Goal,
		Type:     promise.TypeDelegate,
		Body: promise.Body{
			Content:     spec.Goal,
			Constraints: child.Bounds(),
		},
		Deadline: deadline,
	}, child.Bounds())
	if err != nil {
		return nil, err
	}
	acceptor := parent.AgentID()
	if acceptor == "" {
		acceptor = ident.AgentID("orchestrator")
	}
	if err := g.promises.Accept(ctx, promiseID, acceptor); err != nil {
		return nil, err
	}

	// Inject the delegated context: parent intent, deadline, capability
	// token for event-bus reporting.
	child.SetVariable(VariableParentIntent, string(parentIntentID))
	if !deadline.IsZero() {
		child.SetVariable(VariableDeadline, deadline.Format(time.RFC3339))
	}
	var token string
	if g.issuer != nil {
		token, err = g.issuer.Issue(parentIntentID, spec.Agent, spec.Goal, deadline)
		if err != nil {
			slog.Warn("delegation: failed to issue capability token", "error", err)
			token = ""
		} else {
			child.SetVariable(VariableCapabilityToken, token)
		}
	}

	// Sub-intent from the delegated steps.
	sub := intent.New(spec.Goal, spec.Steps)
	sub.Bounds = child.Bounds()
	subID, err := g.runner.Submit(ctx, sub)
	if err != nil {
		return nil, err
	}

	// Monitor: forward the sub-execution's events correlated with the
	// parent intent. Forwarding is gated on the capability token the
	// sub-agent was issued.
	monitor := g.startMonitor(ctx, parentIntentID, subID, step.ID, token)
	defer monitor.stop()

	runCtx := ctx
	if spec.TimeoutMS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	type outcome struct {
		result *intent.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := g.runner.Execute(runCtx, subID, child)
		done <- outcome{result: r, err: err}
	}()

	select {
	case <-runCtx.Done():
		// Timeout: the promise expires, the step fails.
		if err := g.promises.Expire(ctx, promiseID); err != nil {
			slog.Warn("delegation: failed to expire promise", "promise", promiseID, "error", err)
		}
		return nil, fault.New(fault.KindDelegationTimeout,
			"delegation to %s exceeded %dms", spec.Agent, spec.TimeoutMS)
	case o := <-done:
		if o.err != nil {
			_, _ = g.promises.VerifyFulfillment(ctx, promiseID)
			return nil, o.err
		}
		return g.settle(ctx, promiseID, o.result)
	}
}

// settle submits the sub-execution's proofs as evidence and verifies
// fulfillment.
func (g *Gateway) settle(ctx context.Context, promiseID ident.PromiseID, result *intent.Result) (*intent.StepResult, error) {
	if result.Success && len(result.ProofIDs) > 0 {
		evidence := map[string]any{"proof_id": string(result.ProofIDs[0])}
		if err := g.promises.SubmitEvidence(ctx, promiseID, evidence); err != nil {
			slog.Warn("delegation: failed to submit evidence", "promise", promiseID, "error", err)
		}
	}
	status, err := g.promises.VerifyFulfillment(ctx, promiseID)
	if err != nil {
		return nil, err
	}

	stepResult := &intent.StepResult{Attempts: 1}
	if result.Success && status == promise.StatusFulfilled {
		stepResult.Status = intent.StepCompleted
		if len(result.ProofIDs) > 0 {
			stepResult.ProofID = result.ProofIDs[0]
		}
		return stepResult, nil
	}

	stepResult.Status = intent.StepFailed
	if status == promise.StatusViolated {
		stepResult.ErrorKind = fault.KindPromiseViolated
		stepResult.Detail = "delegated work did not produce verifiable evidence"
	} else {
		stepResult.ErrorKind = fault.KindExecutionFailed
		stepResult.Detail = "delegated execution failed"
	}
	return stepResult, nil
}

// monitor forwards sub-execution events to the parent correlation.
type monitorPipeline struct {
	sub    *events.Subscription
	cancel context.CancelFunc
}

// startMonitor forwards the sub-execution's events under the parent's
// correlation. The capability token scopes the reporting: events are only
// forwarded while the token validates for this delegation, so an expired
// or missing grant silences the sub-execution instead of letting it report
// as the parent.
func (g *Gateway) startMonitor(ctx context.Context, parentID ident.IntentID, subID ident.IntentID, stepID ident.StepID, token string) *monitorPipeline {
	if g.bus == nil {
		return &monitorPipeline{cancel: func() {}}
	}
	if g.issuer == nil || token == "" {
		slog.Warn("delegation: no capability token, sub-execution events will not be forwarded",
			"parent", parentID, "sub", subID)
		return &monitorPipeline{cancel: func() {}}
	}

	sub := g.bus.Subscribe(events.SubscribeOptions{CorrelationID: string(subID)})
	runCtx, cancel := context.WithCancel(context.Background())

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				// Revalidated per event so an expired grant stops the
				// pipeline mid-flight.
				capability, err := g.issuer.Validate(token)
				if err != nil {
					slog.Warn("delegation: capability token rejected, dropping sub-execution events",
						"sub", subID, "error", err)
					return
				}
				if capability.IntentID != parentID {
					slog.Warn("delegation: capability token scoped to another intent, dropping sub-execution events",
						"sub", subID, "token_intent", capability.IntentID)
					return
				}
				payload := make(map[string]any, len(ev.Payload)+3)
				for k, v := range ev.Payload {
					payload[k] = v
				}
				payload["delegated_step"] = string(stepID)
				payload["sub_intent"] = string(subID)
				payload["reporting_agent"] = string(capability.Agent)
				g.bus.Publish(ctx, events.New(ev.Topic, "delegation-monitor", string(parentID), payload))
			}
		}
	}()

	return &monitorPipeline{sub: sub, cancel: cancel}
}

func (m *monitorPipeline) stop() {
	m.cancel()
	if m.sub != nil {
		m.sub.Cancel()
	}
}
