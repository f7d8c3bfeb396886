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

// Package recovery chooses what happens after a step fails: retry,
// rollback, skip or abort.
package recovery

import (
	"math"
	"time"

	"github.com/kadirpekel/covenant/pkg/fault"
)

// Strategy names a recovery strategy.
type Strategy string

const (
	// StrategyRetry re-runs the step with backoff, transient errors only.
	StrategyRetry Strategy = "retry"

	// StrategyRollback restores the checkpoint taken before the step.
	StrategyRollback Strategy = "rollback"

	// StrategySkip marks the step skipped and continues.
	StrategySkip Strategy = "skip"

	// StrategyAbort terminates the intent.
	StrategyAbort Strategy = "abort"
)

// Policy is a step's declared recovery policy.
type Policy struct {
	Strategy    Strategy `json:"strategy" yaml:"strategy"`
	MaxAttempts int      `json:"max_attempts,omitempty" yaml:"max_attempts"`
	BackoffMS   int64    `json:"backoff_ms,omitempty" yaml:"backoff_ms"`
}

// SetDefaults fills zero values.
func (p *Policy) SetDefaults() {
	if p.Strategy == "" {
		p.Strategy = StrategyAbort
	}
	if p.Strategy == StrategyRetry {
		if p.MaxAttempts == 0 {
			p.MaxAttempts = 3
		}
		if p.BackoffMS == 0 {
			p.BackoffMS = 500
		}
	}
}

// Action is the controller's decision for a failed step.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionRollback Action = "rollback"
	ActionSkip     Action = "skip"
	ActionAbort    Action = "abort"
)

// Decision carries the chosen action and, for retries, the delay before
// the next attempt.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// Controller resolves failures against policies.
type Controller struct{}

// NewController creates a recovery controller.
func NewController() *Controller { return &Controller{} }

// Decide maps a failure to an action. attempt is 1-based: the number of
// attempts already made.
//
// Terminal kinds (bounds violations, structural errors, crypto failures)
// are never retried regardless of policy: re-running them cannot change
// the outcome. Rolling back or skipping remains legal, nothing is
// re-attempted either way. Rollback escalates to abort when the checkpoint
// is unsafe.
func (c *Controller) Decide(policy Policy, kind fault.Kind, attempt int, safeRollback bool) Decision {
	policy.SetDefaults()

	switch policy.Strategy {
	case StrategyRetry:
		if !fault.Terminal(kind) && fault.Retryable(kind) && attempt < policy.MaxAttempts {
			return Decision{Action: ActionRetry, Delay: c.backoff(policy, attempt)}
		}
		// Retries exhausted (or kind non-retryable): fall through to abort.
		return Decision{Action: ActionAbort}
	case StrategyRollback:
		if !safeRollback {
			return Decision{Action: ActionAbort}
		}
		return Decision{Action: ActionRollback}
	case StrategySkip:
		return Decision{Action: ActionSkip}
	default:
		return Decision{Action: ActionAbort}
	}
}

// backoff is exponential from the policy's base delay.
func (c *Controller) backoff(policy Policy, attempt int) time.Duration {
	ms := float64(policy.BackoffMS) * math.Pow(2, float64(attempt-1))
	return time.Duration(ms) * time.Millisecond
}
