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

// Package intent defines the intent tree: goals, steps, their dependency
// structure, and the plan the engine executes.
//
// An intent declares what should happen; every claim about what did happen
// is established by the executor and its verifiers, never by the intent
// itself.
package intent

import (
	"sync"
	"time"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/fault"
	"github.com/kadirpekel/covenant/pkg/ident"
	"github.com/kadirpekel/covenant/pkg/recovery"
	"github.com/kadirpekel/covenant/pkg/verifier"
)

// Status is the intent lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolledback"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal returns whether this state is terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is a step's lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// ActionType names a step's action variant.
type ActionType string

const (
	// ActionCommand runs a command line in the sandbox.
	ActionCommand ActionType = "command"

	// ActionFunction invokes a registered function.
	ActionFunction ActionType = "function"

	// ActionDelegate spawns a sub-execution on another agent.
	ActionDelegate ActionType = "delegate"
)

// Action is what a step does.
type Action struct {
	Type ActionType `json:"type" yaml:"type"`

	// Command is the command line for ActionCommand.
	Command string `json:"command,omitempty" yaml:"command"`

	// Function and Args for ActionFunction.
	Function string         `json:"function,omitempty" yaml:"function"`
	Args     map[string]any `json:"args,omitempty" yaml:"args"`

	// Delegation for ActionDelegate.
	Delegation *DelegationSpec `json:"delegation,omitempty" yaml:"delegation"`
}

// DelegationSpec describes a delegated sub-task.
type DelegationSpec struct {
	// Agent that will perform the task.
	Agent ident.AgentID `json:"agent" yaml:"agent"`

	// Goal describes the delegated task.
	Goal string `json:"goal" yaml:"goal"`

	// Steps the sub-agent must perform, executed as a sub-intent.
	Steps []*Step `json:"steps,omitempty" yaml:"steps"`

	// BoundsOverride narrows (never widens) the parent context's bounds.
	BoundsOverride *bounds.Bounds `json:"bounds_override,omitempty" yaml:"bounds_override"`

	// Variables injected into the child context.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables"`

	// TimeoutMS bounds the sub-execution; expiry fails the step.
	TimeoutMS int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
}

// Step is a single executable unit.
type Step struct {
	ID     ident.StepID `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Action Action       `json:"action" yaml:"action"`

	// DependsOn lists explicit predecessor steps.
	DependsOn []ident.StepID `json:"depends_on,omitempty" yaml:"depends_on"`

	// Produces and Consumes declare data-flow edges: a step consuming a
	// variable depends on the step producing it.
	Produces []string `json:"produces,omitempty" yaml:"produces"`
	Consumes []string `json:"consumes,omitempty" yaml:"consumes"`

	// WritePaths declare the paths this step mutates. Two steps in the
	// same parallel group must not overlap.
	WritePaths []string `json:"write_paths,omitempty" yaml:"write_paths"`

	Preconditions  []verifier.Condition `json:"preconditions,omitempty" yaml:"preconditions"`
	Postconditions []verifier.Condition `json:"postconditions,omitempty" yaml:"postconditions"`

	// StrictPreconditions fails the step on an unsatisfied precondition
	// instead of proceeding.
	StrictPreconditions bool `json:"strict_preconditions,omitempty" yaml:"strict_preconditions"`

	// Verification declares how the step's effect is verified.
	Verification *verifier.Requirement `json:"verification,omitempty" yaml:"verification"`

	// Recovery is consulted when the step fails.
	Recovery recovery.Policy `json:"recovery,omitempty" yaml:"recovery"`

	// TimeoutMS bounds the action; zero means no step timeout.
	TimeoutMS int64 `json:"timeout_ms,omitempty" yaml:"timeout_ms"`

	Status StepStatus  `json:"status,omitempty" yaml:"-"`
	Result *StepResult `json:"result,omitempty" yaml:"-"`
}

// StepResult records what happened to a step.
type StepResult struct {
	Status     StepStatus    `json:"status"`
	ErrorKind  fault.Kind    `json:"error_kind,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	ProofID    ident.ProofID `json:"proof_id,omitempty"`
	Attempts   int           `json:"attempts"`
	RolledBack bool          `json:"rolled_back,omitempty"`
	Output     string        `json:"output,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
}

// Parallelization controls whether groups run concurrently.
type Parallelization string

const (
	Sequential Parallelization = "sequential"
	Parallel   Parallelization = "parallel"
)

// Config tunes an intent's execution.
type Config struct {
	Parallelization Parallelization `json:"parallelization,omitempty" yaml:"parallelization"`

	// StopOnFailure terminates on the first failed group. When false,
	// independent groups keep running.
	StopOnFailure *bool `json:"stop_on_failure,omitempty" yaml:"stop_on_failure"`
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Parallelization == "" {
		c.Parallelization = Sequential
	}
	if c.StopOnFailure == nil {
		stop := true
		c.StopOnFailure = &stop
	}
}

// ShouldStopOnFailure returns the effective stop-on-failure setting.
func (c *Config) ShouldStopOnFailure() bool {
	return c.StopOnFailure == nil || *c.StopOnFailure
}

// Intent is a declared goal with ordered steps and bounds.
type Intent struct {
	ID          ident.IntentID `json:"id" yaml:"id"`
	Goal        string         `json:"goal" yaml:"goal"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Steps       []*Step        `json:"steps" yaml:"steps"`
	SubIntents  []*Intent      `json:"sub_intents,omitempty" yaml:"sub_intents"`
	Bounds      *bounds.Bounds `json:"bounds,omitempty" yaml:"bounds"`
	Config      Config         `json:"config,omitempty" yaml:"config"`

	mu     sync.RWMutex
	status Status
}

// New creates an intent with fresh ids where missing.
func New(goal string, steps []*Step) *Intent {
	in := &Intent{
		ID:     ident.NewIntentID(),
		Goal:   goal,
		Steps:  steps,
		status: StatusPending,
	}
	for _, s := range steps {
		if s.ID == "" {
			s.ID = ident.NewStepID()
		}
		if s.Status == "" {
			s.Status = StepPending
		}
	}
	return in
}

// Status returns the current lifecycle state (thread-safe).
func (in *Intent) Status() Status {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.status == "" {
		return StatusPending
	}
	return in.status
}

// SetStatus transitions the lifecycle state.
func (in *Intent) SetStatus(s Status) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

// Step returns the step with the given id, or nil.
func (in *Intent) Step(id ident.StepID) *Step {
	for _, s := range in.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Result is the outcome of executing an intent.
type Result struct {
	IntentID    ident.IntentID               `json:"intent_id"`
	Success     bool                         `json:"success"`
	Status      Status                       `json:"status"`
	StepResults map[ident.StepID]*StepResult `json:"step_results"`
	ProofIDs    []ident.ProofID              `json:"proof_ids,omitempty"`
	TrustScores map[ident.AgentID]float64    `json:"trust_scores,omitempty"`
}
