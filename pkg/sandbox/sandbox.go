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

// Package sandbox runs commands under declared bounds and attests to what
// it observed.
//
// The Executor contract keeps real isolation pluggable: the local
// implementation re-checks the command allowlist in-process and kills the
// process at the request timeout; it does not apply the memory or CPU
// ceilings of the bounds to the child process. Jailed or containerized
// executors can substitute without touching the engine.
package sandbox

import (
	"context"
	"time"

	"github.com/kadirpekel/covenant/pkg/bounds"
)

// Request describes a command to run.
type Request struct {
	// Command is the full command line. argv[0] must be on the context's
	// allowlist; the executor has already admitted it, the sandbox checks
	// again.
	Command string

	// WorkingDir for the process.
	WorkingDir string

	// Env is the whitelisted environment.
	Env map[string]string

	// Bounds the execution must respect.
	Bounds *bounds.Bounds

	// Timeout forcibly terminates the process when exceeded.
	Timeout time.Duration
}

// Execution is what the sandbox observed.
type Execution struct {
	Argv     []string      `json:"argv"`
	ExitCode int           `json:"exit_code"`
	Stdout   []byte        `json:"-"`
	Stderr   []byte        `json:"-"`
	Duration time.Duration `json:"duration"`

	// TimedOut is set when the process was killed at the deadline.
	TimedOut bool `json:"timed_out,omitempty"`

	// Attestation is a tamper-evident token over the observation. The core
	// checks presence and authenticity only; the format is the executor's.
	Attestation string `json:"attestation,omitempty"`
}

// Executor runs commands under bounds.
type Executor interface {
	// Run executes the request. A refused command (not on the allowlist)
	// is an error, not an Execution.
	Run(ctx context.Context, req Request) (*Execution, error)
}
