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

package sandbox

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kadirpekel/covenant/pkg/bounds"
	"github.com/kadirpekel/covenant/pkg/crypto"
)

// Local runs commands as child processes with in-process enforcement.
type Local struct {
	provider crypto.Provider
}

// NewLocal creates a local sandbox. The provider signs attestation tokens;
// nil disables attestation.
func NewLocal(provider crypto.Provider) *Local {
	return &Local{provider: provider}
}

// Run executes the command after re-checking it against the request bounds.
func (l *Local) Run(ctx context.Context, req Request) (*Execution, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	// The executor admitted the action already; the sandbox enforces
	// independently so a bypassed admission still cannot run.
	if req.Bounds != nil {
		enforcer := bounds.NewEnforcer(req.Bounds)
		if v := enforcer.Check(bounds.Access{Command: req.Command}); v != nil {
			return nil, fmt.Errorf("sandbox refused command: %s", v.Error())
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	// Redirections were path-checked at admission; hand the line to the
	// shell so they apply.
	argv := strings.Fields(req.Command)
	cmd := exec.CommandContext(runCtx, "sh", "-c", req.Command)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	// The child never inherits this process's environment: only the
	// whitelisted variables cross, plus PATH so the shell can resolve the
	// allowlisted binaries. A nil whitelist grants nothing.
	env := make([]string, 0, len(req.Env)+1)
	env = append(env, "PATH="+os.Getenv("PATH"))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	execution := &Execution{
		Argv:     argv,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
		TimedOut: runCtx.Err() == context.DeadlineExceeded,
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			execution.ExitCode = exitErr.ExitCode()
		} else if execution.TimedOut {
			execution.ExitCode = -1
		} else {
			return nil, fmt.Errorf("failed to run command: %w", err)
		}
	}

	if l.provider != nil {
		execution.Attestation = l.attest(execution)
	}

	return execution, nil
}

// attest signs the observation so verifiers can prove the trace was not
// rewritten after the fact.
func (l *Local) attest(e *Execution) string {
	var b bytes.Buffer
	b.WriteString(strings.Join(e.Argv, "\x00"))
	fmt.Fprintf(&b, "|%d|", e.ExitCode)
	b.Write(l.provider.Hash(e.Stdout))
	b.Write(l.provider.Hash(e.Stderr))

	digest := l.provider.Hash(b.Bytes())
	sig, err := l.provider.Sign(digest)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(sig)
}

// VerifyAttestation rechecks a token against an execution.
func VerifyAttestation(provider crypto.Provider, e *Execution) bool {
	if e.Attestation == "" || provider == nil {
		return false
	}
	var b bytes.Buffer
	b.WriteString(strings.Join(e.Argv, "\x00"))
	fmt.Fprintf(&b, "|%d|", e.ExitCode)
	b.Write(provider.Hash(e.Stdout))
	b.Write(provider.Hash(e.Stderr))

	digest := provider.Hash(b.Bytes())
	sig, err := hex.DecodeString(e.Attestation)
	if err != nil {
		return false
	}
	return provider.Verify(provider.PublicKey(), digest, sig)
}
