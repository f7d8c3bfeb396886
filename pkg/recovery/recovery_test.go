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

package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/covenant/pkg/fault"
)

func TestDecide_RetryTransient(t *testing.T) {
	c := NewController()
	policy := Policy{Strategy: StrategyRetry, MaxAttempts: 3, BackoffMS: 100}

	d := c.Decide(policy, fault.KindTimeout, 1, true)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 100*time.Millisecond, d.Delay)

	d = c.Decide(policy, fault.KindExecutionFailed, 2, true)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 200*time.Millisecond, d.Delay)

	// Attempts exhausted.
	d = c.Decide(policy, fault.KindTimeout, 3, true)
	assert.Equal(t, ActionAbort, d.Action)
}

func TestDecide_TerminalKindsNeverRetry(t *testing.T) {
	c := NewController()
	policy := Policy{Strategy: StrategyRetry, MaxAttempts: 5}

	for _, kind := range []fault.Kind{
		fault.KindBoundsViolation,
		fault.KindStructureInvalid,
		fault.KindCryptoUnavailable,
	} {
		d := c.Decide(policy, kind, 1, true)
		assert.Equal(t, ActionAbort, d.Action, string(kind))
	}
}

func TestDecide_VerificationFailureRetryable(t *testing.T) {
	// Observed state can change between attempts; a failed verification
	// under a retry policy runs again.
	c := NewController()
	policy := Policy{Strategy: StrategyRetry, MaxAttempts: 5}

	d := c.Decide(policy, fault.KindVerificationFailed, 1, true)
	assert.Equal(t, ActionRetry, d.Action)
}

func TestDecide_RollbackEscalatesWhenUnsafe(t *testing.T) {
	c := NewController()
	policy := Policy{Strategy: StrategyRollback}

	d := c.Decide(policy, fault.KindExecutionFailed, 1, true)
	assert.Equal(t, ActionRollback, d.Action)

	d = c.Decide(policy, fault.KindExecutionFailed, 1, false)
	assert.Equal(t, ActionAbort, d.Action)
}

func TestDecide_SkipAndDefault(t *testing.T) {
	c := NewController()

	d := c.Decide(Policy{Strategy: StrategySkip}, fault.KindExecutionFailed, 1, true)
	assert.Equal(t, ActionSkip, d.Action)

	d = c.Decide(Policy{}, fault.KindExecutionFailed, 1, true)
	assert.Equal(t, ActionAbort, d.Action)
}
