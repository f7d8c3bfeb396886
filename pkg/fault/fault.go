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

// Package fault defines the error taxonomy used at every component boundary.
//
// Components return *Error values tagged with a Kind. Kinds are classified
// as retryable or terminal; the recovery controller consults this
// classification before applying a retry policy.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindStructureInvalid covers cyclic dependencies, missing required
	// fields and contradictory bounds detected at submission time.
	KindStructureInvalid Kind = "structure_invalid"

	// KindBoundsViolation is an attempt outside the active context's bounds.
	KindBoundsViolation Kind = "bounds_violation"

	// KindPreconditionFailed means a declared precondition was unsatisfied.
	KindPreconditionFailed Kind = "precondition_failed"

	// KindPostconditionFailed means a declared postcondition was unsatisfied.
	KindPostconditionFailed Kind = "postcondition_failed"

	// KindVerificationFailed means a mandatory verifier rejected the evidence.
	KindVerificationFailed Kind = "verification_failed"

	// KindExecutionFailed means the action itself errored.
	KindExecutionFailed Kind = "execution_failed"

	// KindTimeout means a cooperative deadline was exceeded.
	KindTimeout Kind = "timeout"

	// KindRollbackIncomplete means a checkpoint restore partially failed.
	KindRollbackIncomplete Kind = "rollback_incomplete"

	// KindCryptoUnavailable means a signing or hashing primitive failed.
	KindCryptoUnavailable Kind = "crypto_unavailable"

	// KindPromiseRefused means the counterparty declined the promise.
	KindPromiseRefused Kind = "promise_refused"

	// KindPromiseViolated means promised evidence failed verification.
	KindPromiseViolated Kind = "promise_violated"

	// KindPromiseExpired means the promise deadline passed without evidence.
	KindPromiseExpired Kind = "promise_expired"

	// KindTrustBelowThreshold means the counterparty's trust is too low for
	// the requested verification strategy.
	KindTrustBelowThreshold Kind = "trust_below_threshold"

	// KindDelegationTimeout means a delegated sub-execution did not finish
	// before its deadline.
	KindDelegationTimeout Kind = "delegation_timeout"

	// KindCancelled means the intent was cooperatively cancelled.
	KindCancelled Kind = "cancelled"

	// KindNotFound means a referenced record does not exist.
	KindNotFound Kind = "not_found"

	// KindInternal covers unexpected internal failures.
	KindInternal Kind = "internal"
)

// Error is a kinded error carried across component boundaries.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// New creates an Error with a formatted detail.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Retryable reports whether errors of this kind may be retried.
//
// Verification failures are retryable because the observed state can
// change between attempts (a service coming up, a file appearing). Bounds
// violations, structural errors and crypto failures are terminal; retrying
// them cannot change the outcome.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindExecutionFailed, KindVerificationFailed:
		return true
	}
	return false
}

// Terminal reports whether errors of this kind abort the intent regardless
// of the step's recovery policy.
func Terminal(kind Kind) bool {
	switch kind {
	case KindBoundsViolation, KindStructureInvalid, KindCryptoUnavailable, KindCancelled:
		return true
	}
	return false
}
