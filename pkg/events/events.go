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

// Package events implements the observability substrate: a typed,
// topic-based publish/subscribe bus carrying every state transition in the
// engine.
//
// Delivery is in publication order per topic. Each subscription owns a
// bounded buffer; what happens when it overruns is governed by the
// subscription's overflow policy.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic names a category of events.
type Topic string

const (
	TopicIntentStarted      Topic = "intent.started"
	TopicIntentCompleted    Topic = "intent.completed"
	TopicIntentFailed       Topic = "intent.failed"
	TopicIntentCancelled    Topic = "intent.cancelled"
	TopicIntentRolledBack   Topic = "intent.rolledback"
	TopicStepStarted        Topic = "step.started"
	TopicStepCompleted      Topic = "step.completed"
	TopicStepFailed         Topic = "step.failed"
	TopicStepSkipped        Topic = "step.skipped"
	TopicVerificationPassed Topic = "verification.passed"
	TopicVerificationFailed Topic = "verification.failed"
	TopicBoundsViolation    Topic = "bounds.violation"
	TopicCheckpointCreated  Topic = "checkpoint.created"
	TopicCheckpointRestored Topic = "checkpoint.restored"
	TopicPromiseProposed    Topic = "promise.proposed"
	TopicPromiseAccepted    Topic = "promise.accepted"
	TopicPromiseRefused     Topic = "promise.refused"
	TopicPromiseFulfilled   Topic = "promise.fulfilled"
	TopicPromiseViolated    Topic = "promise.violated"
	TopicPromiseExpired     Topic = "promise.expired"
	TopicTrustUpdated       Topic = "trust.updated"
	TopicProofGenerated     Topic = "proof.generated"
	TopicAudit              Topic = "audit"
)

// Event is a single record on the bus.
type Event struct {
	ID            string         `json:"id"`
	Topic         Topic          `json:"topic"`
	Payload       map[string]any `json:"payload,omitempty"`
	SourceSubject string         `json:"source_subject,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// New creates an event for the given topic.
func New(topic Topic, source, correlationID string, payload map[string]any) Event {
	return Event{
		ID:            uuid.New().String(),
		Topic:         topic,
		Payload:       payload,
		SourceSubject: source,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
	}
}

// OverflowPolicy governs a subscription whose buffer is full.
type OverflowPolicy string

const (
	// BlockProducer makes Publish wait until the subscriber drains.
	BlockProducer OverflowPolicy = "block_producer"

	// DropSlowConsumer drops events for the slow subscription and cancels
	// it once drops exceed the configured threshold.
	DropSlowConsumer OverflowPolicy = "drop_slow_consumer"
)
