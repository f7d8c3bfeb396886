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

package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine's meters.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	StepsExecuted         metric.Int64Counter
	StepDuration          metric.Float64Histogram
	VerificationsPassed   metric.Int64Counter
	VerificationsFailed   metric.Int64Counter
	BoundsViolations      metric.Int64Counter
	ProofsWritten         metric.Int64Counter
	PromisesByOutcome     metric.Int64Counter
	CheckpointsRolledBack metric.Int64Counter
}

// NewMetrics builds the meter set on a fresh prometheus registry.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithNamespace(cfg.Namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("covenant/engine")

	m := &Metrics{registry: registry, provider: provider}

	if m.StepsExecuted, err = meter.Int64Counter("steps_executed_total",
		metric.WithDescription("Steps driven to a terminal status")); err != nil {
		return nil, err
	}
	if m.StepDuration, err = meter.Float64Histogram("step_duration_seconds",
		metric.WithDescription("Wall-clock step duration")); err != nil {
		return nil, err
	}
	if m.VerificationsPassed, err = meter.Int64Counter("verifications_passed_total",
		metric.WithDescription("Verifier outcomes that passed")); err != nil {
		return nil, err
	}
	if m.VerificationsFailed, err = meter.Int64Counter("verifications_failed_total",
		metric.WithDescription("Verifier outcomes that failed")); err != nil {
		return nil, err
	}
	if m.BoundsViolations, err = meter.Int64Counter("bounds_violations_total",
		metric.WithDescription("Actions rejected by the bounds enforcer")); err != nil {
		return nil, err
	}
	if m.ProofsWritten, err = meter.Int64Counter("proofs_written_total",
		metric.WithDescription("Signed proofs appended to the journal")); err != nil {
		return nil, err
	}
	if m.PromisesByOutcome, err = meter.Int64Counter("promises_total",
		metric.WithDescription("Promise transitions by outcome")); err != nil {
		return nil, err
	}
	if m.CheckpointsRolledBack, err = meter.Int64Counter("checkpoints_rolled_back_total",
		metric.WithDescription("Checkpoint restores performed")); err != nil {
		return nil, err
	}

	return m, nil
}

// Registry exposes the prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Shutdown flushes the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
