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

// Package observability wires tracing and metrics behind one manager, and
// keeps the engine's meters current by watching the event bus.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/covenant/pkg/events"
)

// Manager manages the lifecycle of all observability components.
type Manager struct {
	config   *Config
	metrics  *Metrics
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	sub      *events.Subscription
	cancel   context.CancelFunc
}

// NewManager creates a Manager from configuration.
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	if cfg == nil {
		return &Manager{}, nil
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid observability config: %w", err)
	}

	m := &Manager{config: cfg}

	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "stdout" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		m.provider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.Tracing.SamplingRate)),
		)
		m.tracer = m.provider.Tracer("covenant")
		slog.Info("observability: tracing initialized",
			"exporter", cfg.Tracing.Exporter,
			"sampling_rate", cfg.Tracing.SamplingRate)
	}

	if cfg.Metrics.Enabled {
		metrics, err := NewMetrics(&cfg.Metrics)
		if err != nil {
			if m.provider != nil {
				_ = m.provider.Shutdown(ctx)
			}
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
		m.metrics = metrics
		slog.Info("observability: metrics initialized", "namespace", cfg.Metrics.Namespace)
	}

	return m, nil
}

// Metrics returns the metrics instance, or nil if metrics are disabled.
func (m *Manager) Metrics() *Metrics {
	if m == nil {
		return nil
	}
	return m.metrics
}

// Tracer returns the tracer, or nil if tracing is disabled.
func (m *Manager) Tracer() trace.Tracer {
	if m == nil {
		return nil
	}
	return m.tracer
}

// MetricsHandler returns the /metrics HTTP handler, or nil when metrics
// are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if m == nil || m.metrics == nil {
		return nil
	}
	return promhttp.HandlerFor(m.metrics.registry, promhttp.HandlerOpts{})
}

// ObserveBus counts engine events into the meters until the manager shuts
// down.
func (m *Manager) ObserveBus(bus *events.Bus) {
	if m == nil || m.metrics == nil || bus == nil {
		return
	}
	m.sub = bus.Subscribe(events.SubscribeOptions{
		Topics: []events.Topic{
			events.TopicStepCompleted,
			events.TopicStepFailed,
			events.TopicVerificationPassed,
			events.TopicVerificationFailed,
			events.TopicBoundsViolation,
			events.TopicProofGenerated,
			events.TopicPromiseFulfilled,
			events.TopicPromiseViolated,
			events.TopicPromiseExpired,
			events.TopicCheckpointRestored,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-m.sub.Events():
				if !ok {
					return
				}
				m.count(ctx, ev)
			}
		}
	}()
}

func (m *Manager) count(ctx context.Context, ev events.Event) {
	switch ev.Topic {
	case events.TopicStepCompleted, events.TopicStepFailed:
		m.metrics.StepsExecuted.Add(ctx, 1)
	case events.TopicVerificationPassed:
		m.metrics.VerificationsPassed.Add(ctx, 1)
	case events.TopicVerificationFailed:
		m.metrics.VerificationsFailed.Add(ctx, 1)
	case events.TopicBoundsViolation:
		m.metrics.BoundsViolations.Add(ctx, 1)
	case events.TopicProofGenerated:
		m.metrics.ProofsWritten.Add(ctx, 1)
	case events.TopicPromiseFulfilled, events.TopicPromiseViolated, events.TopicPromiseExpired:
		m.metrics.PromisesByOutcome.Add(ctx, 1)
	case events.TopicCheckpointRestored:
		m.metrics.CheckpointsRolledBack.Add(ctx, 1)
	}
}

// Shutdown stops the bus observer and flushes exporters.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		m.sub.Cancel()
	}
	var firstErr error
	if m.metrics != nil {
		if err := m.metrics.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if m.provider != nil {
		if err := m.provider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
