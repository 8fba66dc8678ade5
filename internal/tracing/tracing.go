// Copyright 2025 Tom Barlow
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

// Package tracing sets up the OpenTelemetry TracerProvider for flowstated
// and provides a helper for the one span shape the orchestrator needs: one
// span per service operation, named "orchestrator.<operation>" and carrying
// execution_id / resume_group_id as attributes.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls tracer provider setup.
type Config struct {
	// Enabled activates span export. When false, Setup installs a provider
	// that samples nothing, so OrchestratorSpan's spans are not recorded.
	Enabled bool
	// ServiceName identifies this process in exported spans.
	ServiceName string
	// ServiceVersion is the flowstate build version.
	ServiceVersion string
	// PrettyPrint formats the stdout exporter's output for readability.
	PrettyPrint bool
}

// DefaultConfig returns tracing disabled by default, matching the teacher's
// opt-in posture.
func DefaultConfig() Config {
	return Config{Enabled: false, ServiceName: "flowstated", ServiceVersion: "unknown"}
}

// Provider wraps the OpenTelemetry SDK TracerProvider and exposes the
// orchestrator-scoped Tracer.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Setup builds a Provider from cfg. When cfg.Enabled is false, it installs a
// TracerProvider with no span processors — spans are created but discarded.
func Setup(cfg Config) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: failed to build resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if cfg.Enabled {
		exporterOpts := []stdouttrace.Option{stdouttrace.WithoutTimestamps()}
		if cfg.PrettyPrint {
			exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
		}
		exporter, err := stdouttrace.New(exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("tracing: failed to build exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, tracer: tp.Tracer("github.com/flowstate/flowstate/internal/orchestrator")}, nil
}

// Shutdown flushes pending spans and releases exporter resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Attrs is a light map-based builder for span attributes, avoiding the
// verbosity of building an attribute.KeyValue slice at every call site.
type Attrs map[string]string

// OrchestratorSpan starts a span named "orchestrator.<operation>" carrying
// attrs, and returns the derived context plus an end func that records err
// (if any) onto the span before closing it.
func (p *Provider) OrchestratorSpan(ctx context.Context, operation string, attrs Attrs) (context.Context, func(err *error)) {
	kv := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kv = append(kv, attribute.String(k, v))
	}

	ctx, span := p.tracer.Start(ctx, "orchestrator."+operation, trace.WithAttributes(kv...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}
}
