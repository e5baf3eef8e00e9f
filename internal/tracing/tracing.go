// Package tracing wires OpenTelemetry spans around the daemon's two
// expensive operations: agent turns and merges. Disabled by default; a
// no-op tracer keeps the call sites free.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys used across the daemon.
const (
	AttrTeamID    = "team.id"
	AttrAgentName = "agent.name"
	AttrAgentRole = "agent.role"
	AttrTaskKey   = "task.key"
	AttrToolName  = "tool.name"
	AttrRepoName  = "repo.name"
	AttrEventKind = "event.kind"
)

// Span name prefixes.
const (
	SpanPrefixTurn  = "turn."
	SpanPrefixMerge = "merge."
	SpanPrefixTool  = "tool."
)

const serviceName = "delegate"

// Provider owns the tracer lifecycle.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewProvider creates a provider for a target: "" disables tracing,
// "stdout" pretty-prints spans, anything else is an OTLP gRPC endpoint.
func NewProvider(target string) (*Provider, error) {
	if target == "" {
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}, nil
	}

	var exporter sdktrace.SpanExporter
	var err error
	if target == "stdout" {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		exporter, err = otlptracegrpc.New(context.Background(),
			otlptracegrpc.WithEndpoint(target),
			otlptracegrpc.WithInsecure(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	return &Provider{provider: provider, tracer: provider.Tracer(serviceName)}, nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// StartTurn opens a span around one agent turn.
func (p *Provider) StartTurn(ctx context.Context, teamID, agent, role string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, SpanPrefixTurn+agent,
		trace.WithAttributes(
			attribute.String(AttrTeamID, teamID),
			attribute.String(AttrAgentName, agent),
			attribute.String(AttrAgentRole, role),
		))
}

// StartMerge opens a span around one merge attempt.
func (p *Provider) StartMerge(ctx context.Context, teamID, taskKey string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, SpanPrefixMerge+taskKey,
		trace.WithAttributes(
			attribute.String(AttrTeamID, teamID),
			attribute.String(AttrTaskKey, taskKey),
		))
}

// Shutdown flushes pending spans. Safe on a disabled provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	return p.provider.Shutdown(ctx)
}
