/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	otrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// Service names
	ServiceOrchestrator = "migrate-orchestrator"
)

// Config holds tracing configuration
type Config struct {
	Enabled           bool
	Endpoint          string
	ServiceName       string
	ServiceVersion    string
	SamplingRatio     float64
	InsecureTransport bool
}

// DefaultConfig returns default tracing configuration
func DefaultConfig(serviceName, version string) *Config {
	return &Config{
		Enabled:           getEnvBool("MIGRATE_TRACING_ENABLED", false),
		Endpoint:          getEnv("MIGRATE_TRACING_ENDPOINT", ""),
		ServiceName:       serviceName,
		ServiceVersion:    version,
		SamplingRatio:     getEnvFloat("MIGRATE_TRACING_SAMPLING_RATIO", 0.1),
		InsecureTransport: getEnvBool("MIGRATE_TRACING_INSECURE", true),
	}
}

// Setup initializes OpenTelemetry tracing
func Setup(ctx context.Context, config *Config) (func(), error) {
	if !config.Enabled {
		// Set up a no-op otracer provider
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() {}, nil
	}

	if config.Endpoint == "" {
		return nil, fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	// Create OTLP exporter
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}

	if config.InsecureTransport {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("service.namespace", "migrate"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create otracer provider
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.SamplingRatio)),
	)

	// Set global otracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// Return shutdown function
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			// Log error but don't fail shutdown
			fmt.Printf("Error shutting down otracer provider: %v\n", err)
		}
	}, nil
}

// GetTracer returns a otracer for the given name
func GetTracer(name string) otrace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span with the given name and options
func StartSpan(ctx context.Context, name string, opts ...otrace.SpanStartOption) (context.Context, otrace.Span) {
	otracer := otel.Tracer("migrate-orchestrator")
	return otracer.Start(ctx, name, opts...)
}

// AddEvent adds an event to the current span
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := otrace.SpanFromContext(ctx)
	span.AddEvent(name, otrace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := otrace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}

// RecordError records an error on the current span
func RecordError(ctx context.Context, err error) {
	span := otrace.SpanFromContext(ctx)
	span.RecordError(err)
}

// Common attribute keys for the migration orchestrator
var (
	// Migration attributes
	AttrMigrationID  = attribute.Key("migration.id")
	AttrVMUUID       = attribute.Key("vm.uuid")
	AttrMigrationKind = attribute.Key("migration.kind") // intra-pool | cross-pool

	// Destination / cluster attributes
	AttrDestPoolUUID = attribute.Key("dest.pool_uuid")
	AttrDestHostUUID = attribute.Key("dest.host_uuid")

	// Operation attributes
	AttrOperation = attribute.Key("operation")
	AttrTaskRef   = attribute.Key("task.ref")
	AttrOutcome   = attribute.Key("outcome")

	// RPC attributes
	AttrRPCMethod     = attribute.Key("rpc.method")
	AttrRPCCode       = attribute.Key("rpc.code")
	AttrCollaborator  = attribute.Key("collaborator") // smapi | xenops | destination

	// Resource attributes
	AttrVDIUUID = attribute.Key("vdi.uuid")
	AttrSRUUID  = attribute.Key("sr.uuid")
)

// Span names for the migration pipeline
const (
	SpanResolveDestination = "migrate.resolve_destination"
	SpanFeasibilityCheck   = "migrate.feasibility_check"
	SpanMapInference       = "migrate.map_inference"
	SpanAcquireGate        = "migrate.acquire_gate"
	SpanMirrorPlan         = "migrate.mirror_plan"
	SpanMirrorRun          = "migrate.mirror_run"
	SpanMetadataTransfer   = "migrate.metadata_transfer"
	SpanMemoryMigrate      = "migrate.memory_migrate"
	SpanFinalize           = "migrate.finalize"
	SpanRollback           = "migrate.rollback"
	SpanVGPUMap            = "migrate.vgpu_map"

	SpanCircuitBreaker = "circuit_breaker.check"
)

// Helper functions for common span patterns

// StartMigrationSpan starts a span scoped to a single migration attempt.
func StartMigrationSpan(ctx context.Context, operation, migrationID, vmUUID string) (context.Context, otrace.Span) {
	return StartSpan(ctx, operation,
		otrace.WithAttributes(
			AttrMigrationID.String(migrationID),
			AttrVMUUID.String(vmUUID),
			AttrOperation.String(operation),
		),
	)
}

// StartRPCSpan starts a span for a call to an external collaborator (SMAPI, XenopsAPI, destination pool).
func StartRPCSpan(ctx context.Context, method, collaborator string) (context.Context, otrace.Span) {
	return StartSpan(ctx, fmt.Sprintf("rpc.%s", method),
		otrace.WithAttributes(
			AttrRPCMethod.String(method),
			AttrCollaborator.String(collaborator),
		),
	)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}
