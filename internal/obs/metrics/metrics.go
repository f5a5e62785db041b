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

package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Build information
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migrate_build_info",
			Help: "Build information for the migration orchestrator",
		},
		[]string{"version", "git_sha", "go_version", "component"},
	)

	// Phase metrics: one entry per migration pipeline phase (destination-resolve,
	// feasibility-check, map-inference, mirror-vdi, metadata-transfer,
	// memory-migrate, finalize, rollback)
	phaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_phase_total",
			Help: "Total number of migration phase executions by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	phaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrate_phase_duration_seconds",
			Help:    "Duration of migration phases",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"phase"},
	)

	gateQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migrate_gate_queue_depth",
			Help: "Current depth of the concurrency gate wait queue",
		},
		[]string{},
	)

	// Migration operation metrics
	migrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_migrations_total",
			Help: "Total number of migrations by kind (intra/cross-pool) and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// External collaborator RPC metrics (SMAPI, XenopsAPI, destination pool)
	collaboratorRPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_collaborator_rpc_requests_total",
			Help: "Total number of external collaborator RPC requests by collaborator, method, and code",
		},
		[]string{"collaborator", "method", "code"},
	)

	collaboratorRPCLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrate_collaborator_rpc_latency_seconds",
			Help:    "Latency of external collaborator RPC requests",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"collaborator", "method"},
	)

	// Active migration tracking
	activeMigrations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migrate_active_migrations",
			Help: "Number of migrations currently holding the concurrency gate",
		},
		[]string{},
	)

	// Error metrics
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_errors_total",
			Help: "Total number of errors by error code and component",
		},
		[]string{"code", "component"},
	)

	// Memory migration retry metrics
	memoryMigrateRetries = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "migrate_memory_retry_attempts",
			Help:    "Number of memory migration attempts before success or exhaustion",
			Buckets: []float64{1, 2, 3},
		},
		[]string{},
	)

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "migrate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"collaborator"},
	)

	circuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "migrate_circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"collaborator"},
	)
)

// Outcomes for phase and migration operations
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeRetry   = "retry"
)

// Migration phases
const (
	PhaseResolveDestination = "resolve_destination"
	PhaseFeasibilityCheck   = "feasibility_check"
	PhaseMapInference       = "map_inference"
	PhaseMirrorPlan         = "mirror_plan"
	PhaseMirrorRun          = "mirror_run"
	PhaseMetadataTransfer   = "metadata_transfer"
	PhaseMemoryMigrate      = "memory_migrate"
	PhaseFinalize           = "finalize"
	PhaseRollback           = "rollback"
	PhaseVGPUMap            = "vgpu_map"
)

// Migration kinds
const (
	KindIntraPool = "intra_pool"
	KindCrossPool = "cross_pool"
)

// Components
const (
	ComponentOrchestrator = "orchestrator"
	ComponentGate         = "gate"
)

// Circuit breaker states
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerHalfOpen = 1
	CircuitBreakerOpen     = 2
)

// SetupMetrics initializes metrics with build information
func SetupMetrics(version, gitSHA, component string) {
	buildInfo.WithLabelValues(version, gitSHA, runtime.Version(), component).Set(1)
}

// PhaseMetrics provides metrics for a single migration pipeline phase.
type PhaseMetrics struct {
	phase string
}

// NewPhaseMetrics creates metrics for a specific pipeline phase.
func NewPhaseMetrics(phase string) *PhaseMetrics {
	return &PhaseMetrics{phase: phase}
}

// RecordPhase records a phase execution with its outcome and duration.
func (m *PhaseMetrics) RecordPhase(outcome string, duration time.Duration) {
	phaseTotal.WithLabelValues(m.phase, outcome).Inc()
	phaseDuration.WithLabelValues(m.phase).Observe(duration.Seconds())
}

// SetGateQueueDepth sets the current depth of the concurrency gate wait queue.
func SetGateQueueDepth(depth float64) {
	gateQueueDepth.WithLabelValues().Set(depth)
}

// SetActiveMigrations sets the number of migrations currently holding the gate.
func SetActiveMigrations(count float64) {
	activeMigrations.WithLabelValues().Set(count)
}

// MigrationMetrics provides metrics for a top-level migration request.
type MigrationMetrics struct {
	kind string
}

// NewMigrationMetrics creates metrics for migrations of a given kind (intra/cross-pool).
func NewMigrationMetrics(kind string) *MigrationMetrics {
	return &MigrationMetrics{kind: kind}
}

// RecordMigration records a completed migration with its outcome.
func (m *MigrationMetrics) RecordMigration(outcome string) {
	migrationsTotal.WithLabelValues(m.kind, outcome).Inc()
}

// CollaboratorRPCMetrics provides metrics for calls to an external collaborator
// (the storage agent, the hypervisor agent, or the destination pool).
type CollaboratorRPCMetrics struct {
	collaborator string
}

// NewCollaboratorRPCMetrics creates metrics for a collaborator's RPC surface.
func NewCollaboratorRPCMetrics(collaborator string) *CollaboratorRPCMetrics {
	return &CollaboratorRPCMetrics{collaborator: collaborator}
}

// RecordRPC records an RPC call with its method, status code, and duration.
func (m *CollaboratorRPCMetrics) RecordRPC(method, code string, duration time.Duration) {
	collaboratorRPCRequestsTotal.WithLabelValues(m.collaborator, method, code).Inc()
	collaboratorRPCLatency.WithLabelValues(m.collaborator, method).Observe(duration.Seconds())
}

// RecordError records an error with its error code and component
func RecordError(code, component string) {
	errorsTotal.WithLabelValues(code, component).Inc()
}

// RecordMemoryMigrateAttempts records how many attempts the memory migration
// driver needed before it gave up or succeeded.
func RecordMemoryMigrateAttempts(attempts int) {
	memoryMigrateRetries.WithLabelValues().Observe(float64(attempts))
}

// CircuitBreakerMetrics provides metrics for circuit breakers guarding calls
// to an external collaborator.
type CircuitBreakerMetrics struct {
	collaborator string
}

// NewCircuitBreakerMetrics creates metrics for a collaborator's circuit breaker.
func NewCircuitBreakerMetrics(collaborator string) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{collaborator: collaborator}
}

// SetState sets the circuit breaker state
func (m *CircuitBreakerMetrics) SetState(state int) {
	circuitBreakerState.WithLabelValues(m.collaborator).Set(float64(state))
}

// RecordFailure records a circuit breaker failure
func (m *CircuitBreakerMetrics) RecordFailure() {
	circuitBreakerFailures.WithLabelValues(m.collaborator).Inc()
}

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// PhaseTimer is a helper for measuring a single pipeline phase's duration.
type PhaseTimer struct {
	metrics *PhaseMetrics
	timer   *Timer
}

// NewPhaseTimer creates a timer for a pipeline phase.
func NewPhaseTimer(phase string) *PhaseTimer {
	return &PhaseTimer{
		metrics: NewPhaseMetrics(phase),
		timer:   NewTimer(),
	}
}

// Finish records the phase execution with the given outcome.
func (pt *PhaseTimer) Finish(outcome string) {
	pt.metrics.RecordPhase(outcome, pt.timer.Duration())
}

// RPCTimer is a helper for measuring RPC operations
type RPCTimer struct {
	metrics *CollaboratorRPCMetrics
	method  string
	timer   *Timer
}

// NewRPCTimer creates a timer for RPC operations
func NewRPCTimer(collaborator, method string) *RPCTimer {
	return &RPCTimer{
		metrics: NewCollaboratorRPCMetrics(collaborator),
		method:  method,
		timer:   NewTimer(),
	}
}

// Finish records the RPC operation with the given status code
func (rt *RPCTimer) Finish(code string) {
	rt.metrics.RecordRPC(rt.method, code, rt.timer.Duration())
}

// Init registers all metrics with the default Prometheus registry
func Init() {
	// Metrics are automatically registered via promauto
	// This function is for any additional setup if needed
}

// GetRegistry returns the Prometheus gatherer backing the HTTP /metrics endpoint.
func GetRegistry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
