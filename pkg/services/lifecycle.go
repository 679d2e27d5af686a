package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/observability"
)

// ServiceState is a position in the service lifecycle.
//
//	uninitialized -> initializing -> ready | failed
//	ready -> shutting_down -> uninitialized
//	failed -> initializing (retry)
type ServiceState string

const (
	StateUninitialized ServiceState = "uninitialized"
	StateInitializing  ServiceState = "initializing"
	StateReady         ServiceState = "ready"
	StateFailed        ServiceState = "failed"
	StateShuttingDown  ServiceState = "shutting_down"
)

// HealthStatus is the coarse result of a health check.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the outcome of a health probe. It never carries an error; failures
// are folded into Status and Message.
type Health struct {
	Service   string         `json:"service"`
	Status    HealthStatus   `json:"status"`
	State     ServiceState   `json:"state"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// OperationStats aggregates calls of one guarded operation.
type OperationStats struct {
	Calls         int64         `json:"calls"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	LastError     string        `json:"last_error,omitempty"`
	LastCalledAt  time.Time     `json:"last_called_at"`
}

// ServiceStats is a snapshot of a service's counters.
type ServiceStats struct {
	Service       string                    `json:"service"`
	State         ServiceState              `json:"state"`
	InitializedAt *time.Time                `json:"initialized_at,omitempty"`
	Operations    map[string]OperationStats `json:"operations"`
	Custom        map[string]any            `json:"custom,omitempty"`
}

// Lifecycle is the capability set every long-lived service provides.
type Lifecycle interface {
	Name() string
	State() ServiceState
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) Health
	Stats() ServiceStats
}

// LifecycleHooks are the service-specific parts of the lifecycle. Every hook is optional.
type LifecycleHooks struct {
	OnInitialize func(ctx context.Context) error
	OnShutdown   func(ctx context.Context) error
	// CheckHealth reports status, message and details. Service, State and
	// CheckedAt are filled in by ServiceBase.
	CheckHealth  func(ctx context.Context) Health
	CollectStats func() map[string]any
}

// Dependency is another service that must be ready before this one initializes.
type Dependency struct {
	Name    string
	Service Lifecycle
}

type initCall struct {
	done chan struct{}
	err  error
}

// ServiceBase implements Lifecycle for a service by composition. Concurrent
// Initialize calls share one in-flight initialization.
type ServiceBase struct {
	name    string
	hooks   LifecycleHooks
	deps    []Dependency
	logger  *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu            sync.Mutex
	state         ServiceState
	pending       *initCall
	initializedAt time.Time

	opMu sync.Mutex
	ops  map[string]*OperationStats
}

var _ Lifecycle = (*ServiceBase)(nil)

// NewServiceBase creates a lifecycle for the named service. metrics may be nil.
func NewServiceBase(name string, hooks LifecycleHooks, logger *zap.Logger, metrics *observability.Metrics, deps ...Dependency) *ServiceBase {
	return &ServiceBase{
		name:    name,
		hooks:   hooks,
		deps:    deps,
		logger:  logger.Named("lifecycle").With(zap.String("service", name)),
		metrics: metrics,
		tracer:  otel.Tracer(observability.TracerName),
		state:   StateUninitialized,
		ops:     make(map[string]*OperationStats),
	}
}

func (b *ServiceBase) Name() string { return b.name }

func (b *ServiceBase) State() ServiceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Initialize brings the service to ready. It returns immediately when already
// ready and joins the pending call when one is in flight. The hook runs on a
// context detached from the caller, so a caller giving up does not abort an
// initialization other callers are waiting on.
func (b *ServiceBase) Initialize(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateReady:
		b.mu.Unlock()
		return nil
	case StateShuttingDown:
		b.mu.Unlock()
		return b.serviceError(apperrors.New(apperrors.CodeServiceInit, "service is shutting down"), "Initialize")
	case StateInitializing:
		call := b.pending
		b.mu.Unlock()
		return b.wait(ctx, call)
	}

	call := &initCall{done: make(chan struct{})}
	b.pending = call
	b.state = StateInitializing
	b.mu.Unlock()

	go b.runInit(context.WithoutCancel(ctx), call)
	return b.wait(ctx, call)
}

func (b *ServiceBase) wait(ctx context.Context, call *initCall) error {
	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return b.serviceError(apperrors.Wrap(apperrors.CodeServiceInit, "gave up waiting for initialization", ctx.Err()), "Initialize")
	}
}

func (b *ServiceBase) runInit(ctx context.Context, call *initCall) {
	start := time.Now()
	b.logger.Info("Initializing service")

	err := b.checkDependencies()
	if err == nil && b.hooks.OnInitialize != nil {
		if hookErr := safeCall(func() error { return b.hooks.OnInitialize(ctx) }); hookErr != nil {
			err = b.serviceError(apperrors.Wrap(apperrors.CodeServiceInit, "initialization failed", hookErr), "Initialize")
		}
	}

	b.mu.Lock()
	if err != nil {
		b.state = StateFailed
	} else {
		b.state = StateReady
		b.initializedAt = time.Now()
	}
	b.pending = nil
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("Service initialization failed", zap.Error(err))
	} else {
		b.logger.Info("Service initialized", zap.Duration("elapsed", time.Since(start)))
	}

	call.err = err
	close(call.done)
}

func (b *ServiceBase) checkDependencies() error {
	for _, dep := range b.deps {
		if dep.Service == nil {
			return b.serviceError(apperrors.New(apperrors.CodeDependencyNotFound,
				fmt.Sprintf("dependency %s is not registered", dep.Name)).
				WithDetail("dependency", dep.Name), "Initialize")
		}
		if dep.Service.State() != StateReady {
			return b.serviceError(apperrors.New(apperrors.CodeDependencyNotInitialized,
				fmt.Sprintf("dependency %s is not initialized", dep.Name)).
				WithDetail("dependency", dep.Name).
				WithDetail("dependency_state", string(dep.Service.State())), "Initialize")
		}
	}
	return nil
}

// Shutdown is a no-op unless the service is ready. Afterwards the service is
// uninitialized and may be initialized again, even when the hook failed.
func (b *ServiceBase) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateReady {
		b.mu.Unlock()
		return nil
	}
	b.state = StateShuttingDown
	b.mu.Unlock()

	b.logger.Info("Shutting down service")

	var err error
	if b.hooks.OnShutdown != nil {
		err = safeCall(func() error { return b.hooks.OnShutdown(ctx) })
	}

	b.mu.Lock()
	b.state = StateUninitialized
	b.initializedAt = time.Time{}
	b.mu.Unlock()

	if err != nil {
		b.logger.Error("Service shutdown failed", zap.Error(err))
		return b.serviceError(apperrors.Wrap(apperrors.CodeServiceShutdown, "shutdown failed", err), "Shutdown")
	}
	return nil
}

// EnsureInitialized fails with SERVICE_NOT_INITIALIZED unless the service is ready.
func (b *ServiceBase) EnsureInitialized() error {
	state := b.State()
	if state == StateReady {
		return nil
	}
	err := apperrors.New(apperrors.CodeServiceNotInitialized,
		fmt.Sprintf("%s is not initialized", b.name)).
		WithDetail("state", string(state))
	err.Service = b.name
	return err
}

// Health never fails: hook panics and non-ready states report unhealthy.
func (b *ServiceBase) Health(ctx context.Context) (h Health) {
	state := b.State()
	h = Health{
		Service:   b.name,
		Status:    HealthHealthy,
		State:     state,
		CheckedAt: time.Now(),
	}
	if state != StateReady {
		h.Status = HealthUnhealthy
		h.Message = fmt.Sprintf("service is %s", state)
		return h
	}
	if b.hooks.CheckHealth == nil {
		return h
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Health check panicked", zap.Any("panic", r))
			h.Status = HealthUnhealthy
			h.Message = fmt.Sprintf("health check panicked: %v", r)
			h.Details = nil
		}
	}()

	report := b.hooks.CheckHealth(ctx)
	if report.Status == "" {
		report.Status = HealthHealthy
	}
	h.Status = report.Status
	h.Message = report.Message
	h.Details = report.Details
	return h
}

// Stats returns per-operation counters plus whatever the service collects itself.
func (b *ServiceBase) Stats() ServiceStats {
	b.mu.Lock()
	state := b.state
	initializedAt := b.initializedAt
	b.mu.Unlock()

	s := ServiceStats{
		Service:    b.name,
		State:      state,
		Operations: make(map[string]OperationStats),
	}
	if !initializedAt.IsZero() {
		s.InitializedAt = &initializedAt
	}

	b.opMu.Lock()
	for op, stats := range b.ops {
		s.Operations[op] = *stats
	}
	b.opMu.Unlock()

	if b.hooks.CollectStats != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Stats collection panicked", zap.Any("panic", r))
				}
			}()
			s.Custom = b.hooks.CollectStats()
		}()
	}
	return s
}

// OperationNames lists operations that have been called at least once, sorted.
func (s ServiceStats) OperationNames() []string {
	names := make([]string, 0, len(s.Operations))
	for op := range s.Operations {
		names = append(names, op)
	}
	sort.Strings(names)
	return names
}

func (b *ServiceBase) record(op string, d time.Duration, err error) {
	b.opMu.Lock()
	defer b.opMu.Unlock()

	stats, ok := b.ops[op]
	if !ok {
		stats = &OperationStats{}
		b.ops[op] = stats
	}
	stats.Calls++
	stats.TotalDuration += d
	if d > stats.MaxDuration {
		stats.MaxDuration = d
	}
	stats.LastCalledAt = time.Now()
	if err != nil {
		stats.Errors++
		stats.LastError = err.Error()
	}
}

// serviceError stamps this service and op onto err where not already set.
func (b *ServiceBase) serviceError(err *apperrors.ServiceError, op string) *apperrors.ServiceError {
	if err.Service == "" {
		err.Service = b.name
	}
	if err.Operation == "" {
		err.Operation = op
	}
	return err
}

// annotate attaches service and operation to a ServiceError, or wraps any
// other error as SERVICE_ERROR.
func (b *ServiceBase) annotate(op string, err error) error {
	var se *apperrors.ServiceError
	if errors.As(err, &se) {
		b.serviceError(se, op)
		return err
	}
	return b.serviceError(apperrors.Wrap(apperrors.CodeService, "unexpected error", err), op)
}

// runOperation guards a public operation: the service must be ready, the call
// is timed and traced, and any error leaves carrying service and operation.
func runOperation[T any](ctx context.Context, b *ServiceBase, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.EnsureInitialized(); err != nil {
		return zero, b.annotate(op, err)
	}

	ctx, span := b.tracer.Start(ctx, b.name+"."+op, trace.WithAttributes(
		attribute.String("service.name", b.name),
		attribute.String("service.operation", op),
	))
	defer span.End()

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		err = b.annotate(op, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	}
	b.record(op, elapsed, err)
	b.metrics.ObserveOperation(b.name, op, elapsed, err)

	// result is returned even on error so partial work (bulk results) survives.
	return result, err
}

// runVoid is runOperation for operations without a result.
func runVoid(ctx context.Context, b *ServiceBase, op string, fn func(ctx context.Context) error) error {
	_, err := runOperation(ctx, b, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
