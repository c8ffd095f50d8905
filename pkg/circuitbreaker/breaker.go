// Package circuitbreaker guards calls to external collaborators.
// Wraps sony/gobreaker with OpenTelemetry spans and counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("service temporarily unavailable")

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// ConsecutiveFailures opens the breaker while request volume is low
	ConsecutiveFailures uint32
	// FailureRatio opens the breaker once MinRequests have been seen
	FailureRatio float64
	MinRequests  uint32
	// OnStateChange, if set, is called after every transition.
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for a low-volume HTTP collaborator: a few
// consecutive failures open the circuit for half a minute.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 3,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

// rejection marks an error that is the caller's fault and must not count
// against the collaborator's health.
type rejection struct{ err error }

func (r rejection) Error() string { return r.err.Error() }
func (r rejection) Unwrap() error { return r.err }

// Rejected wraps err so the breaker treats the call as successful.
func Rejected(err error) error {
	if err == nil {
		return nil
	}
	return rejection{err: err}
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	notify func(name string, to State)

	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	stateMu sync.RWMutex
	state   State
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		notify: cfg.OnStateChange,
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if c.requests, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker")); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	if c.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Requests that failed against the collaborator")); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	if c.rejected, err = meter.Int64Counter("circuit_breaker_rejections_total",
		metric.WithDescription("Requests refused because the circuit was open")); err != nil {
		return nil, fmt.Errorf("failed to create rejection counter: %w", err)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.onStateChange(from, to)
		},
		IsSuccessful: func(err error) bool {
			var r rejection
			return err == nil || errors.As(err, &r) || errors.Is(err, context.Canceled)
		},
	})

	return c, nil
}

// Execute runs fn through the breaker. While the circuit is open fn is not
// called and ErrOpen is returned.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requests.Add(ctx, 1, attrs)

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return fmt.Errorf("%s: %w", c.name, ErrOpen)
	}

	var r rejection
	if errors.As(err, &r) {
		return r.err
	}
	c.failures.Add(ctx, 1, attrs)
	span.RecordError(err)
	return err
}

// State returns the current circuit breaker state
func (c *CircuitBreaker) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	c.stateMu.Lock()
	c.state = mapState(to)
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(mapState(to))))

	if c.notify != nil {
		c.notify(c.name, mapState(to))
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Name returns the breaker's name.
func (c *CircuitBreaker) Name() string { return c.name }

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

// HealthStatus is one breaker's entry in the readiness report.
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// Registry tracks the breakers created by a process.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker called name, creating it from cfg.
func (r *Registry) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb, nil
	}
	cfg.Name = name
	cb, err := New(cfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = cb
	return cb, nil
}

// Health reports every breaker. A breaker is healthy unless open.
func (r *Registry) Health() []HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]HealthStatus, 0, len(r.breakers))
	for name, cb := range r.breakers {
		counts := cb.Counts()
		statuses = append(statuses, HealthStatus{
			Name:     name,
			State:    cb.State(),
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  cb.State() != StateOpen,
		})
	}
	return statuses
}
