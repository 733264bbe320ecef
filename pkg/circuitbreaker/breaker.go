// Package circuitbreaker guards calls to outbound transports.
// It wraps sony/gobreaker with OpenTelemetry spans and counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Gauge maps the state onto the value exported by the Prometheus gauge.
func (s State) Gauge() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Config holds circuit breaker configuration
type Config struct {
	// Name identifies the breaker in logs and metrics
	Name string `mapstructure:"name"`
	// HalfOpenProbes is the number of calls let through while half-open
	HalfOpenProbes uint32 `mapstructure:"half_open_probes"`
	// Interval clears the closed-state counts; zero never clears
	Interval time.Duration `mapstructure:"interval"`
	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// ConsecutiveFailures trips the breaker
	ConsecutiveFailures uint32 `mapstructure:"consecutive_failures"`
}

// DefaultConfig returns defaults for an SMS gateway
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		HalfOpenProbes:      1,
		Interval:            time.Minute,
		OpenTimeout:         30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// StateListener observes state changes
type StateListener func(name string, from, to State)

// Breaker wraps gobreaker with tracing and counters
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	name     string
	logger   *zap.Logger
	tracer   trace.Tracer
	listener StateListener

	calls    metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	mu    sync.RWMutex
	state State
}

// New creates a breaker. listener may be nil.
func New(cfg Config, listener StateListener, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultConfig(cfg.Name).ConsecutiveFailures
	}

	b := &Breaker{
		name:     cfg.Name,
		logger:   logger,
		tracer:   otel.Tracer("circuit-breaker"),
		listener: listener,
		state:    StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if b.calls, err = meter.Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls attempted through the breaker")); err != nil {
		return nil, fmt.Errorf("create calls counter: %w", err)
	}
	if b.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Calls that returned an error")); err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	if b.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Calls rejected by an open breaker")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenProbes,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.onStateChange(mapState(from), mapState(to))
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the remote side.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return b, nil
}

// Call runs fn through the breaker. While open it fails fast with ErrOpen.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "circuit_breaker.call",
		trace.WithAttributes(
			attribute.String("breaker", b.name),
			attribute.String("state", string(b.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", b.name))
	b.calls.Add(ctx, 1, attrs)

	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.rejected.Add(ctx, 1, attrs)
		span.SetAttributes(attribute.Bool("circuit_open", true))
		return fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	b.failures.Add(ctx, 1, attrs)
	span.RecordError(err)
	return err
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.name }

// State returns the current state
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Counts returns the gobreaker counters of the current generation
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) onStateChange(from, to State) {
	b.mu.Lock()
	b.state = to
	b.mu.Unlock()

	b.logger.Warn("circuit breaker state changed",
		zap.String("breaker", b.name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if b.listener != nil {
		b.listener(b.name, from, to)
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

// Registry hands out one breaker per name
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	listener StateListener
	logger   *zap.Logger
}

// NewRegistry creates a registry whose breakers share listener.
func NewRegistry(listener StateListener, logger *zap.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		listener: listener,
		logger:   logger,
	}
}

// GetOrCreate returns the breaker registered under name, creating it from cfg.
func (r *Registry) GetOrCreate(name string, cfg Config) (*Breaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b, nil
	}
	cfg.Name = name
	b, err := New(cfg, r.listener, r.logger)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = b
	return b, nil
}

// Health is the state of one breaker
type Health struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
}

// Health reports every breaker, sorted by name
func (r *Registry) Health() []Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Health, 0, len(r.breakers))
	for name, b := range r.breakers {
		c := b.Counts()
		out = append(out, Health{Name: name, State: b.State(), Requests: c.Requests, Failures: c.TotalFailures})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
