// Package messaging delivers caregiver text messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/medimeet/adherence/pkg/circuitbreaker"
)

// ErrTransportFailure wraps every delivery failure reported by a Sender
var ErrTransportFailure = errors.New("message transport failure")

// Sender delivers one text message to a phone number.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, to, text string) error

// Send implements Sender
func (f SenderFunc) Send(ctx context.Context, to, text string) error { return f(ctx, to, text) }

// FormatEscalation renders the caregiver alert. names holds one entry per
// missed occurrence, in the order they were missed.
func FormatEscalation(patientName string, names []string) string {
	return fmt.Sprintf(
		"Alert: %s has missed %d medicines today. Missed medicines: %s. Please check on them.",
		patientName, len(names), strings.Join(names, ", "))
}

// LogSender writes messages to the log instead of a gateway. Used when no
// SMS credentials are configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender
func (s *LogSender) Send(_ context.Context, to, text string) error {
	s.logger.Info("caregiver message", zap.String("to", to), zap.String("text", text))
	return nil
}

// Guarded sends through a circuit breaker so a dead gateway fails fast.
type Guarded struct {
	next    Sender
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps next with breaker
func NewGuarded(next Sender, breaker *circuitbreaker.Breaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Send implements Sender
func (g *Guarded) Send(ctx context.Context, to, text string) error {
	err := g.breaker.Call(ctx, func(ctx context.Context) error {
		return g.next.Send(ctx, to, text)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	return err
}

// RateLimited spaces sends to respect the gateway's throughput limit.
type RateLimited struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond sends with the given burst
func NewRateLimited(next Sender, perSecond float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send implements Sender
func (r *RateLimited) Send(ctx context.Context, to, text string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %w", ErrTransportFailure, err)
	}
	return r.next.Send(ctx, to, text)
}
