// Package idempotency provides the inbox pattern for effectively-once
// handling of redelivered broker messages.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage indicates the message was already handled
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates another handler holds the message
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the message failed permanently before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// permanentError marks a handler failure that must not be retried
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the inbox records the message as FAILED instead of RECOVERABLE
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// failureStatus maps a handler error to the status it leaves behind
func failureStatus(err error) Status {
	if IsPermanent(err) {
		return StatusFailed
	}
	return StatusRecoverable
}

// Config holds inbox settings
type Config struct {
	// TTL is how long entries are kept
	TTL time.Duration `mapstructure:"ttl"`
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox records which messages were handled
type Inbox struct {
	pool   *pgxpool.Pool
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates a new inbox
func NewInbox(pool *pgxpool.Pool, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// GenerateKey derives a deterministic key from the message identity parts
func GenerateKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Process runs fn once per key. Duplicates return ErrDuplicateMessage;
// a failed fn leaves the entry RECOVERABLE unless its error is Permanent.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn func(ctx context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	status, updatedAt, err := i.getEntry(ctx, key)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return fmt.Errorf("check inbox: %w", err)
	case status == StatusFinished:
		span.SetAttributes(attribute.Bool("duplicate", true))
		return ErrDuplicateMessage
	case status == StatusFailed:
		return fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	case status == StatusStarted:
		if time.Since(updatedAt) <= i.config.RecoveryTimeout {
			return ErrMessageInProgress
		}
		if err := i.setStatus(ctx, key, StatusRecoverable, ""); err != nil {
			return fmt.Errorf("mark recoverable: %w", err)
		}
	}

	if err := i.startProcessing(ctx, key, handlerName); err != nil {
		return err
	}

	if handlerErr := fn(ctx); handlerErr != nil {
		span.RecordError(handlerErr)
		if err := i.setStatus(ctx, key, failureStatus(handlerErr), handlerErr.Error()); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", key), zap.Error(err))
		}
		return handlerErr
	}

	if err := i.setStatus(ctx, key, StatusFinished, ""); err != nil {
		// The handler succeeded; a redelivery would only repeat idempotent work.
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (i *Inbox) getEntry(ctx context.Context, key string) (Status, time.Time, error) {
	var status Status
	var updatedAt time.Time
	err := i.pool.QueryRow(ctx,
		`SELECT status, updated_at FROM inbox WHERE idempotency_key = $1`, key).
		Scan(&status, &updatedAt)
	return status, updatedAt, err
}

func (i *Inbox) startProcessing(ctx context.Context, key, handlerName string) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $3, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handlerName, StatusStarted, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		// Another consumer won the race.
		return ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("start processing: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, errMsg string) error {
	var result any
	if errMsg != "" {
		result = map[string]string{"error": errMsg}
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, result = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, result, key)
	return err
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return tag.RowsAffected(), nil
}

// RecoverStale marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStale(ctx context.Context) (int64, error) {
	tag, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < $1
	`, time.Now().Add(-i.config.RecoveryTimeout))
	if err != nil {
		return 0, fmt.Errorf("inbox recovery: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts entries per status
type Stats struct {
	Total       int64
	Started     int64
	Finished    int64
	Recoverable int64
	Failed      int64
}

// Stats returns current inbox statistics
func (i *Inbox) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	err := i.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM inbox
	`).Scan(&s.Total, &s.Started, &s.Finished, &s.Recoverable, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return s, nil
}
