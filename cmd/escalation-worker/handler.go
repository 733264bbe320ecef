package main

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/infrastructure/redpanda"
	"github.com/medimeet/adherence/pkg/idempotency"
)

const handlerName = "escalation"

// inbox runs a handler at most once per key
type inbox interface {
	Process(ctx context.Context, key, handlerName string, fn func(ctx context.Context) error) error
}

// evaluator checks a patient's day against the escalation threshold
type evaluator interface {
	Evaluate(ctx context.Context, patientID, date string) error
}

type eventHandler struct {
	inbox     inbox
	evaluator evaluator
	logger    *zap.Logger
}

// handle evaluates the patient's day for each DoseMissed event. A returned
// error leaves the record uncommitted for redelivery; duplicates, other
// event types and undecodable payloads are acknowledged.
func (h *eventHandler) handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ev, decodeErr := dose.UnmarshalEvent(msg.Value)

	key := idempotency.GenerateKey(msg.Topic, strconv.Itoa(int(msg.Partition)), strconv.FormatInt(msg.Offset, 10))
	if decodeErr == nil {
		key = idempotency.GenerateKey(ev.OccurrenceID, string(ev.EventType))
	}

	err := h.inbox.Process(ctx, key, handlerName, func(ctx context.Context) error {
		if decodeErr != nil {
			return idempotency.Permanent(decodeErr)
		}
		if ev.EventType != dose.EventDoseMissed {
			return nil
		}
		return h.evaluator.Evaluate(ctx, ev.PatientID, ev.Date)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, idempotency.ErrDuplicateMessage):
		h.logger.Debug("duplicate event skipped", zap.String("key", key))
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed), idempotency.IsPermanent(err):
		h.logger.Error("event dropped",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	default:
		return err
	}
}
