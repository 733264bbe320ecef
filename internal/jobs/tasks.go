package jobs

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/medimeet/adherence/internal/domain/dose"
	"github.com/medimeet/adherence/internal/infrastructure/postgres"
)

// Sweeper re-evaluates today's escalations
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// EscalationSweep catches missed doses whose events were lost or whose
// send failed and is due for retry.
func EscalationSweep(s Sweeper, every time.Duration) Task {
	return Task{Name: "escalation-sweep", Every: every, Run: s.Sweep}
}

// Pruner forgets alert bookkeeping for past days
type Pruner interface {
	Prune(keepFrom string) int
}

// AlertPrune drops dispatcher entries older than yesterday in loc
func AlertPrune(p Pruner, clock clockwork.Clock, loc *time.Location, every time.Duration, logger *zap.Logger) Task {
	return Task{
		Name:  "alert-prune",
		Every: every,
		Run: func(context.Context) error {
			keepFrom := clock.Now().In(loc).AddDate(0, 0, -1).Format(dose.DateLayout)
			if n := p.Prune(keepFrom); n > 0 {
				logger.Debug("alerts pruned", zap.Int("count", n), zap.String("keep_from", keepFrom))
			}
			return nil
		},
	}
}

// OutboxMaintainer is the maintenance surface of the outbox relay
type OutboxMaintainer interface {
	CleanupProcessed(ctx context.Context) (int64, error)
	MoveToDeadLetter(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*postgres.OutboxStats, error)
}

var _ OutboxMaintainer = (*postgres.Outbox)(nil)

// OutboxCleanup removes relayed entries past retention
func OutboxCleanup(o OutboxMaintainer, every time.Duration, logger *zap.Logger) Task {
	return Task{
		Name:  "outbox-cleanup",
		Every: every,
		Run: func(ctx context.Context) error {
			n, err := o.CleanupProcessed(ctx)
			if n > 0 {
				logger.Info("outbox cleaned", zap.Int64("deleted", n))
			}
			return err
		},
	}
}

// DeadLetter moves exhausted outbox entries to the dead-letter topic
func DeadLetter(o OutboxMaintainer, every time.Duration, logger *zap.Logger) Task {
	return Task{
		Name:  "outbox-dead-letter",
		Every: every,
		Run: func(ctx context.Context) error {
			n, err := o.MoveToDeadLetter(ctx)
			if n > 0 {
				logger.Warn("outbox entries dead-lettered", zap.Int64("count", n))
			}
			return err
		},
	}
}

// OutboxBacklog publishes the pending outbox count to gauge
func OutboxBacklog(o OutboxMaintainer, gauge prometheus.Gauge, every time.Duration) Task {
	return Task{
		Name:  "outbox-backlog",
		Every: every,
		Run: func(ctx context.Context) error {
			stats, err := o.Stats(ctx)
			if err != nil {
				return err
			}
			gauge.Set(float64(stats.Pending))
			return nil
		},
	}
}

// InboxMaintainer is the maintenance surface of the consumer inbox
type InboxMaintainer interface {
	RecoverStale(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context) (int64, error)
}

// InboxRecovery releases abandoned inbox entries and drops expired ones
func InboxRecovery(i InboxMaintainer, every time.Duration, logger *zap.Logger) Task {
	return Task{
		Name:  "inbox-recovery",
		Every: every,
		Run: func(ctx context.Context) error {
			recovered, err := i.RecoverStale(ctx)
			if err != nil {
				return err
			}
			if recovered > 0 {
				logger.Warn("stale inbox entries recovered", zap.Int64("count", recovered))
			}
			_, err = i.Cleanup(ctx)
			return err
		},
	}
}

// LagReader reports consumer group lag per topic
type LagReader interface {
	ConsumerGroupLag(ctx context.Context, groupID string) (map[string]int64, error)
}

// ConsumerLag logs the lag of group, warning once it passes warnAbove
func ConsumerLag(r LagReader, group string, warnAbove int64, every time.Duration, logger *zap.Logger) Task {
	return Task{
		Name:  "consumer-lag",
		Every: every,
		Run: func(ctx context.Context) error {
			lag, err := r.ConsumerGroupLag(ctx, group)
			if err != nil {
				return err
			}
			for topic, n := range lag {
				fields := []zap.Field{zap.String("group", group), zap.String("topic", topic), zap.Int64("lag", n)}
				if n > warnAbove {
					logger.Warn("consumer lagging", fields...)
					continue
				}
				logger.Debug("consumer lag", fields...)
			}
			return nil
		},
	}
}
