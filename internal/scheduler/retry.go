package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/db"
	"github.com/cadencehq/cadence/internal/metrics"
	"github.com/cadencehq/cadence/internal/queue"
)

// RetryStore is the slice of the delivery repository the retry
// coordinator needs.
type RetryStore interface {
	RetryableDeliveries(ctx context.Context, maxAttempts int) ([]*db.Delivery, error)
}

// RetryCoordinator periodically sweeps failed deliveries back into the
// queue with an escalating delay. Deliveries at or beyond the attempt
// ceiling are left failed for good.
type RetryCoordinator struct {
	deliveries  RetryStore
	producer    queue.Producer
	maxAttempts int
	logger      *zap.Logger
}

// NewRetryCoordinator creates a retry coordinator. maxAttempts is the
// total send attempts a delivery gets before it is abandoned.
func NewRetryCoordinator(deliveries RetryStore, producer queue.Producer, maxAttempts int, logger *zap.Logger) *RetryCoordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RetryCoordinator{
		deliveries:  deliveries,
		producer:    producer,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// BackoffForAttempt returns how long to wait before re-attempting a
// delivery that has already failed the given number of times.
func BackoffForAttempt(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return time.Minute
	case attempt == 2:
		return 5 * time.Minute
	case attempt == 3:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// ScheduleRetries re-enqueues failed deliveries that still have
// attempts left, each delayed by the backoff for its attempt count.
// The worker's pending-mark increments attempts, so a delivery that
// keeps failing walks up the backoff table on its own.
func (c *RetryCoordinator) ScheduleRetries(ctx context.Context) (int, error) {
	failed, err := c.deliveries.RetryableDeliveries(ctx, c.maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("query retryable deliveries: %w", err)
	}
	if len(failed) == 0 {
		return 0, nil
	}

	enqueued := 0
	for _, d := range failed {
		delay := BackoffForAttempt(d.Attempts)
		job := queue.Job{
			DeliveryID: d.ID,
			Attempt:    d.Attempts,
		}
		if err := c.producer.Enqueue(ctx, job, delay); err != nil {
			c.logger.Error("failed to enqueue retry",
				zap.String("delivery_id", d.ID.String()),
				zap.Int("attempts", d.Attempts),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	c.logger.Info("failed deliveries scheduled for retry",
		zap.Int("eligible", len(failed)),
		zap.Int("enqueued", enqueued),
	)
	metrics.RecordRetriesEnqueued(enqueued)

	return enqueued, nil
}
