// Package worker processes delivery jobs: render the step for the
// subscriber, hand it to the mail transport and record the outcome.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/db"
	"github.com/cadencehq/cadence/internal/mail"
	"github.com/cadencehq/cadence/internal/metrics"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/render"
)

// DeliveryStore is the slice of the delivery repository the worker
// needs.
type DeliveryStore interface {
	GetDetail(ctx context.Context, id uuid.UUID) (*db.DeliveryDetail, error)
	MarkPending(ctx context.Context, id uuid.UUID) error
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
}

// Config holds worker settings.
type Config struct {
	// FromAddress is the envelope sender on all outgoing mail.
	FromAddress string

	// FromName is the product-level sender name, used when the owning
	// project carries none.
	FromName string

	// SendTimeout bounds one transport call. The worker holds no locks
	// while waiting.
	SendTimeout time.Duration
}

// Worker turns one delivery job into at most one sent email.
type Worker struct {
	store  DeliveryStore
	sender mail.Sender
	config Config
	logger *zap.Logger
}

// New creates a worker.
func New(store DeliveryStore, sender mail.Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Worker{
		store:  store,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// Handle adapts Process to the queue.Handler signature.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	return w.Process(ctx, job.DeliveryID)
}

// Process runs the delivery state machine for one delivery id.
//
// Returning nil acknowledges the job; returning an error hands it back
// to the job runner for its own bounded retry. Already-delivered and
// suppressed deliveries report success: re-running them must stay a
// no-op.
func (w *Worker) Process(ctx context.Context, deliveryID uuid.UUID) error {
	detail, err := w.store.GetDetail(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}

	delivery := &detail.Delivery

	if delivery.Status.Delivered() {
		w.logger.Debug("delivery already sent, skipping",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("status", string(delivery.Status)),
		)
		metrics.RecordDeliverySkipped("already_delivered")
		return nil
	}
	if delivery.Status == db.DeliveryCancelled {
		metrics.RecordDeliverySkipped("cancelled")
		return nil
	}

	if detail.Subscriber.Status == db.SubscriberUnsubscribed {
		return w.suppress(ctx, delivery)
	}

	// persisted before the send so a crash mid-send leaves evidence of
	// the attempt
	if err := w.store.MarkPending(ctx, delivery.ID); err != nil {
		return fmt.Errorf("mark pending: %w", err)
	}

	email := render.Step(&detail.Step, &detail.Subscriber)
	msg := &mail.Message{
		To:       detail.Subscriber.Email,
		ToName:   subscriberName(&detail.Subscriber),
		From:     w.config.FromAddress,
		FromName: w.senderName(detail),
		Subject:  email.Subject,
		HTML:     email.HTML,
		Text:     email.Text,
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	defer cancel()

	start := time.Now()
	sendErr := w.sender.Send(sendCtx, msg)
	metrics.ObserveSendDuration(time.Since(start))

	if sendErr != nil {
		w.logger.Error("delivery send failed",
			zap.String("delivery_id", delivery.ID.String()),
			zap.String("subscriber_id", detail.Subscriber.ID.String()),
			zap.Int("attempt", delivery.Attempts+1),
			zap.Bool("permanent", mail.IsPermanent(sendErr)),
			zap.Error(sendErr),
		)
		if err := w.store.MarkFailed(ctx, delivery.ID, sendErr.Error()); err != nil {
			w.logger.Error("failed to record delivery failure",
				zap.String("delivery_id", delivery.ID.String()),
				zap.Error(err),
			)
		}
		metrics.RecordDeliveryProcessed("failed")
		return fmt.Errorf("send delivery %s: %w", delivery.ID, sendErr)
	}

	if err := w.store.MarkSent(ctx, delivery.ID, time.Now()); err != nil {
		// the mail went out; surface the bookkeeping failure but do not
		// let the job runner trigger a second send for it
		w.logger.Error("sent but failed to record",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(err),
		)
		return nil
	}

	w.logger.Info("delivery sent",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("sequence_id", detail.Sequence.ID.String()),
		zap.Int("step_position", detail.Step.Position),
	)
	metrics.RecordDeliveryProcessed("sent")

	return nil
}

// suppress cancels a delivery whose subscriber unsubscribed before
// dispatch. Reported as success: there is nothing to retry.
func (w *Worker) suppress(ctx context.Context, delivery *db.Delivery) error {
	w.logger.Info("delivery suppressed, subscriber unsubscribed",
		zap.String("delivery_id", delivery.ID.String()),
	)
	metrics.RecordDeliverySkipped("unsubscribed")

	if delivery.Status != db.DeliveryScheduled {
		return nil
	}
	if err := w.store.MarkCancelled(ctx, delivery.ID); err != nil {
		w.logger.Warn("failed to cancel suppressed delivery",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Error(err),
		)
	}
	return nil
}

func (w *Worker) senderName(detail *db.DeliveryDetail) string {
	if detail.SenderName != nil && *detail.SenderName != "" {
		return *detail.SenderName
	}
	if detail.ProjectName != "" {
		return detail.ProjectName
	}
	return w.config.FromName
}

func subscriberName(sub *db.Subscriber) string {
	if sub.FirstName != nil {
		return *sub.FirstName
	}
	return ""
}
