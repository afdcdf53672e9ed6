// Package scheduler materializes deliveries when sequences fire and
// dispatches them to the worker queue once due.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/db"
	"github.com/cadencehq/cadence/internal/metrics"
	"github.com/cadencehq/cadence/internal/queue"
)

// SequenceStore is the slice of the sequence repository the scheduler
// needs.
type SequenceStore interface {
	ActiveSequenceByTrigger(ctx context.Context, projectID uuid.UUID, kind db.TriggerKind, scopeID *uuid.UUID) (*db.Sequence, error)
	ActiveSteps(ctx context.Context, sequenceID uuid.UUID) ([]*db.Step, error)
}

// DeliveryStore is the slice of the delivery repository the scheduler
// needs.
type DeliveryStore interface {
	InsertScheduled(ctx context.Context, inserts []db.ScheduledInsert) (int, error)
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*db.Delivery, error)
}

// Config holds scheduler settings.
type Config struct {
	// BatchSize caps how many due deliveries one tick dispatches.
	BatchSize int
}

// Scheduler converts sequence definitions into per-subscriber
// deliveries and feeds due ones to the worker queue.
type Scheduler struct {
	sequences  SequenceStore
	deliveries DeliveryStore
	producer   queue.Producer
	config     Config
	logger     *zap.Logger
}

// New creates a scheduler.
func New(sequences SequenceStore, deliveries DeliveryStore, producer queue.Producer, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		sequences:  sequences,
		deliveries: deliveries,
		producer:   producer,
		config:     cfg,
		logger:     logger,
	}
}

// TriggerSequence reacts to an external event for a subscriber: find
// the single active sequence for (project, kind, scope) and schedule
// its steps. No matching sequence is a normal outcome and returns 0.
func (s *Scheduler) TriggerSequence(ctx context.Context, sub *db.Subscriber, kind db.TriggerKind, scopeID *uuid.UUID) (int, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown trigger kind: %s", kind)
	}

	seq, err := s.sequences.ActiveSequenceByTrigger(ctx, sub.ProjectID, kind, scopeID)
	if err != nil {
		return 0, fmt.Errorf("find sequence for trigger: %w", err)
	}
	if seq == nil {
		s.logger.Debug("no active sequence for trigger",
			zap.String("project_id", sub.ProjectID.String()),
			zap.String("trigger_kind", string(kind)),
		)
		return 0, nil
	}

	return s.ScheduleForSubscriber(ctx, seq, sub)
}

// ScheduleForSubscriber materializes one delivery per active step of
// the sequence, each scheduled at now plus the step's delay. The
// insert-or-ignore on (subscriber, step) makes re-triggering
// idempotent: the returned count is rows actually inserted, so a
// second trigger for the same subscriber returns 0.
func (s *Scheduler) ScheduleForSubscriber(ctx context.Context, seq *db.Sequence, sub *db.Subscriber) (int, error) {
	steps, err := s.sequences.ActiveSteps(ctx, seq.ID)
	if err != nil {
		return 0, fmt.Errorf("load active steps: %w", err)
	}
	if len(steps) == 0 {
		return 0, nil
	}

	now := time.Now()
	inserts := make([]db.ScheduledInsert, 0, len(steps))
	for _, step := range steps {
		inserts = append(inserts, db.ScheduledInsert{
			SubscriberID: sub.ID,
			StepID:       step.ID,
			ScheduledFor: now.Add(step.TotalDelay()),
		})
	}

	inserted, err := s.deliveries.InsertScheduled(ctx, inserts)
	if err != nil {
		return 0, fmt.Errorf("insert deliveries: %w", err)
	}

	s.logger.Info("sequence scheduled for subscriber",
		zap.String("sequence_id", seq.ID.String()),
		zap.String("subscriber_id", sub.ID.String()),
		zap.Int("steps", len(steps)),
		zap.Int("inserted", inserted),
	)
	metrics.RecordDeliveriesMaterialized(inserted)

	return inserted, nil
}

// DispatchDue is the periodic tick: scan deliveries whose time has
// come and enqueue one worker job each. An enqueue failure for one
// delivery is logged and skipped; it stays scheduled and the next tick
// retries it. A store failure fails the whole tick, which is fine
// because the next tick sees the same due-set.
func (s *Scheduler) DispatchDue(ctx context.Context) (int, error) {
	due, err := s.deliveries.DueDeliveries(ctx, time.Now(), s.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query due deliveries: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	enqueued := 0
	for _, d := range due {
		job := queue.Job{
			DeliveryID: d.ID,
			Attempt:    d.Attempts,
		}
		if err := s.producer.Enqueue(ctx, job, 0); err != nil {
			s.logger.Error("failed to enqueue due delivery",
				zap.String("delivery_id", d.ID.String()),
				zap.Error(err),
			)
			continue
		}
		enqueued++
	}

	s.logger.Info("due deliveries dispatched",
		zap.Int("due", len(due)),
		zap.Int("enqueued", enqueued),
	)
	metrics.RecordDeliveriesDispatched(enqueued)

	return enqueued, nil
}
