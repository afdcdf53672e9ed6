package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DeliveryRepository is the ledger of per-(subscriber, step) deliveries.
// It is the only shared mutable state in the engine; every mutation is a
// single-row guarded update keyed by delivery id.
type DeliveryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDeliveryRepository creates a new delivery repository.
func NewDeliveryRepository(db *DB, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		db:     db,
		logger: logger,
	}
}

const deliveryColumns = `id, subscriber_id, step_id, status, scheduled_for, sent_at, opened_at,
		clicked_at, last_error, attempts, created_at, updated_at`

func scanDelivery(row pgx.Row, d *Delivery) error {
	return row.Scan(
		&d.ID,
		&d.SubscriberID,
		&d.StepID,
		&d.Status,
		&d.ScheduledFor,
		&d.SentAt,
		&d.OpenedAt,
		&d.ClickedAt,
		&d.LastError,
		&d.Attempts,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
}

// ScheduledInsert is one delivery to materialize when a sequence fires.
type ScheduledInsert struct {
	SubscriberID uuid.UUID
	StepID       uuid.UUID
	ScheduledFor time.Time
}

// InsertScheduled bulk-inserts deliveries with status=scheduled. Rows
// that collide on the (subscriber_id, step_id) unique index are silently
// skipped, so re-triggering an already-scheduled subscriber is a no-op.
// Returns the number of rows actually inserted.
func (r *DeliveryRepository) InsertScheduled(ctx context.Context, inserts []ScheduledInsert) (int, error) {
	if len(inserts) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO deliveries (id, subscriber_id, step_id, status, scheduled_for, attempts)
		VALUES ($1, $2, $3, 'scheduled', $4, 0)
		ON CONFLICT (subscriber_id, step_id) DO NOTHING
	`
	for _, ins := range inserts {
		batch.Queue(query, uuid.New(), ins.SubscriberID, ins.StepID, ins.ScheduledFor)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range inserts {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert delivery: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

// GetDelivery retrieves a delivery by ID.
func (r *DeliveryRepository) GetDelivery(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	var d Delivery
	err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id), &d)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}

	return &d, nil
}

// GetDetail loads a delivery together with its subscriber, step, owning
// sequence and project name, in one round trip. This is everything the
// worker needs to render and send.
func (r *DeliveryRepository) GetDetail(ctx context.Context, id uuid.UUID) (*DeliveryDetail, error) {
	query := `
		SELECT
			d.id, d.subscriber_id, d.step_id, d.status, d.scheduled_for, d.sent_at,
			d.opened_at, d.clicked_at, d.last_error, d.attempts, d.created_at, d.updated_at,
			sub.id, sub.project_id, sub.email, sub.first_name, sub.status, sub.source_kind,
			sub.source_id, sub.consented_at, sub.consent_ip, sub.consent_user_agent,
			sub.created_at, sub.updated_at,
			st.id, st.sequence_id, st.subject, st.body, st.delay_days, st.delay_hours,
			st.position, st.status, st.created_at, st.updated_at,
			seq.id, seq.project_id, seq.name, seq.trigger_kind, seq.trigger_scope_id,
			seq.status, seq.created_at, seq.updated_at,
			p.name, p.sender_name
		FROM deliveries d
		JOIN subscribers sub ON sub.id = d.subscriber_id
		JOIN steps st ON st.id = d.step_id
		JOIN sequences seq ON seq.id = st.sequence_id
		JOIN projects p ON p.id = seq.project_id
		WHERE d.id = $1
	`

	var det DeliveryDetail
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&det.Delivery.ID, &det.Delivery.SubscriberID, &det.Delivery.StepID,
		&det.Delivery.Status, &det.Delivery.ScheduledFor, &det.Delivery.SentAt,
		&det.Delivery.OpenedAt, &det.Delivery.ClickedAt, &det.Delivery.LastError,
		&det.Delivery.Attempts, &det.Delivery.CreatedAt, &det.Delivery.UpdatedAt,
		&det.Subscriber.ID, &det.Subscriber.ProjectID, &det.Subscriber.Email,
		&det.Subscriber.FirstName, &det.Subscriber.Status, &det.Subscriber.SourceKind,
		&det.Subscriber.SourceID, &det.Subscriber.ConsentedAt, &det.Subscriber.ConsentIP,
		&det.Subscriber.ConsentUA, &det.Subscriber.CreatedAt, &det.Subscriber.UpdatedAt,
		&det.Step.ID, &det.Step.SequenceID, &det.Step.Subject, &det.Step.Body,
		&det.Step.DelayDays, &det.Step.DelayHours, &det.Step.Position, &det.Step.Status,
		&det.Step.CreatedAt, &det.Step.UpdatedAt,
		&det.Sequence.ID, &det.Sequence.ProjectID, &det.Sequence.Name,
		&det.Sequence.TriggerKind, &det.Sequence.TriggerScopeID, &det.Sequence.Status,
		&det.Sequence.CreatedAt, &det.Sequence.UpdatedAt,
		&det.ProjectName, &det.SenderName,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery detail: %w", err)
	}

	return &det, nil
}

// DueDeliveries returns deliveries whose scheduled time has passed,
// oldest first, capped at limit to bound tick latency.
func (r *DeliveryRepository) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE status = 'scheduled' AND scheduled_for <= $1
		ORDER BY scheduled_for ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		var d Delivery
		if err := scanDelivery(rows, &d); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	return deliveries, nil
}

// RetryableDeliveries returns failed deliveries still under the attempt
// cap, least recently touched first. Deliveries at or above maxAttempts
// are permanently excluded and stay visible through the stats queries.
func (r *DeliveryRepository) RetryableDeliveries(ctx context.Context, maxAttempts int) ([]*Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE status = 'failed' AND attempts < $1
		ORDER BY updated_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("query retryable deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		var d Delivery
		if err := scanDelivery(rows, &d); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	return deliveries, nil
}

// MarkPending transitions a delivery to pending and increments its
// attempt counter. Persisted before the send so a crash mid-send still
// leaves evidence of the attempt.
func (r *DeliveryRepository) MarkPending(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE deliveries
		SET status = 'pending', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'failed', 'pending')
	`
	return r.guardedUpdate(ctx, id, DeliveryPending, query)
}

// MarkSent records a successful send.
func (r *DeliveryRepository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE deliveries
		SET status = 'sent', sent_at = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Pool().Exec(ctx, query, id, sentAt)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id, DeliverySent)
	}
	return nil
}

// MarkFailed records a failed send with the transport error.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	query := `
		UPDATE deliveries
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Pool().Exec(ctx, query, id, sendErr)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id, DeliveryFailed)
	}
	return nil
}

// MarkCancelled terminates a delivery whose subscriber unsubscribed
// before dispatch. Only a still-scheduled delivery can be cancelled.
func (r *DeliveryRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE deliveries
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`
	return r.guardedUpdate(ctx, id, DeliveryCancelled, query)
}

// MarkOpened records a tracking-pixel hit. Duplicate hits and hits on a
// delivery that has already progressed to clicked are no-ops.
func (r *DeliveryRepository) MarkOpened(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE deliveries
		SET status = 'opened', opened_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sent'
	`
	result, err := r.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark opened: %w", err)
	}
	if result.RowsAffected() == 0 {
		d, err := r.GetDelivery(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == DeliveryOpened || d.Status == DeliveryClicked {
			return nil
		}
		return fmt.Errorf("delivery %s is %s: %w", id, d.Status, ErrInvalidTransition)
	}
	return nil
}

// MarkClicked records a tracked-link click. A click on a delivery still
// in sent also stamps opened_at, since a click implies an open the pixel
// may have missed. Repeated clicks are no-ops.
func (r *DeliveryRepository) MarkClicked(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE deliveries
		SET status = 'clicked', clicked_at = $2,
		    opened_at = COALESCE(opened_at, $2), updated_at = NOW()
		WHERE id = $1 AND status IN ('sent', 'opened')
	`
	result, err := r.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark clicked: %w", err)
	}
	if result.RowsAffected() == 0 {
		d, err := r.GetDelivery(ctx, id)
		if err != nil {
			return err
		}
		if d.Status == DeliveryClicked {
			return nil
		}
		return fmt.Errorf("delivery %s is %s: %w", id, d.Status, ErrInvalidTransition)
	}
	return nil
}

// SequenceStats returns per-step delivery counts grouped by status for
// one sequence. Read-only; feeds the reporting surface.
func (r *DeliveryRepository) SequenceStats(ctx context.Context, sequenceID uuid.UUID) ([]*StepStats, error) {
	query := `
		SELECT st.id, st.position, d.status, COUNT(d.id)
		FROM steps st
		LEFT JOIN deliveries d ON d.step_id = st.id
		WHERE st.sequence_id = $1
		GROUP BY st.id, st.position, d.status
		ORDER BY st.position ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("query sequence stats: %w", err)
	}
	defer rows.Close()

	byStep := make(map[uuid.UUID]*StepStats)
	var ordered []*StepStats
	for rows.Next() {
		var (
			stepID   uuid.UUID
			position int
			status   *DeliveryStatus
			count    int64
		)
		if err := rows.Scan(&stepID, &position, &status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}

		stats, ok := byStep[stepID]
		if !ok {
			stats = &StepStats{
				StepID:   stepID,
				Position: position,
				Counts:   make(map[DeliveryStatus]int64),
			}
			byStep[stepID] = stats
			ordered = append(ordered, stats)
		}
		if status != nil {
			stats.Counts[*status] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	return ordered, nil
}

func (r *DeliveryRepository) guardedUpdate(ctx context.Context, id uuid.UUID, to DeliveryStatus, query string) error {
	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark %s: %w", to, err)
	}
	if result.RowsAffected() == 0 {
		return r.transitionError(ctx, id, to)
	}
	return nil
}

// transitionError distinguishes a vanished row from an illegal state
// change after a guarded update matched nothing.
func (r *DeliveryRepository) transitionError(ctx context.Context, id uuid.UUID, to DeliveryStatus) error {
	d, err := r.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("delivery %s: %s -> %s: %w", id, d.Status, to, ErrInvalidTransition)
}
