package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SubscriberRepository handles database operations for subscribers.
type SubscriberRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSubscriberRepository creates a new subscriber repository.
func NewSubscriberRepository(db *DB, logger *zap.Logger) *SubscriberRepository {
	return &SubscriberRepository{
		db:     db,
		logger: logger,
	}
}

const subscriberColumns = `id, project_id, email, first_name, status, source_kind, source_id,
		consented_at, consent_ip, consent_user_agent, created_at, updated_at`

func scanSubscriber(row pgx.Row, sub *Subscriber) error {
	return row.Scan(
		&sub.ID,
		&sub.ProjectID,
		&sub.Email,
		&sub.FirstName,
		&sub.Status,
		&sub.SourceKind,
		&sub.SourceID,
		&sub.ConsentedAt,
		&sub.ConsentIP,
		&sub.ConsentUA,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
}

// CreateSubscriber inserts a new subscriber. Email addresses are compared
// case-insensitively, so the address is lower-cased before it hits the
// unique index.
func (r *SubscriberRepository) CreateSubscriber(ctx context.Context, sub *Subscriber) error {
	sub.Email = strings.ToLower(strings.TrimSpace(sub.Email))
	if sub.Email == "" {
		return fmt.Errorf("subscriber email is required")
	}
	if sub.Status == "" {
		sub.Status = SubscriberPending
	}

	query := `
		INSERT INTO subscribers (id, project_id, email, first_name, status, source_kind, source_id,
			consented_at, consent_ip, consent_user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sub.ID,
		sub.ProjectID,
		sub.Email,
		sub.FirstName,
		sub.Status,
		sub.SourceKind,
		sub.SourceID,
		sub.ConsentedAt,
		sub.ConsentIP,
		sub.ConsentUA,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}

	r.logger.Info("subscriber created",
		zap.String("subscriber_id", sub.ID.String()),
		zap.String("project_id", sub.ProjectID.String()),
		zap.String("source_kind", sub.SourceKind),
	)

	return nil
}

// GetSubscriber retrieves a subscriber by ID.
func (r *SubscriberRepository) GetSubscriber(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE id = $1`

	var sub Subscriber
	err := scanSubscriber(r.db.Pool().QueryRow(ctx, query, id), &sub)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscriber %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query subscriber: %w", err)
	}

	return &sub, nil
}

// UpdateSubscriberStatus moves a subscriber between pending, confirmed
// and unsubscribed.
func (r *SubscriberRepository) UpdateSubscriberStatus(ctx context.Context, id uuid.UUID, status SubscriberStatus) error {
	switch status {
	case SubscriberPending, SubscriberConfirmed, SubscriberUnsubscribed:
	default:
		return fmt.Errorf("unknown subscriber status: %s", status)
	}

	result, err := r.db.Pool().Exec(ctx,
		`UPDATE subscribers SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update subscriber status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("subscriber %s: %w", id, ErrNotFound)
	}

	r.logger.Info("subscriber status updated",
		zap.String("subscriber_id", id.String()),
		zap.String("status", string(status)),
	)

	return nil
}
