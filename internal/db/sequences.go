package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SequenceRepository handles database operations for projects, sequences
// and their steps.
type SequenceRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSequenceRepository creates a new sequence repository.
func NewSequenceRepository(db *DB, logger *zap.Logger) *SequenceRepository {
	return &SequenceRepository{
		db:     db,
		logger: logger,
	}
}

const sequenceColumns = `id, project_id, name, trigger_kind, trigger_scope_id, status, created_at, updated_at`

func scanSequence(row pgx.Row, seq *Sequence) error {
	return row.Scan(
		&seq.ID,
		&seq.ProjectID,
		&seq.Name,
		&seq.TriggerKind,
		&seq.TriggerScopeID,
		&seq.Status,
		&seq.CreatedAt,
		&seq.UpdatedAt,
	)
}

// CreateSequence inserts a new sequence. A lead_magnet_download trigger
// must carry a scope id identifying the lead magnet.
func (r *SequenceRepository) CreateSequence(ctx context.Context, seq *Sequence) error {
	if !seq.TriggerKind.Valid() {
		return fmt.Errorf("unknown trigger kind: %s", seq.TriggerKind)
	}
	if seq.TriggerKind == TriggerLeadMagnetDownload && seq.TriggerScopeID == nil {
		return fmt.Errorf("trigger kind %s requires a trigger scope id", seq.TriggerKind)
	}
	if seq.Status == "" {
		seq.Status = SequenceDraft
	}

	query := `
		INSERT INTO sequences (id, project_id, name, trigger_kind, trigger_scope_id, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		seq.ID,
		seq.ProjectID,
		seq.Name,
		seq.TriggerKind,
		seq.TriggerScopeID,
		seq.Status,
	).Scan(&seq.CreatedAt, &seq.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert sequence: %w", err)
	}

	r.logger.Info("sequence created",
		zap.String("sequence_id", seq.ID.String()),
		zap.String("trigger_kind", string(seq.TriggerKind)),
	)

	return nil
}

// GetSequence retrieves a sequence by ID.
func (r *SequenceRepository) GetSequence(ctx context.Context, id uuid.UUID) (*Sequence, error) {
	query := `SELECT ` + sequenceColumns + ` FROM sequences WHERE id = $1`

	var seq Sequence
	err := scanSequence(r.db.Pool().QueryRow(ctx, query, id), &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sequence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query sequence: %w", err)
	}

	return &seq, nil
}

// ActiveSequenceByTrigger finds the single active sequence matching
// (project, trigger kind, scope). A nil scopeID matches any sequence of
// the given kind; a non-nil scopeID must match exactly. Returns
// (nil, nil) when no sequence matches: an unmatched trigger is a normal
// outcome, not an error.
func (r *SequenceRepository) ActiveSequenceByTrigger(ctx context.Context, projectID uuid.UUID, kind TriggerKind, scopeID *uuid.UUID) (*Sequence, error) {
	query := `
		SELECT ` + sequenceColumns + `
		FROM sequences
		WHERE project_id = $1 AND trigger_kind = $2 AND status = 'active'
		  AND ($3::uuid IS NULL OR trigger_scope_id = $3)
		ORDER BY created_at ASC
		LIMIT 1
	`

	var seq Sequence
	err := scanSequence(r.db.Pool().QueryRow(ctx, query, projectID, kind, scopeID), &seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query sequence by trigger: %w", err)
	}

	return &seq, nil
}

// UpdateSequenceStatus moves a sequence between draft/active/paused.
func (r *SequenceRepository) UpdateSequenceStatus(ctx context.Context, id uuid.UUID, status SequenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown sequence status: %s", status)
	}

	result, err := r.db.Pool().Exec(ctx,
		`UPDATE sequences SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update sequence status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sequence %s: %w", id, ErrNotFound)
	}

	r.logger.Info("sequence status updated",
		zap.String("sequence_id", id.String()),
		zap.String("status", string(status)),
	)

	return nil
}

// DeleteSequence removes a sequence. Steps and their deliveries go with
// it via ON DELETE CASCADE.
func (r *SequenceRepository) DeleteSequence(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM sequences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete sequence: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sequence %s: %w", id, ErrNotFound)
	}
	return nil
}

const stepColumns = `id, sequence_id, subject, body, delay_days, delay_hours, position, status, created_at, updated_at`

func scanStep(row pgx.Row, step *Step) error {
	return row.Scan(
		&step.ID,
		&step.SequenceID,
		&step.Subject,
		&step.Body,
		&step.DelayDays,
		&step.DelayHours,
		&step.Position,
		&step.Status,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
}

// CreateStep inserts a new step into a sequence.
func (r *SequenceRepository) CreateStep(ctx context.Context, step *Step) error {
	if step.DelayDays < 0 {
		return fmt.Errorf("delay_days must be >= 0, got %d", step.DelayDays)
	}
	if step.DelayHours < 0 || step.DelayHours >= 24 {
		return fmt.Errorf("delay_hours must be in [0,24), got %d", step.DelayHours)
	}
	if step.Position < 1 {
		return fmt.Errorf("position must be >= 1, got %d", step.Position)
	}
	if step.Status == "" {
		step.Status = StepActive
	}

	query := `
		INSERT INTO steps (id, sequence_id, subject, body, delay_days, delay_hours, position, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		step.ID,
		step.SequenceID,
		step.Subject,
		step.Body,
		step.DelayDays,
		step.DelayHours,
		step.Position,
		step.Status,
	).Scan(&step.CreatedAt, &step.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}

	return nil
}

// ActiveSteps returns the active steps of a sequence ordered by position.
// Paused steps are excluded entirely; triggering while a step is paused
// skips it rather than deferring it.
func (r *SequenceRepository) ActiveSteps(ctx context.Context, sequenceID uuid.UUID) ([]*Step, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM steps
		WHERE sequence_id = $1 AND status = 'active'
		ORDER BY position ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, sequenceID)
	if err != nil {
		return nil, fmt.Errorf("query active steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var step Step
		if err := scanStep(rows, &step); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	return steps, nil
}

// UpdateStepStatus pauses or resumes a single step.
func (r *SequenceRepository) UpdateStepStatus(ctx context.Context, id uuid.UUID, status StepStatus) error {
	if status != StepActive && status != StepPaused {
		return fmt.Errorf("unknown step status: %s", status)
	}

	result, err := r.db.Pool().Exec(ctx,
		`UPDATE steps SET status = $1, updated_at = NOW() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("update step status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("step %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeleteStep removes a step and cascades to its deliveries.
func (r *SequenceRepository) DeleteStep(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM steps WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetProject retrieves a project by ID.
func (r *SequenceRepository) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	query := `SELECT id, name, sender_name, created_at, updated_at FROM projects WHERE id = $1`

	var p Project
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.SenderName, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query project: %w", err)
	}

	return &p, nil
}
