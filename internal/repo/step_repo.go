package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepwise/internal/domain"
)

// uniqueViolation — SQLSTATE нарушения уникальности.
const uniqueViolation = "23505"

const stepColumns = `
	id, kind, phase_index, phase_count, cont_version, cont_data, pending_payload,
	chain_ended, status, held_unit, held_consumer, correlation_id, diagnostics,
	error, failed_phase, created_at, updated_at, finished_at`

// StepRepo — репозиторий для step_executions.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

// CreateStep создаёт новый step.
func (r *StepRepo) CreateStep(ctx context.Context, step *domain.StepExecution) error {
	args, err := stepArgs(step)
	if err != nil {
		return err
	}

	query := `INSERT INTO step_executions (` + stepColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("step %s: %w", step.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

// GetStep возвращает step по ID.
func (r *StepRepo) GetStep(ctx context.Context, id string) (*domain.StepExecution, error) {
	query := `SELECT ` + stepColumns + ` FROM step_executions WHERE id = $1`
	return scanStep(r.pool.QueryRow(ctx, query, id))
}

// UpdateStep перезаписывает изменяемые поля step.
func (r *StepRepo) UpdateStep(ctx context.Context, step *domain.StepExecution) error {
	args, err := stepArgs(step)
	if err != nil {
		return err
	}

	query := `
		UPDATE step_executions
		SET phase_index = $3, phase_count = $4, cont_version = $5, cont_data = $6,
		    pending_payload = $7, chain_ended = $8, status = $9, held_unit = $10,
		    held_consumer = $11, correlation_id = $12, diagnostics = $13, error = $14,
		    failed_phase = $15, created_at = $16, updated_at = $17, finished_at = $18
		WHERE id = $1 AND kind = $2`

	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("step %s: %w", step.ID, ErrNotFound)
	}
	return nil
}

// ListActiveSteps возвращает незавершённые steps в порядке создания.
func (r *StepRepo) ListActiveSteps(ctx context.Context) ([]*domain.StepExecution, error) {
	query := `SELECT ` + stepColumns + ` FROM step_executions
		WHERE status NOT IN ('SUCCEEDED', 'FAILED')
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active steps: %w", err)
	}
	defer rows.Close()

	var steps []*domain.StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// --- Helpers ---

// stepArgs возвращает значения колонок в порядке stepColumns.
func stepArgs(step *domain.StepExecution) ([]any, error) {
	diagnostics := step.Diagnostics
	if diagnostics == nil {
		diagnostics = []domain.Diagnostic{}
	}
	diagJSON, err := json.Marshal(diagnostics)
	if err != nil {
		return nil, fmt.Errorf("marshal diagnostics: %w", err)
	}

	var heldUnit, heldConsumer *string
	if step.HeldConsumer != nil {
		heldUnit = &step.HeldConsumer.Unit
		heldConsumer = &step.HeldConsumer.ConsumerID
	}

	return []any{
		step.ID,
		step.Kind,
		step.PhaseIndex,
		step.PhaseCount,
		step.Continuation.Version,
		step.Continuation.Data,
		step.PendingPayload,
		step.ChainEnded,
		step.Status,
		heldUnit,
		heldConsumer,
		nullString(step.CorrelationID),
		diagJSON,
		nullString(step.Error),
		step.FailedPhase,
		step.CreatedAt,
		step.UpdatedAt,
		step.FinishedAt,
	}, nil
}

func scanStep(row pgx.Row) (*domain.StepExecution, error) {
	var step domain.StepExecution
	var heldUnit, heldConsumer, correlationID, stepError *string
	var diagJSON []byte

	err := row.Scan(
		&step.ID,
		&step.Kind,
		&step.PhaseIndex,
		&step.PhaseCount,
		&step.Continuation.Version,
		&step.Continuation.Data,
		&step.PendingPayload,
		&step.ChainEnded,
		&step.Status,
		&heldUnit,
		&heldConsumer,
		&correlationID,
		&diagJSON,
		&stepError,
		&step.FailedPhase,
		&step.CreatedAt,
		&step.UpdatedAt,
		&step.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan step: %w", err)
	}

	if heldUnit != nil && heldConsumer != nil {
		step.HeldConsumer = &domain.ConsumerRef{Unit: *heldUnit, ConsumerID: *heldConsumer}
	}
	if correlationID != nil {
		step.CorrelationID = *correlationID
	}
	if stepError != nil {
		step.Error = *stepError
	}
	if len(diagJSON) > 0 {
		if err := json.Unmarshal(diagJSON, &step.Diagnostics); err != nil {
			return nil, fmt.Errorf("unmarshal diagnostics: %w", err)
		}
	}
	return &step, nil
}
