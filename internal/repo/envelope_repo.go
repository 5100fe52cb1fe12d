package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepwise/internal/domain"
)

// EnvelopeRepo — репозиторий для task_envelopes.
type EnvelopeRepo struct {
	pool *pgxpool.Pool
}

// NewEnvelopeRepo создаёт новый EnvelopeRepo.
func NewEnvelopeRepo(pool *pgxpool.Pool) *EnvelopeRepo {
	return &EnvelopeRepo{pool: pool}
}

// CreateEnvelope сохраняет новый envelope.
func (r *EnvelopeRepo) CreateEnvelope(ctx context.Context, env domain.TaskEnvelope) error {
	query := `
		INSERT INTO task_envelopes (correlation_id, step_id, phase_index, payload, dispatched_at, timeout_ms, resolution, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	resolution := env.Resolution
	if resolution == "" {
		resolution = domain.ResolutionPending
	}

	_, err := r.pool.Exec(ctx, query,
		env.CorrelationID,
		env.StepID,
		env.PhaseIndex,
		env.Payload,
		env.DispatchedAt,
		env.Timeout.Milliseconds(),
		resolution,
		env.ResolvedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("envelope %s: %w", env.CorrelationID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert envelope: %w", err)
	}
	return nil
}

// GetEnvelope возвращает envelope по correlation ID.
func (r *EnvelopeRepo) GetEnvelope(ctx context.Context, correlationID string) (*domain.TaskEnvelope, error) {
	query := `
		SELECT correlation_id, step_id, phase_index, payload, dispatched_at, timeout_ms, resolution, resolved_at
		FROM task_envelopes
		WHERE correlation_id = $1`

	env, err := scanEnvelope(r.pool.QueryRow(ctx, query, correlationID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("envelope %s: %w", correlationID, ErrNotFound)
		}
		return nil, err
	}
	return env, nil
}

// ResolveEnvelope атомарно переводит envelope из PENDING в resolution.
//
// Возвращает false, если envelope уже разрешён другим путём.
func (r *EnvelopeRepo) ResolveEnvelope(ctx context.Context, correlationID string, resolution domain.Resolution, at time.Time) (bool, error) {
	query := `
		UPDATE task_envelopes
		SET resolution = $2, resolved_at = $3
		WHERE correlation_id = $1 AND resolution = 'PENDING'`

	result, err := r.pool.Exec(ctx, query, correlationID, resolution, at)
	if err != nil {
		return false, fmt.Errorf("resolve envelope: %w", err)
	}
	if result.RowsAffected() == 1 {
		return true, nil
	}

	// 0 строк: либо envelope уже разрешён, либо его нет вовсе.
	var exists bool
	err = r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM task_envelopes WHERE correlation_id = $1)`,
		correlationID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check envelope: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("envelope %s: %w", correlationID, ErrNotFound)
	}
	return false, nil
}

// ReopenEnvelope возвращает envelope из resolution from в PENDING.
//
// Используется, когда разрешённый результат не удалось передать step'у.
func (r *EnvelopeRepo) ReopenEnvelope(ctx context.Context, correlationID string, from domain.Resolution) (bool, error) {
	query := `
		UPDATE task_envelopes
		SET resolution = 'PENDING', resolved_at = NULL
		WHERE correlation_id = $1 AND resolution = $2`

	result, err := r.pool.Exec(ctx, query, correlationID, from)
	if err != nil {
		return false, fmt.Errorf("reopen envelope: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// ListPendingEnvelopes возвращает неразрешённые envelopes в порядке отправки.
func (r *EnvelopeRepo) ListPendingEnvelopes(ctx context.Context) ([]domain.TaskEnvelope, error) {
	query := `
		SELECT correlation_id, step_id, phase_index, payload, dispatched_at, timeout_ms, resolution, resolved_at
		FROM task_envelopes
		WHERE resolution = 'PENDING'
		ORDER BY dispatched_at ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list pending envelopes: %w", err)
	}
	defer rows.Close()

	var envs []domain.TaskEnvelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

func scanEnvelope(row pgx.Row) (*domain.TaskEnvelope, error) {
	var env domain.TaskEnvelope
	var timeoutMs int64

	err := row.Scan(
		&env.CorrelationID,
		&env.StepID,
		&env.PhaseIndex,
		&env.Payload,
		&env.DispatchedAt,
		&timeoutMs,
		&env.Resolution,
		&env.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan envelope: %w", err)
	}

	env.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return &env, nil
}
