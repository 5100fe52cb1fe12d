package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Stepwise/internal/domain"
)

// ConstraintRepo — репозиторий consumers и ёмкостей units.
type ConstraintRepo struct {
	pool *pgxpool.Pool
}

// NewConstraintRepo создаёт новый ConstraintRepo.
func NewConstraintRepo(pool *pgxpool.Pool) *ConstraintRepo {
	return &ConstraintRepo{pool: pool}
}

// SaveConsumer создаёт или обновляет consumer.
func (r *ConstraintRepo) SaveConsumer(ctx context.Context, c domain.Consumer) error {
	query := `
		INSERT INTO constraint_consumers (unit, consumer_id, permits, state, seq, owner, registered_at, acquired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (unit, consumer_id) DO UPDATE
		SET permits = EXCLUDED.permits,
		    state = EXCLUDED.state,
		    seq = EXCLUDED.seq,
		    owner = EXCLUDED.owner,
		    acquired_at = EXCLUDED.acquired_at`

	_, err := r.pool.Exec(ctx, query,
		c.Unit,
		c.ID,
		c.Permits,
		c.State,
		c.Order,
		nullString(c.Owner),
		c.RegisteredAt,
		c.AcquiredAt,
	)
	if err != nil {
		return fmt.Errorf("save consumer: %w", err)
	}
	return nil
}

// DeleteConsumer удаляет consumer. Отсутствие записи не ошибка.
func (r *ConstraintRepo) DeleteConsumer(ctx context.Context, unit, consumerID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM constraint_consumers WHERE unit = $1 AND consumer_id = $2`,
		unit, consumerID,
	)
	if err != nil {
		return fmt.Errorf("delete consumer: %w", err)
	}
	return nil
}

// ListConsumers возвращает consumers, упорядоченные по unit и порядку прибытия.
func (r *ConstraintRepo) ListConsumers(ctx context.Context) ([]domain.Consumer, error) {
	query := `
		SELECT unit, consumer_id, permits, state, seq, owner, registered_at, acquired_at
		FROM constraint_consumers
		ORDER BY unit ASC, seq ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list consumers: %w", err)
	}
	defer rows.Close()

	var consumers []domain.Consumer
	for rows.Next() {
		c, err := scanConsumer(rows)
		if err != nil {
			return nil, err
		}
		consumers = append(consumers, c)
	}
	return consumers, rows.Err()
}

// SaveUnit создаёт или обновляет ёмкость unit.
func (r *ConstraintRepo) SaveUnit(ctx context.Context, u domain.UnitCapacity) error {
	query := `
		INSERT INTO constraint_units (unit, capacity, max_queue)
		VALUES ($1, $2, $3)
		ON CONFLICT (unit) DO UPDATE
		SET capacity = EXCLUDED.capacity, max_queue = EXCLUDED.max_queue`

	if _, err := r.pool.Exec(ctx, query, u.Unit, u.Capacity, u.MaxQueue); err != nil {
		return fmt.Errorf("save unit: %w", err)
	}
	return nil
}

// ListUnits возвращает units, отсортированные по ключу.
func (r *ConstraintRepo) ListUnits(ctx context.Context) ([]domain.UnitCapacity, error) {
	rows, err := r.pool.Query(ctx, `SELECT unit, capacity, max_queue FROM constraint_units ORDER BY unit ASC`)
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	defer rows.Close()

	var units []domain.UnitCapacity
	for rows.Next() {
		var u domain.UnitCapacity
		if err := rows.Scan(&u.Unit, &u.Capacity, &u.MaxQueue); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func scanConsumer(row pgx.Row) (domain.Consumer, error) {
	var c domain.Consumer
	var owner *string

	err := row.Scan(
		&c.Unit,
		&c.ID,
		&c.Permits,
		&c.State,
		&c.Order,
		&owner,
		&c.RegisteredAt,
		&c.AcquiredAt,
	)
	if err != nil {
		return c, fmt.Errorf("scan consumer: %w", err)
	}
	if owner != nil {
		c.Owner = *owner
	}
	return c, nil
}
