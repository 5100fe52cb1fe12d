package domain

import (
	"strings"
	"time"
)

// Consumer — один запрос на допуск к единице ограничения.
//
// Consumer принадлежит ровно одному step (Owner) на всё время жизни.
// Освобождать его обязан Step Chain Executor.
type Consumer struct {
	// ID — уникальный идентификатор consumer.
	ID string `json:"id"`

	// Unit — ключ защищаемого ресурса.
	Unit string `json:"unit"`

	// Permits — запрошенный вес (обычно 1).
	Permits int `json:"permits"`

	// State — текущее состояние.
	State ConsumerState `json:"state"`

	// Order — порядковый номер прибытия в рамках unit.
	// Определяет FIFO и переживает рестарт.
	Order int64 `json:"order"`

	// Owner — ID step, зарегистрировавшего consumer.
	Owner string `json:"owner,omitempty"`

	RegisteredAt time.Time  `json:"registered_at"`
	AcquiredAt   *time.Time `json:"acquired_at,omitempty"`
}

// Activate переводит consumer в ACTIVE.
func (c *Consumer) Activate(at time.Time) {
	c.State = ConsumerStateActive
	c.AcquiredAt = &at
}

// UnitCapacity — настройка ёмкости единицы ограничения.
type UnitCapacity struct {
	Unit string `json:"unit" yaml:"unit"`

	// Capacity — максимум одновременно выданных permits.
	Capacity int `json:"capacity" yaml:"capacity"`

	// MaxQueue — максимум BLOCKED consumers (0 — без ограничения).
	MaxQueue int `json:"max_queue,omitempty" yaml:"max_queue,omitempty"`
}

// UnitKey строит ключ единицы ограничения из области видимости и ресурса.
//
// Пустые сегменты области пропускаются:
//
//	UnitKey([]string{"acc1", "", "proj"}, "github.com/org/repo") == "acc1/proj|github.com/org/repo"
func UnitKey(scope []string, resource string) string {
	parts := make([]string, 0, len(scope))
	for _, s := range scope {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/") + "|" + strings.TrimSpace(resource)
}
