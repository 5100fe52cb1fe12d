package constraint

import (
	"context"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Store — хранилище состояния ограничений.
//
// Service пишет в Store синхронно под блокировкой unit, поэтому порядок
// записей для одного unit совпадает с порядком решений.
type Store interface {
	// SaveConsumer создаёт или обновляет consumer.
	SaveConsumer(ctx context.Context, c domain.Consumer) error

	// DeleteConsumer удаляет consumer. Отсутствие записи не ошибка.
	DeleteConsumer(ctx context.Context, unit, consumerID string) error

	// ListConsumers возвращает все сохранённые consumers.
	ListConsumers(ctx context.Context) ([]domain.Consumer, error)

	// SaveUnit создаёт или обновляет ёмкость unit.
	SaveUnit(ctx context.Context, u domain.UnitCapacity) error

	// ListUnits возвращает все настроенные units.
	ListUnits(ctx context.Context) ([]domain.UnitCapacity, error)
}

// Listener получает асинхронные изменения состояния consumers.
//
// Вызовы происходят после снятия блокировки unit. Реализация не должна
// долго блокировать вызывающую горутину.
type Listener interface {
	// ConsumerPromoted вызывается при переходе BLOCKED → ACTIVE.
	ConsumerPromoted(c domain.Consumer)

	// ConsumerRejected вызывается, когда BLOCKED consumer отклонён (таймаут ожидания).
	ConsumerRejected(c domain.Consumer)
}
