package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeSteps Exchange = "stepwise.steps"
	ExchangeTasks Exchange = "stepwise.tasks"
	ExchangeDLQ   Exchange = "stepwise.dlq"
)

// Queues — имена очередей.
const (
	QueueStepsPending   Queue = "steps.pending"
	QueueStepsFinished  Queue = "steps.finished"
	QueueTasksReady     Queue = "tasks.ready"
	QueueTasksCompleted Queue = "tasks.completed"
	QueueDLQTasks       Queue = "dlq.tasks"
	QueueDLQSteps       Queue = "dlq.steps"
)

// Routing keys.
const (
	RoutingKeyPending   RoutingKey = "pending"
	RoutingKeyFinished  RoutingKey = "finished"
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyDLQTasks  RoutingKey = "tasks"
	RoutingKeyDLQSteps  RoutingKey = "steps"
)

type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type bindingDecl struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// Topology — полное описание exchanges, queues и bindings.
type Topology struct {
	Exchanges []exchangeDecl
	Queues    []queueDecl
	Bindings  []bindingDecl
}

// DefaultTopology возвращает топологию Stepwise.
func DefaultTopology() Topology {
	dlq := func(key RoutingKey) amqp.Table {
		return amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(key),
		}
	}

	return Topology{
		Exchanges: []exchangeDecl{
			{ExchangeSteps, "direct"},
			{ExchangeTasks, "direct"},
			{ExchangeDLQ, "direct"},
		},
		Queues: []queueDecl{
			// steps.pending — запросы на запуск step; невалидные уходят в DLQ
			{QueueStepsPending, dlq(RoutingKeyDLQSteps)},
			// steps.finished — итоги step для внешних потребителей
			{QueueStepsFinished, nil},
			// tasks.ready — envelopes для worker'ов
			{QueueTasksReady, dlq(RoutingKeyDLQTasks)},
			// tasks.completed — callbacks от worker'ов
			{QueueTasksCompleted, dlq(RoutingKeyDLQTasks)},
			{QueueDLQTasks, nil},
			{QueueDLQSteps, nil},
		},
		Bindings: []bindingDecl{
			{QueueStepsPending, RoutingKeyPending, ExchangeSteps},
			{QueueStepsFinished, RoutingKeyFinished, ExchangeSteps},
			{QueueTasksReady, RoutingKeyReady, ExchangeTasks},
			{QueueTasksCompleted, RoutingKeyCompleted, ExchangeTasks},
			{QueueDLQTasks, RoutingKeyDLQTasks, ExchangeDLQ},
			{QueueDLQSteps, RoutingKeyDLQSteps, ExchangeDLQ},
		},
	}
}

// SetupTopology объявляет топологию Stepwise. Операция идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	t := DefaultTopology()

	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range t.Exchanges {
			// durable, не auto-delete, не internal
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		for _, q := range t.Queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		for _, b := range t.Bindings {
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Stepwise RabbitMQ Topology:

    stepwise.steps (direct)
    ├── steps.pending [routing: pending]       Consumer: Orchestrator, DLQ: dlq.steps
    └── steps.finished [routing: finished]     Consumer: external

    stepwise.tasks (direct)
    ├── tasks.ready [routing: ready]           Consumer: Worker, DLQ: dlq.tasks
    └── tasks.completed [routing: completed]   Consumer: Orchestrator, DLQ: dlq.tasks

    stepwise.dlq (direct)
    ├── dlq.tasks [routing: tasks]
    └── dlq.steps [routing: steps]
  `
}
