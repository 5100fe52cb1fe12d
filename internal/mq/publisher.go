package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Publisher публикует сообщения в RabbitMQ.
//
// Он же удалённый исполнитель диспетчера (Execute) и приёмник итогов
// step (Emit).
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher поверх общего канала conn.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// publishing собирает AMQP сообщение. Сообщения persistent.
func publishing(msg *Message, body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.Timestamp,
		Type:         string(msg.Type),
		Body:         body,
	}
}

// Publish публикует msg в exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	return p.publish(ctx, exchange, routingKey, msg, nil)
}

func (p *Publisher) publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message, decorate func(*amqp.Publishing)) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pub := publishing(msg, body)
	if decorate != nil {
		decorate(&pub)
	}

	err = p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, string(exchange), string(key), false, false, pub)
	})
	if err != nil {
		telemetry.MQPublishErrors.WithLabelValues(string(key)).Inc()
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
	}

	p.logger.Debug("published message", "exchange", exchange, "routing_key", key, "message_id", msg.ID, "type", msg.Type)
	return nil
}

// PublishStepPending публикует запрос на запуск step (потребитель: orchestrator).
func (p *Publisher) PublishStepPending(ctx context.Context, payload StepPendingPayload) error {
	return p.Publish(ctx, ExchangeSteps, RoutingKeyPending, NewMessage(MessageTypeStepPending, payload))
}

// PublishStepFinished публикует итог step.
func (p *Publisher) PublishStepFinished(ctx context.Context, outcome domain.Outcome) error {
	return p.Publish(ctx, ExchangeSteps, RoutingKeyFinished, NewMessage(MessageTypeStepFinished, outcome))
}

// PublishTaskReady публикует envelope для worker'ов.
//
// CorrelationId дублируется в свойствах AMQP; при заданном таймауте
// сообщение получает TTL, и брокер не держит заведомо просроченную задачу.
func (p *Publisher) PublishTaskReady(ctx context.Context, payload TaskReadyPayload) error {
	msg := NewMessage(MessageTypeTaskReady, payload)
	return p.publish(ctx, ExchangeTasks, RoutingKeyReady, msg, func(pub *amqp.Publishing) {
		pub.CorrelationId = payload.CorrelationID
		if payload.Timeout > 0 {
			pub.Expiration = strconv.FormatInt(payload.Timeout.Milliseconds(), 10)
		}
	})
}

// PublishTaskCompleted публикует результат исполнителя (потребитель: orchestrator).
func (p *Publisher) PublishTaskCompleted(ctx context.Context, payload TaskCompletedPayload) error {
	msg := NewMessage(MessageTypeTaskCompleted, payload)
	return p.publish(ctx, ExchangeTasks, RoutingKeyCompleted, msg, func(pub *amqp.Publishing) {
		pub.CorrelationId = payload.CorrelationID
	})
}

// Execute передаёт envelope worker'ам через tasks.ready.
func (p *Publisher) Execute(ctx context.Context, env domain.TaskEnvelope) error {
	return p.PublishTaskReady(ctx, ReadyFromEnvelope(env))
}

// Emit публикует итог step в steps.finished.
func (p *Publisher) Emit(ctx context.Context, outcome domain.Outcome) error {
	return p.PublishStepFinished(ctx, outcome)
}
