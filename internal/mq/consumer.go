package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Handler обрабатывает одно сообщение.
//
// nil — ack. Ошибка — nack с возвратом в очередь (один раз);
// повторная ошибка или ошибка, обёрнутая Permanent, уводит сообщение в DLQ.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение вместе с исходным AMQP delivery.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку, после которой повтор бессмыслен:
// сообщение уходит в DLQ сразу.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent проверяет, помечена ли ошибка как Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Исход обработки delivery.
const (
	outcomeAck        = "ack"
	outcomeRequeue    = "requeue"
	outcomeDeadLetter = "dead_letter"
)

// settle решает судьбу delivery по ошибке обработчика.
func settle(err error, redelivered bool) string {
	switch {
	case err == nil:
		return outcomeAck
	case IsPermanent(err) || redelivered:
		return outcomeDeadLetter
	default:
		return outcomeRequeue
	}
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	Queue   Queue
	Handler Handler

	// Prefetch — число неподтверждённых сообщений на канале (default: 1).
	Prefetch int
}

// Consumer читает очередь на собственном канале и переподписывается
// после переподключения Connection.
type Consumer struct {
	conn    *Connection
	cfg     ConsumerConfig
	logger  *slog.Logger

	cancel context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:   conn,
		cfg:    cfg,
		logger: logger.With("queue", string(cfg.Queue)),
	}
}

// Start потребляет сообщения и блокируется до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	reconnected := c.conn.ReconnectNotify()

	for ctx.Err() == nil {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("consumer interrupted, waiting for reconnect", "error", err)

		select {
		case <-ctx.Done():
		case <-reconnected:
			c.logger.Info("reconnected, resubscribing")
		}
	}
	return ctx.Err()
}

// consumeOnce подписывается на очередь и обрабатывает сообщения, пока
// канал жив.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	ch, err := c.conn.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(string(c.cfg.Queue), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.logger.Info("consumer started", "prefetch", c.cfg.Prefetch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-deliveries:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed message, dead-lettering", "error", err, "body", string(raw.Body))
		c.finish(raw, outcomeDeadLetter)
		return
	}

	logger := c.logger.With("message_id", msg.ID, "type", msg.Type)
	logger.Debug("received message")

	err := c.cfg.Handler(ctx, &Delivery{Message: msg, Raw: raw})
	outcome := settle(err, raw.Redelivered)
	switch outcome {
	case outcomeDeadLetter:
		logger.Error("handler failed, dead-lettering", "error", err, "redelivered", raw.Redelivered)
	case outcomeRequeue:
		logger.Warn("handler failed, requeueing", "error", err)
	}
	c.finish(raw, outcome)
}

func (c *Consumer) finish(raw amqp.Delivery, outcome string) {
	var err error
	switch outcome {
	case outcomeAck:
		err = raw.Ack(false)
	case outcomeRequeue:
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "outcome", outcome, "error", err)
	}
	telemetry.MQDeliveries.WithLabelValues(string(c.cfg.Queue), outcome).Inc()
}

// Stop прерывает Start.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// ParsePayload декодирует payload сообщения в T.
//
// У принятых сообщений payload хранится как json.RawMessage; у собранных
// локально (NewMessage) это произвольное значение, оно перекодируется.
func ParsePayload[T any](msg *Message) (T, error) {
	var out T

	raw, ok := msg.Payload.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(msg.Payload)
		if err != nil {
			return out, fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}
