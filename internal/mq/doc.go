// Package mq — транспорт Stepwise поверх RabbitMQ.
//
// Структура:
//   - connection.go — соединение с reconnect
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация; удалённый исполнитель и outcome sink
//   - consumer.go   — потребление с ручным ack и DLQ
//
// Типы сообщений:
//   - step.pending    — запрос на запуск step
//   - step.finished   — итог step
//   - task.ready      — envelope фазы для worker'а
//   - task.completed  — результат worker'а по correlation ID
//
// Exchanges:
//   - stepwise.steps  — события steps
//   - stepwise.tasks  — события tasks
//   - stepwise.dlq    — dead letter queue
package mq
