// Package orchestrator реализует Step Chain Executor.
//
// Step — логическое действие из нескольких зависимых фаз
// (например, "получить входные данные" → "подготовить откат" → "применить").
// Каждая фаза:
//
//  1. вычисляет запрос из continuation и результата предыдущей фазы (Transform)
//  2. при необходимости проходит допуск в unit ограничения (constraint)
//  3. отправляется удалённому исполнителю через dispatch и приостанавливает step
//  4. возобновляется по callback с тем же correlation handle
//
// Жизненный цикл step:
//
//	PENDING → DISPATCHED → AWAITING_RESULT → DISPATCHED (следующая фаза) → ... → SUCCEEDED
//	                                       ↘ FAILED
//
// Permits фазы освобождаются, как только приходит её результат,
// и безусловно при завершении step. Итог отдаётся в OutcomeSink.
//
// Источники событий:
//   - прямые вызовы (StartStep, CancelStep) и HTTP API
//   - tasks.completed и steps.pending из RabbitMQ
//   - уведомления constraint.Listener о promotion/rejection
//   - RepairStranded из sweeper: steps, застрявшие после сбоя хранилища
package orchestrator
