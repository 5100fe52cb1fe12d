// Package api содержит HTTP API оркестратора.
//
// Структура:
//   - handler.go            — Handler с DI (оркестратор, constraints, callbacks, logger)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (request id, logging, recovery)
//   - response.go           — унифицированные JSON-ответы и отображение ошибок
//   - dto.go                — Data Transfer Objects (request/response)
//   - step_handler.go       — обработчики для /steps и /kinds
//   - constraint_handler.go — обработчики для /constraints
//   - callback_handler.go   — приём результатов исполнителей по HTTP
//
// Callback по HTTP — альтернатива очереди tasks.completed для исполнителей,
// которые не подключены к RabbitMQ.
//
// Каждый ответ несёт X-Request-ID (входящий или сгенерированный); тот же id
// попадает в логи запроса как request_id.
package api
