// Package worker — удалённый исполнитель фаз Stepwise.
//
// # Обзор
//
// Оркестратор отправляет фазу как envelope в очередь tasks.ready и
// приостанавливает step. Worker забирает envelope, выполняет его и
// публикует результат в tasks.completed с тем же correlation ID.
// Своего состояния worker не хранит: повторная доставка или ответ
// после таймаута безопасны, диспетчер разрешает handle ровно один раз.
//
// # Payload
//
// Ядро передаёт payload непрозрачно. Worker ожидает JSON TaskSpec:
//
//	{"type": "http", "config": {"url": "https://..."}, "retry": {"max_attempts": 3}}
//
// Некорректный payload даёт результат FAILED, а не DLQ: step ждёт ответа.
//
// # Executors
//
//   - HTTPExecutor — HTTP-запросы (method, url, query, headers, body, timeout)
//   - DelayExecutor — задержка
//   - TransformExecutor — возвращает отрендеренный config
//
// Дополнительные типы регистрируются через Registry.Register.
//
// # Retry
//
// Retry выполняется в процессе и ограничен дедлайном envelope'а
// (DispatchedAt + Timeout). Стратегии backoff:
//   - "exponential": initialDelay * 2^(attempt-1), не больше maxDelay
//   - "fixed": initialDelay
//
// Для HTTP можно задать OnStatus — коды, при которых делается retry.
// Каждая попытка попадает в diagnostics результата.
//
// # Ошибки
//
// Пакет различает два уровня ошибок:
//   - инфраструктурные (error от Execute): сеть, DNS, таймаут запроса
//   - логические (ExecutionResult.Error): HTTP 500, невалидный ответ
//
// Инфраструктурные ошибки повторяются всегда, логические зависят от policy.
package worker
