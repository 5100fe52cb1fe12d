// Package telemetry — логирование и метрики Stepwise.
//
// Логгер настраивается переменными LOG_FORMAT (json | text) и LOG_LEVEL.
// Ключи атрибутов в snake_case: step_id, correlation_id, unit, consumer_id.
//
// Метрики регистрируются через promauto при импорте пакета и
// отдаются бинарниками на /metrics.
package telemetry
