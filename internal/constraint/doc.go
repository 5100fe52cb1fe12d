// Package constraint реализует Resource Constraint Service.
//
// Unit — ключ внешнего ресурса (репозиторий, API аккаунта, группа ресурсов)
// с ёмкостью в permits. Consumer запрашивает permits и получает одно из решений:
//
//	ACTIVE               — permits выданы
//	BLOCKED              — ждёт в FIFO-очереди unit
//	REJECTED             — очередь переполнена или истёк таймаут ожидания
//	PERMANENTLY_REJECTED — запрос больше ёмкости unit
//
// Инвариант: сумма permits ACTIVE consumers никогда не превышает ёмкость.
// Новый consumer не обгоняет уже ожидающих, даже если сам помещается.
//
// Promotion и rejection доставляются через Listener после снятия
// блокировки unit.
package constraint
