// Package catalog превращает декларативные цепочки (engine.ChainSpec)
// в orchestrator.Definition.
//
// Continuation цепочки — JSON с входом step и выводами завершённых фаз.
// Transform каждой фазы:
//  1. добавляет вывод предыдущей фазы в continuation
//  2. рендерит config фазы шаблонами engine
//  3. кодирует worker.TaskSpec в payload envelope'а
//  4. вычисляет final_if и выставляет ChainEnd
//
// Ключ unit ограничения рендерится из того же continuation.
package catalog
