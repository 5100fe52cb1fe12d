// Package engine описывает декларативные цепочки фаз.
//
// Включает:
//   - parser.go   — ChainSpec/PhaseSpec, разбор YAML и валидация
//   - template.go — рендеринг Go templates ({{ .Inputs.x }}, {{ .Phases.p.Outputs.y }})
//
// Engine не знает об оркестраторе: catalog превращает ChainSpec в
// orchestrator.Definition, а engine отвечает только за структуру цепочки
// и подстановку данных в конфигурацию фаз.
package engine
