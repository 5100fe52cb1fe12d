package engine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Допустимые типы задач (совпадают с executor'ами worker'а).
var validTaskTypes = map[string]bool{
	"http":      true,
	"delay":     true,
	"transform": true,
}

// ChainSpec — декларативное описание step: цепочка фаз.
type ChainSpec struct {
	// Name — kind step.
	Name string `yaml:"name" json:"name"`

	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Timeout — таймаут фазы по умолчанию ("10m").
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Env — статические переменные для шаблонов ({{ .Env.X }}).
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	Phases []PhaseSpec `yaml:"phases" json:"phases"`
}

// PhaseSpec — одна фаза цепочки.
type PhaseSpec struct {
	Name string `yaml:"name" json:"name"`

	// Type — тип задачи для worker'а: http, delay, transform.
	Type string `yaml:"type" json:"type"`

	// Config — конфигурация задачи; строки могут быть шаблонами.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	Retry *domain.RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Timeout — таймаут удалённого выполнения ("30s").
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Constraint — ограничение, которое фаза проходит перед dispatch.
	Constraint *ConstraintSpec `yaml:"constraint,omitempty" json:"constraint,omitempty"`

	// FinalIf — условие (шаблон), при котором фаза становится последней.
	FinalIf string `yaml:"final_if,omitempty" json:"final_if,omitempty"`
}

// ConstraintSpec — ограничение фазы.
//
// Ключ unit задаётся либо явно (Unit), либо парой Scope/Resource,
// из которой строится domain.UnitKey. Все строки могут быть шаблонами.
type ConstraintSpec struct {
	Unit     string   `yaml:"unit,omitempty" json:"unit,omitempty"`
	Scope    []string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Resource string   `yaml:"resource,omitempty" json:"resource,omitempty"`

	// Permits — вес запроса (0 — 1).
	Permits int `yaml:"permits,omitempty" json:"permits,omitempty"`
}

// ParseChains разбирает YAML-документ со списком цепочек
// и валидирует каждую.
func ParseChains(data []byte) ([]ChainSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var specs []ChainSpec
	if err := dec.Decode(&specs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse chains: %w", err)
	}
	if err := ValidateAll(specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// ValidateAll валидирует набор цепочек и уникальность имён.
func ValidateAll(specs []ChainSpec) error {
	seen := make(map[string]bool, len(specs))
	for i := range specs {
		if err := Validate(&specs[i]); err != nil {
			return err
		}
		if seen[specs[i].Name] {
			return NewValidationError(specs[i].Name, "", "name",
				"duplicate chain name", ErrDuplicateChain)
		}
		seen[specs[i].Name] = true
	}
	return nil
}

// Validate выполняет полную валидацию ChainSpec.
//
// Проверяет:
//   - имя и наличие фаз
//   - уникальность имён фаз
//   - типы задач и таймауты
//   - описание ограничений
//   - синтаксис шаблонов
func Validate(spec *ChainSpec) error {
	if spec == nil {
		return ErrEmptyPhases
	}
	if spec.Name == "" {
		return NewValidationError("", "", "name", "chain has empty name", ErrEmptyName)
	}
	if len(spec.Phases) == 0 {
		return NewValidationError(spec.Name, "", "phases", "chain has no phases", ErrEmptyPhases)
	}
	if _, err := parseTimeout(spec.Timeout); err != nil {
		return NewValidationError(spec.Name, "", "timeout", err.Error(), ErrInvalidTimeout)
	}

	names := make(map[string]bool, len(spec.Phases))
	for i := range spec.Phases {
		if err := validatePhase(spec.Name, &spec.Phases[i], names); err != nil {
			return err
		}
	}
	return nil
}

// validatePhase валидирует одну фазу.
// names — уже встреченные имена фаз.
func validatePhase(chain string, phase *PhaseSpec, names map[string]bool) error {
	if phase.Name == "" {
		return NewValidationError(chain, "", "name", "phase has empty name", ErrEmptyPhaseName)
	}
	if names[phase.Name] {
		return NewValidationError(chain, phase.Name, "name",
			fmt.Sprintf("duplicate phase name: %s", phase.Name), ErrDuplicatePhase)
	}
	names[phase.Name] = true

	if !validTaskTypes[phase.Type] {
		return NewValidationError(chain, phase.Name, "type",
			fmt.Sprintf("unknown task type: %q", phase.Type), ErrUnknownTaskType)
	}

	if _, err := parseTimeout(phase.Timeout); err != nil {
		return NewValidationError(chain, phase.Name, "timeout", err.Error(), ErrInvalidTimeout)
	}

	if err := CheckValue(phase.Config); err != nil {
		return NewValidationError(chain, phase.Name, "config", err.Error(), err)
	}
	if err := checkCondition(phase.FinalIf); err != nil {
		return NewValidationError(chain, phase.Name, "final_if", err.Error(), err)
	}

	if c := phase.Constraint; c != nil {
		if c.Unit == "" && c.Resource == "" {
			return NewValidationError(chain, phase.Name, "constraint",
				"constraint needs unit or resource", ErrInvalidConstraint)
		}
		if c.Unit != "" && (c.Resource != "" || len(c.Scope) > 0) {
			return NewValidationError(chain, phase.Name, "constraint",
				"unit and scope/resource are mutually exclusive", ErrInvalidConstraint)
		}
		if c.Permits < 0 {
			return NewValidationError(chain, phase.Name, "constraint.permits",
				"permits must not be negative", ErrInvalidConstraint)
		}
		for _, s := range append([]string{c.Unit, c.Resource}, c.Scope...) {
			if err := Check(s); err != nil {
				return NewValidationError(chain, phase.Name, "constraint", err.Error(), err)
			}
		}
	}
	return nil
}

// checkCondition проверяет условие в том виде, в котором его выполняет RenderCondition.
func checkCondition(cond string) error {
	if cond == "" {
		return nil
	}
	return Check(fmt.Sprintf("{{if %s}}{{end}}", cond))
}

// TimeoutDuration возвращает таймаут цепочки (0 — не задан).
func (s *ChainSpec) TimeoutDuration() time.Duration {
	d, _ := parseTimeout(s.Timeout)
	return d
}

// TimeoutDuration возвращает таймаут фазы (0 — не задан).
func (p *PhaseSpec) TimeoutDuration() time.Duration {
	d, _ := parseTimeout(p.Timeout)
	return d
}

func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative timeout %s", s)
	}
	return d, nil
}

// IsValidTaskType проверяет, является ли тип задачи допустимым.
func IsValidTaskType(taskType string) bool {
	return validTaskTypes[taskType]
}

// GetValidTaskTypes возвращает отсортированный список допустимых типов.
func GetValidTaskTypes() []string {
	types := make([]string, 0, len(validTaskTypes))
	for t := range validTaskTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
