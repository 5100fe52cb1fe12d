package orchestrator

import (
	"fmt"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Transform вычисляет запрос фазы из continuation и результата предыдущей фазы.
//
// Для фазы 0 prev == nil. Transform должен быть чистой функцией: при
// восстановлении после рестарта он может быть вызван повторно.
type Transform func(state domain.Continuation, prev *domain.Result) (Request, error)

// Request — то, что фаза отправляет исполнителю.
type Request struct {
	// Payload — непрозрачный запрос для исполнителя.
	Payload []byte

	// State — новый continuation. nil — оставить прежний.
	State *domain.Continuation

	// ChainEnd — эта фаза последняя, даже если в definition есть следующие.
	ChainEnd bool
}

// ConstraintRef — ограничение, которое фаза должна пройти перед dispatch.
type ConstraintRef struct {
	// Unit — ключ unit (см. domain.UnitKey).
	Unit string

	// Permits — запрашиваемый вес (default: 1).
	Permits int

	// Resolve вычисляет ключ unit из continuation текущей фазы.
	// Если задан, Unit игнорируется.
	Resolve func(state domain.Continuation) (string, error)
}

// unitFor возвращает ключ unit для continuation.
func (c *ConstraintRef) unitFor(state domain.Continuation) (string, error) {
	if c.Resolve != nil {
		return c.Resolve(state)
	}
	return c.Unit, nil
}

func (c *ConstraintRef) permits() int {
	if c.Permits == 0 {
		return 1
	}
	return c.Permits
}

// Phase — одна фаза step.
type Phase struct {
	Name string

	// Constraint — nil, если фаза выполняется без допуска.
	Constraint *ConstraintRef

	// Timeout — таймаут удалённого выполнения (0 — Definition.DefaultTimeout).
	Timeout time.Duration

	// Transform — nil означает "передать continuation как payload".
	Transform Transform
}

// request вызывает transform фазы.
func (p *Phase) request(state domain.Continuation, prev *domain.Result) (Request, error) {
	if p.Transform == nil {
		return Request{Payload: state.Data}, nil
	}
	return p.Transform(state, prev)
}

// Definition — описание step: упорядоченная цепочка фаз.
type Definition struct {
	// Name — kind step; по нему definition находится после рестарта.
	Name string

	Phases []Phase

	DefaultTimeout time.Duration
}

// Validate проверяет definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidDefinition)
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("%w: %s has no phases", ErrInvalidDefinition, d.Name)
	}
	for i, p := range d.Phases {
		if p.Constraint == nil {
			continue
		}
		if p.Constraint.Unit == "" && p.Constraint.Resolve == nil {
			return fmt.Errorf("%w: %s phase %d: constraint without unit", ErrInvalidDefinition, d.Name, i)
		}
		if p.Constraint.Permits < 0 {
			return fmt.Errorf("%w: %s phase %d: negative permits", ErrInvalidDefinition, d.Name, i)
		}
	}
	return nil
}

// phaseTimeout возвращает таймаут фазы i.
func (d *Definition) phaseTimeout(i int) time.Duration {
	if t := d.Phases[i].Timeout; t > 0 {
		return t
	}
	return d.DefaultTimeout
}
