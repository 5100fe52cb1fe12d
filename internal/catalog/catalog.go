package catalog

import (
	"fmt"
	"strings"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/engine"
	"github.com/shaiso/Stepwise/internal/orchestrator"
	"github.com/shaiso/Stepwise/internal/worker"
)

// noValue — то, что text/template печатает для отсутствующего ключа.
const noValue = "<no value>"

// Registrar — то, куда регистрируются definitions (*orchestrator.Orchestrator).
type Registrar interface {
	Register(def orchestrator.Definition) error
}

// Build превращает ChainSpec в Definition.
func Build(spec engine.ChainSpec) (orchestrator.Definition, error) {
	if err := engine.Validate(&spec); err != nil {
		return orchestrator.Definition{}, err
	}

	def := orchestrator.Definition{
		Name:           spec.Name,
		Phases:         make([]orchestrator.Phase, len(spec.Phases)),
		DefaultTimeout: spec.TimeoutDuration(),
	}

	for i := range spec.Phases {
		ps := spec.Phases[i]
		phase := orchestrator.Phase{
			Name:      ps.Name,
			Timeout:   ps.TimeoutDuration(),
			Transform: phaseTransform(&spec, i),
		}
		if ps.Constraint != nil {
			phase.Constraint = &orchestrator.ConstraintRef{
				Permits: ps.Constraint.Permits,
				Resolve: unitResolver(&spec, ps.Constraint),
			}
		}
		def.Phases[i] = phase
	}
	return def, nil
}

// RegisterAll собирает и регистрирует все цепочки.
func RegisterAll(r Registrar, specs []engine.ChainSpec) error {
	if err := engine.ValidateAll(specs); err != nil {
		return err
	}
	for _, spec := range specs {
		def, err := Build(spec)
		if err != nil {
			return err
		}
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", spec.Name, err)
		}
	}
	return nil
}

// phaseTransform строит transform фазы i. Результат зависит только от
// аргументов, поэтому повторный вызов после рестарта даёт тот же запрос.
func phaseTransform(spec *engine.ChainSpec, i int) orchestrator.Transform {
	phase := spec.Phases[i]

	return func(state domain.Continuation, prev *domain.Result) (orchestrator.Request, error) {
		st, err := decodeState(spec.Name, state)
		if err != nil {
			return orchestrator.Request{}, err
		}
		if prev != nil && i > 0 {
			st.record(spec.Phases[i-1].Name, prev)
		}

		ctx := st.context(spec.Env)

		config, err := engine.RenderConfig(phase.Config, ctx)
		if err != nil {
			return orchestrator.Request{}, fmt.Errorf("render config: %w", err)
		}

		final, err := engine.RenderCondition(phase.FinalIf, ctx)
		if err != nil {
			return orchestrator.Request{}, fmt.Errorf("render final_if: %w", err)
		}

		payload, err := worker.TaskSpec{
			Type:   phase.Type,
			Config: config,
			Retry:  phase.Retry,
		}.Encode()
		if err != nil {
			return orchestrator.Request{}, err
		}

		next, err := st.encode()
		if err != nil {
			return orchestrator.Request{}, err
		}

		return orchestrator.Request{
			Payload:  payload,
			State:    &next,
			ChainEnd: phase.FinalIf != "" && final,
		}, nil
	}
}

// unitResolver рендерит ключ unit из continuation.
func unitResolver(spec *engine.ChainSpec, c *engine.ConstraintSpec) func(domain.Continuation) (string, error) {
	return func(state domain.Continuation) (string, error) {
		st, err := decodeState(spec.Name, state)
		if err != nil {
			return "", err
		}
		ctx := st.context(spec.Env)

		if c.Unit != "" {
			unit, err := engine.Render(c.Unit, ctx)
			if err != nil {
				return "", err
			}
			if unit = strings.TrimSpace(unit); unit == "" || strings.Contains(unit, noValue) {
				return "", fmt.Errorf("unit %q rendered empty", c.Unit)
			}
			return unit, nil
		}

		resource, err := engine.Render(c.Resource, ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(resource) == "" || strings.Contains(resource, noValue) {
			return "", fmt.Errorf("resource %q rendered empty", c.Resource)
		}

		scope := make([]string, len(c.Scope))
		for i, s := range c.Scope {
			if scope[i], err = engine.Render(s, ctx); err != nil {
				return "", err
			}
		}
		return domain.UnitKey(scope, resource), nil
	}
}
