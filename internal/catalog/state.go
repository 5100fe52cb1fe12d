package catalog

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/engine"
)

// stateKey отличает continuation цепочки от сырого входа step.
const stateKey = "_chain"

// ErrInvalidInput — вход step не является JSON-объектом.
var ErrInvalidInput = errors.New("step input must be a JSON object")

// ErrUnsupportedVersion — continuation записан более новой версией.
var ErrUnsupportedVersion = errors.New("unsupported continuation version")

// chainState — содержимое continuation.Data.
type chainState struct {
	Chain  string                          `json:"_chain"`
	Inputs map[string]any                  `json:"inputs"`
	Phases map[string]*engine.PhaseContext `json:"phases"`
}

// decodeState читает continuation. До первой фазы Data содержит
// вход step как есть; после — chainState.
func decodeState(chain string, state domain.Continuation) (*chainState, error) {
	if state.Version > domain.ContinuationVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, state.Version)
	}

	st := &chainState{
		Chain:  chain,
		Inputs: make(map[string]any),
		Phases: make(map[string]*engine.PhaseContext),
	}
	if len(state.Data) == 0 {
		return st, nil
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(state.Data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if _, ok := probe[stateKey]; !ok {
		if err := json.Unmarshal(state.Data, &st.Inputs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return st, nil
	}

	if err := json.Unmarshal(state.Data, st); err != nil {
		return nil, fmt.Errorf("decode chain state: %w", err)
	}
	if st.Inputs == nil {
		st.Inputs = make(map[string]any)
	}
	if st.Phases == nil {
		st.Phases = make(map[string]*engine.PhaseContext)
	}
	return st, nil
}

// record добавляет результат фазы.
func (s *chainState) record(phase string, result *domain.Result) {
	s.Phases[phase] = &engine.PhaseContext{
		Outputs: outputsOf(result.Output),
		Status:  string(result.Status),
	}
}

// context собирает контекст шаблонов.
func (s *chainState) context(env map[string]string) *engine.Context {
	ctx := engine.NewContext(s.Inputs)
	ctx.Phases = s.Phases
	for k, v := range env {
		ctx.SetEnv(k, v)
	}
	return ctx
}

func (s *chainState) encode() (domain.Continuation, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return domain.Continuation{}, fmt.Errorf("encode chain state: %w", err)
	}
	return domain.NewContinuation(data), nil
}

// outputsOf разбирает вывод исполнителя. JSON-объект становится outputs,
// иначе значение кладётся под ключ "raw".
func outputsOf(output []byte) map[string]any {
	if len(output) == 0 {
		return make(map[string]any)
	}
	var m map[string]any
	if err := json.Unmarshal(output, &m); err == nil && m != nil {
		return m
	}
	var v any
	if err := json.Unmarshal(output, &v); err == nil {
		return map[string]any{"raw": v}
	}
	return map[string]any{"raw": string(output)}
}
