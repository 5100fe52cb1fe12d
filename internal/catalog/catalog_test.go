package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/dispatch"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/engine"
	"github.com/shaiso/Stepwise/internal/memstore"
	"github.com/shaiso/Stepwise/internal/orchestrator"
	"github.com/shaiso/Stepwise/internal/worker"
)

const deployChain = `
- name: deploy
  timeout: 1m
  env:
    REGISTRY: registry.local
  phases:
    - name: build
      type: http
      config:
        method: POST
        url: "https://ci/{{ .Inputs.repo }}/build"
    - name: push
      type: http
      timeout: 30s
      constraint:
        scope: ["{{ .Inputs.account }}"]
        resource: "{{ .Inputs.repo }}"
      config:
        url: "{{ .Env.REGISTRY }}/push/{{ .Phases.build.Outputs.sha }}"
      final_if: "not .Inputs.promote"
    - name: promote
      type: transform
      constraint:
        unit: "prod-{{ .Inputs.account }}"
      config:
        output:
          sha: "{{ .Phases.build.Outputs.sha }}"
`

func mustChains(t *testing.T, doc string) []engine.ChainSpec {
	t.Helper()
	specs, err := engine.ParseChains([]byte(doc))
	if err != nil {
		t.Fatalf("parse chains: %v", err)
	}
	return specs
}

func mustBuild(t *testing.T) orchestrator.Definition {
	t.Helper()
	def, err := Build(mustChains(t, deployChain)[0])
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return def
}

func decodeSpec(t *testing.T, payload []byte) worker.TaskSpec {
	t.Helper()
	spec, err := worker.DecodeTaskSpec(payload)
	if err != nil {
		t.Fatalf("decode task spec: %v", err)
	}
	return spec
}

func TestBuild_Shape(t *testing.T) {
	def := mustBuild(t)

	if def.Name != "deploy" || len(def.Phases) != 3 {
		t.Fatalf("unexpected definition %+v", def)
	}
	if def.DefaultTimeout != time.Minute {
		t.Errorf("expected 1m default timeout, got %v", def.DefaultTimeout)
	}
	if def.Phases[0].Constraint != nil {
		t.Error("build phase should be unconstrained")
	}
	if def.Phases[1].Constraint == nil || def.Phases[1].Timeout != 30*time.Second {
		t.Errorf("unexpected push phase %+v", def.Phases[1])
	}
	if err := def.Validate(); err != nil {
		t.Errorf("built definition should be valid: %v", err)
	}
}

func TestBuild_InvalidSpec(t *testing.T) {
	_, err := Build(engine.ChainSpec{Name: "x"})
	if !errors.Is(err, engine.ErrEmptyPhases) {
		t.Errorf("expected ErrEmptyPhases, got %v", err)
	}
}

func TestTransform_RendersFromContinuation(t *testing.T) {
	def := mustBuild(t)
	input := domain.NewContinuation([]byte(`{"repo":"org/app","account":"acc1","promote":true}`))

	// фаза 0: вход step как есть
	req, err := def.Phases[0].Transform(input, nil)
	if err != nil {
		t.Fatalf("phase 0: %v", err)
	}
	spec := decodeSpec(t, req.Payload)
	if spec.Type != "http" || spec.Config["url"] != "https://ci/org/app/build" || spec.Config["method"] != "POST" {
		t.Errorf("unexpected phase 0 spec %+v", spec)
	}
	if req.ChainEnd {
		t.Error("phase without final_if must not end the chain")
	}
	if req.State == nil || req.State.Version != domain.ContinuationVersion {
		t.Fatalf("expected new continuation, got %+v", req.State)
	}

	// фаза 1: вывод build попадает в шаблоны
	prev := domain.SucceededResult([]byte(`{"sha":"abc123"}`))
	req, err = def.Phases[1].Transform(*req.State, &prev)
	if err != nil {
		t.Fatalf("phase 1: %v", err)
	}
	spec = decodeSpec(t, req.Payload)
	if spec.Config["url"] != "registry.local/push/abc123" {
		t.Errorf("unexpected push url %v", spec.Config["url"])
	}
	if req.ChainEnd {
		t.Error("promote=true must keep the chain going")
	}

	unit, err := def.Phases[1].Constraint.Resolve(*req.State)
	if err != nil {
		t.Fatalf("resolve unit: %v", err)
	}
	if unit != "acc1|org/app" {
		t.Errorf("unexpected unit %q", unit)
	}

	// фаза 2: состояние несёт выводы всех предыдущих фаз
	prev = domain.SucceededResult([]byte(`"pushed"`))
	req, err = def.Phases[2].Transform(*req.State, &prev)
	if err != nil {
		t.Fatalf("phase 2: %v", err)
	}
	spec = decodeSpec(t, req.Payload)
	out, ok := spec.Config["output"].(map[string]any)
	if !ok || out["sha"] != "abc123" {
		t.Errorf("unexpected promote config %v", spec.Config)
	}

	var st chainState
	if err := json.Unmarshal(req.State.Data, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Phases["push"].Outputs["raw"] != "pushed" {
		t.Errorf("non-object output should be kept under raw, got %v", st.Phases["push"].Outputs)
	}

	unit, err = def.Phases[2].Constraint.Resolve(*req.State)
	if err != nil || unit != "prod-acc1" {
		t.Errorf("unexpected unit %q (%v)", unit, err)
	}
}

func TestTransform_FinalIfEndsChain(t *testing.T) {
	def := mustBuild(t)
	input := domain.NewContinuation([]byte(`{"repo":"r","account":"a","promote":false}`))

	req, err := def.Phases[0].Transform(input, nil)
	if err != nil {
		t.Fatal(err)
	}
	prev := domain.SucceededResult([]byte(`{"sha":"x"}`))
	req, err = def.Phases[1].Transform(*req.State, &prev)
	if err != nil {
		t.Fatal(err)
	}
	if !req.ChainEnd {
		t.Error("promote=false should end the chain at push")
	}
}

func TestTransform_IsRepeatable(t *testing.T) {
	def := mustBuild(t)
	input := domain.NewContinuation([]byte(`{"repo":"r","account":"a"}`))

	first, err := def.Phases[0].Transform(input, nil)
	if err != nil {
		t.Fatal(err)
	}
	// повтор на уже записанном continuation (восстановление после рестарта)
	second, err := def.Phases[0].Transform(*first.State, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(first.Payload) != string(second.Payload) {
		t.Errorf("payload changed on replay:\n%s\n%s", first.Payload, second.Payload)
	}
}

func TestTransform_Errors(t *testing.T) {
	def := mustBuild(t)

	_, err := def.Phases[0].Transform(domain.NewContinuation([]byte(`[1,2]`)), nil)
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	_, err = def.Phases[0].Transform(domain.Continuation{Version: domain.ContinuationVersion + 1}, nil)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	// repo отсутствует — ключ unit не строится
	req, err := def.Phases[0].Transform(domain.NewContinuation([]byte(`{"account":"a"}`)), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := def.Phases[1].Constraint.Resolve(*req.State); err == nil {
		t.Error("expected error for missing resource")
	}
}

type recordingRegistrar struct {
	defs []orchestrator.Definition
}

func (r *recordingRegistrar) Register(def orchestrator.Definition) error {
	r.defs = append(r.defs, def)
	return nil
}

func TestRegisterAll(t *testing.T) {
	doc := deployChain + `
- name: wait
  phases:
    - name: sleep
      type: delay
`
	r := &recordingRegistrar{}
	if err := RegisterAll(r, mustChains(t, doc)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.defs) != 2 || r.defs[1].Name != "wait" {
		t.Errorf("unexpected registrations %v", r.defs)
	}
}

// executorFunc отвечает на envelope асинхронно, как удалённый worker.
type executorFunc func(ctx context.Context, env domain.TaskEnvelope) error

func (f executorFunc) Execute(ctx context.Context, env domain.TaskEnvelope) error { return f(ctx, env) }

func TestCatalogChain_EndToEnd(t *testing.T) {
	store := memstore.New()
	constraints := constraint.New(constraint.Config{Store: store, DefaultCapacity: 1})

	var dispatcher *dispatch.Dispatcher
	payloads := make(chan worker.TaskSpec, 10)
	dispatcher = dispatch.New(dispatch.Config{
		Store: store,
		Executor: executorFunc(func(_ context.Context, env domain.TaskEnvelope) error {
			spec, err := worker.DecodeTaskSpec(env.Payload)
			if err != nil {
				return err
			}
			payloads <- spec
			go func() {
				output := []byte(`{"sha":"feed"}`)
				if spec.Type == "transform" {
					output, _ = json.Marshal(spec.Config["output"])
				}
				_, _ = dispatcher.OnCompletion(context.Background(), env.CorrelationID, domain.SucceededResult(output))
			}()
			return nil
		}),
	})

	outcomes := make(chan domain.Outcome, 1)
	orch := orchestrator.New(orchestrator.Config{
		Steps:       store,
		Constraints: constraints,
		Dispatcher:  dispatcher,
		Sink: orchestrator.OutcomeFunc(func(_ context.Context, o domain.Outcome) error {
			outcomes <- o
			return nil
		}),
	})
	defer dispatcher.Stop()
	defer orch.Stop()

	if err := RegisterAll(orch, mustChains(t, deployChain)); err != nil {
		t.Fatalf("register: %v", err)
	}

	input := []byte(`{"repo":"org/app","account":"acc1","promote":true}`)
	if _, err := orch.StartByKind(context.Background(), "s1", "deploy", input); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case o := <-outcomes:
		if o.Status != domain.StepStatusSucceeded {
			t.Fatalf("expected SUCCEEDED, got %s (%s)", o.Status, o.Error)
		}
		if !strings.Contains(string(o.Result), "feed") {
			t.Errorf("expected promote output in result, got %s", o.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	if len(payloads) != 3 {
		t.Errorf("expected 3 dispatched phases, got %d", len(payloads))
	}

	snap, ok := constraints.Snapshot("acc1|org/app")
	if !ok || snap.ActivePermits != 0 {
		t.Errorf("permits must be released after the chain, got %+v", snap)
	}
}
