package mq

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
)

func TestParsePayload_TaskCompleted(t *testing.T) {
	original := NewMessage(MessageTypeTaskCompleted, TaskCompletedPayload{
		CorrelationID: "corr-1",
		StepID:        "step-1",
		PhaseIndex:    2,
		Status:        domain.ResultStatusFailed,
		Output:        []byte(`{"x":1}`),
		Error:         "boom",
		Attempts:      3,
	})

	// Имитируем путь через брокер: marshal → unmarshal в Message
	body, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var received Message
	if err := json.Unmarshal(body, &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	payload, err := ParsePayload[TaskCompletedPayload](&received)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}

	if payload.CorrelationID != "corr-1" || payload.PhaseIndex != 2 {
		t.Errorf("unexpected payload: %+v", payload)
	}
	if string(payload.Output) != `{"x":1}` {
		t.Errorf("output = %q, want raw bytes preserved", payload.Output)
	}

	result := payload.Result()
	if result.Status != domain.ResultStatusFailed || result.Error != "boom" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestParsePayload_StepPendingKeepsRawInput(t *testing.T) {
	msg := NewMessage(MessageTypeStepPending, StepPendingPayload{
		StepID: "s1",
		Kind:   "revert-pr",
		Input:  json.RawMessage(`{"repo":"org/repoA"}`),
	})
	body, _ := json.Marshal(msg)

	var received Message
	if err := json.Unmarshal(body, &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	payload, err := ParsePayload[StepPendingPayload](&received)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}

	var input map[string]string
	if err := json.Unmarshal(payload.Input, &input); err != nil {
		t.Fatalf("input is not valid json: %v", err)
	}
	if input["repo"] != "org/repoA" {
		t.Errorf("input[repo] = %q", input["repo"])
	}
}

func TestParsePayload_TypeMismatch(t *testing.T) {
	msg := &Message{Payload: map[string]any{"phase_index": "not-a-number"}}

	if _, err := ParsePayload[TaskReadyPayload](msg); err == nil {
		t.Error("expected error for mismatched payload")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", base, false},
		{"permanent", Permanent(base), true},
		{"wrapped permanent", errors.Join(errors.New("ctx"), Permanent(base)), true},
		{"nil", Permanent(nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}

	if !errors.Is(Permanent(base), base) {
		t.Error("Permanent must unwrap to the original error")
	}
}

func TestDefaultTopology(t *testing.T) {
	topo := DefaultTopology()

	queues := make(map[Queue]bool)
	for _, q := range topo.Queues {
		queues[q.name] = true
	}

	// Каждая привязка ссылается на объявленную очередь и exchange.
	exchanges := make(map[Exchange]bool)
	for _, ex := range topo.Exchanges {
		exchanges[ex.name] = true
	}
	for _, b := range topo.Bindings {
		if !queues[b.queue] {
			t.Errorf("binding references undeclared queue %s", b.queue)
		}
		if !exchanges[b.exchange] {
			t.Errorf("binding references undeclared exchange %s", b.exchange)
		}
	}

	for _, q := range topo.Queues {
		if q.name == QueueTasksReady {
			if q.args["x-dead-letter-exchange"] != string(ExchangeDLQ) {
				t.Errorf("tasks.ready must dead-letter to %s", ExchangeDLQ)
			}
		}
	}
}

func TestNewMessage(t *testing.T) {
	before := time.Now()
	m1 := NewMessage(MessageTypeTaskReady, nil)
	m2 := NewMessage(MessageTypeTaskReady, nil)

	if m1.ID == "" || m1.ID == m2.ID {
		t.Error("message IDs must be unique and non-empty")
	}
	if m1.Timestamp.Before(before) {
		t.Error("timestamp must be set at creation")
	}
}

func TestBackoff(t *testing.T) {
	limit := 10 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, limit},
		{40, limit},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempt, limit); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSettle(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		err         error
		redelivered bool
		want        string
	}{
		{"ok", nil, false, outcomeAck},
		{"ok redelivered", nil, true, outcomeAck},
		{"first failure", boom, false, outcomeRequeue},
		{"second failure", boom, true, outcomeDeadLetter},
		{"permanent", Permanent(boom), false, outcomeDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := settle(tt.err, tt.redelivered); got != tt.want {
				t.Errorf("settle() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMessage_KeepsRawPayload(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`{"id":"m1","type":"task.ready","payload":{"step_id":"s1","phase_index":1}}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := msg.Payload.(json.RawMessage); !ok {
		t.Fatalf("payload = %T, want json.RawMessage", msg.Payload)
	}

	ready, err := ParsePayload[TaskReadyPayload](&msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if ready.StepID != "s1" || ready.PhaseIndex != 1 {
		t.Errorf("payload = %+v", ready)
	}

	var empty Message
	if err := json.Unmarshal([]byte(`{"id":"m2"}`), &empty); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if empty.Payload != nil {
		t.Errorf("absent payload = %#v, want nil", empty.Payload)
	}
}

func TestReadyFromEnvelope(t *testing.T) {
	env := domain.TaskEnvelope{
		CorrelationID: "c1",
		StepID:        "s1",
		PhaseIndex:    3,
		Payload:       []byte(`{"type":"delay"}`),
		Timeout:       time.Minute,
	}
	got := ReadyFromEnvelope(env)
	if got.CorrelationID != "c1" || got.StepID != "s1" || got.PhaseIndex != 3 || got.Timeout != time.Minute {
		t.Errorf("payload = %+v", got)
	}
	if string(got.Payload) != `{"type":"delay"}` {
		t.Errorf("payload bytes = %s", got.Payload)
	}
}
