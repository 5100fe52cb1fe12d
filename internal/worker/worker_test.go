package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/mq"
)

// --- HTTPExecutor Tests ---

func TestHTTPExecutor_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	executor := &HTTPExecutor{}
	task := &Task{Config: map[string]any{"method": "get", "url": server.URL}}

	result, err := executor.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected execution error: %s", result.Error)
	}
	if result.Outputs["status_code"] != http.StatusOK {
		t.Errorf("expected status 200, got %v", result.Outputs["status_code"])
	}

	headers, ok := result.Outputs["headers"].(map[string]string)
	if !ok {
		t.Fatal("headers should be map[string]string")
	}
	if headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", headers["X-Custom"])
	}

	body, ok := result.Outputs["body"].(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", result.Outputs["body"])
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
}

func TestHTTPExecutor_POST_WithBodyAndQuery(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType, receivedAuth, receivedQuery string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedAuth = r.Header.Get("Authorization")
		receivedQuery = r.URL.Query().Get("ref")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	executor := &HTTPExecutor{Client: server.Client()}
	task := &Task{Config: map[string]any{
		"method":  "POST",
		"url":     server.URL,
		"query":   map[string]any{"ref": "main"},
		"body":    map[string]any{"name": "test"},
		"headers": map[string]any{"Authorization": "Bearer token123"},
	}}

	result, err := executor.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receivedBody["name"] != "test" {
		t.Errorf("server should receive body, got %v", receivedBody)
	}
	if receivedContentType != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedContentType)
	}
	if receivedAuth != "Bearer token123" {
		t.Errorf("expected Authorization header, got %q", receivedAuth)
	}
	if receivedQuery != "main" {
		t.Errorf("expected ref=main, got %q", receivedQuery)
	}
	if result.Outputs["status_code"] != http.StatusCreated {
		t.Errorf("expected status 201, got %v", result.Outputs["status_code"])
	}
}

func TestHTTPExecutor_StringBodySentAsIs(t *testing.T) {
	var received string
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = string(body)
		contentType = r.Header.Get("Content-Type")
	}))
	defer server.Close()

	task := &Task{Config: map[string]any{"method": "PUT", "url": server.URL, "body": "raw text"}}
	if _, err := (&HTTPExecutor{}).Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received != "raw text" {
		t.Errorf("expected raw body, got %q", received)
	}
	if contentType == "application/json" {
		t.Error("string body should not be labelled as JSON")
	}
}

func TestHTTPExecutor_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "internal"}`))
	}))
	defer server.Close()

	result, err := (&HTTPExecutor{}).Execute(context.Background(), &Task{Config: map[string]any{"url": server.URL}})
	if err != nil {
		t.Fatalf("HTTP errors should not be infrastructure errors: %v", err)
	}
	if !strings.HasPrefix(result.Error, "HTTP 500") {
		t.Errorf("expected HTTP 500 error, got %q", result.Error)
	}
	if result.Outputs["status_code"] != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %v", result.Outputs["status_code"])
	}
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	task := &Task{Config: map[string]any{"url": server.URL, "timeout": "50ms"}}
	_, err := (&HTTPExecutor{}).Execute(context.Background(), task)
	if !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest, got %v", err)
	}
}

func TestHTTPExecutor_MissingURL(t *testing.T) {
	_, err := (&HTTPExecutor{}).Execute(context.Background(), &Task{Config: map[string]any{"method": "GET"}})
	if !errors.Is(err, ErrHTTPRequest) {
		t.Errorf("expected ErrHTTPRequest, got %v", err)
	}
}

// --- DelayExecutor Tests ---

func TestDelayExecutor_Durations(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		wantMs int64
	}{
		{"duration string", map[string]any{"duration": "30ms"}, 30},
		{"seconds", map[string]any{"duration_sec": 0.02}, 20},
		{"string wins", map[string]any{"duration": "10ms", "duration_sec": 5.0}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			result, err := (&DelayExecutor{}).Execute(context.Background(), &Task{Config: tt.config})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Outputs["delayed_ms"] != tt.wantMs {
				t.Errorf("expected delayed_ms=%d, got %v", tt.wantMs, result.Outputs["delayed_ms"])
			}
			if time.Since(start) < time.Duration(tt.wantMs)*time.Millisecond {
				t.Error("returned before the delay elapsed")
			}
		})
	}
}

func TestDelayExecutor_InvalidDuration(t *testing.T) {
	_, err := (&DelayExecutor{}).Execute(context.Background(), &Task{Config: map[string]any{"duration": "soon"}})
	if err == nil {
		t.Error("expected parse error")
	}
}

func TestDelayExecutor_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&DelayExecutor{}).Execute(ctx, &Task{Config: map[string]any{"duration_sec": 10.0}})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context canceled, got %v", err)
	}
}

// --- TransformExecutor Tests ---

func TestTransformExecutor(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   map[string]any
	}{
		{"whole config", map[string]any{"key1": "value1", "key2": 42}, map[string]any{"key1": "value1", "key2": 42}},
		{"output map", map[string]any{"output": map[string]any{"sha": "abc"}, "ignored": 1}, map[string]any{"sha": "abc"}},
		{"output scalar", map[string]any{"output": "done"}, map[string]any{"value": "done"}},
		{"nil config", nil, map[string]any{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := (&TransformExecutor{}).Execute(context.Background(), &Task{Config: tt.config})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(result.Outputs) != len(tt.want) {
				t.Fatalf("expected %d outputs, got %v", len(tt.want), result.Outputs)
			}
			for k, v := range tt.want {
				if result.Outputs[k] != v {
					t.Errorf("%s: expected %v, got %v", k, v, result.Outputs[k])
				}
			}
		})
	}
}

// --- Registry Tests ---

func TestNewRegistry_DefaultExecutors(t *testing.T) {
	r := NewRegistry()

	for _, taskType := range []string{"http", "delay", "transform"} {
		if _, err := r.Get(taskType); err != nil {
			t.Errorf("expected executor for %s, got error: %v", taskType, err)
		}
	}
	if got := strings.Join(r.Types(), ","); got != "delay,http,transform" {
		t.Errorf("unexpected types %s", got)
	}
}

func TestRegistry_UnknownType(t *testing.T) {
	_, err := NewRegistry().Get("unknown")
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Errorf("expected ErrUnknownTaskType, got %v", err)
	}
}

func TestRegistry_ExecutorFunc(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", ExecutorFunc(func(_ context.Context, task *Task) (*ExecutionResult, error) {
		return &ExecutionResult{Outputs: task.Config}, nil
	}))

	e, err := r.Get("echo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := e.Execute(context.Background(), &Task{Config: map[string]any{"k": "v"}})
	if err != nil || res.Outputs["k"] != "v" {
		t.Errorf("result = %+v, %v", res, err)
	}
	if got := len(r.Types()); got != 4 {
		t.Errorf("types = %d, want 4", got)
	}
}

// --- TaskSpec Tests ---

func TestDecodeTaskSpec(t *testing.T) {
	spec := TaskSpec{Type: "http", Config: map[string]any{"url": "http://x"}, Retry: &domain.RetryPolicy{MaxAttempts: 3}}
	data, err := spec.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := DecodeTaskSpec(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "http" || got.Config["url"] != "http://x" || got.Retry.MaxAttempts != 3 {
		t.Errorf("unexpected spec %+v", got)
	}

	for _, bad := range []string{"", "not json", `{"config":{}}`} {
		if _, err := DecodeTaskSpec([]byte(bad)); !errors.Is(err, ErrInvalidTaskSpec) {
			t.Errorf("%q: expected ErrInvalidTaskSpec, got %v", bad, err)
		}
	}
}

// --- Backoff Tests ---

func TestCalculateBackoff_Exponential(t *testing.T) {
	policy := &domain.RetryPolicy{Backoff: "exponential", InitialDelayMs: 1000, MaxDelayMs: 10000}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := calculateBackoff(tt.attempt, policy); got != tt.expected {
			t.Errorf("attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestCalculateBackoff_FixedAndDefaults(t *testing.T) {
	fixed := &domain.RetryPolicy{Backoff: "fixed", InitialDelayMs: 2000, MaxDelayMs: 10000}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := calculateBackoff(attempt, fixed); got != 2*time.Second {
			t.Errorf("attempt %d: expected 2s, got %v", attempt, got)
		}
	}
	if got := calculateBackoff(1, nil); got != time.Second {
		t.Errorf("expected 1s for nil policy, got %v", got)
	}
	if got := calculateBackoff(1, &domain.RetryPolicy{Backoff: "exponential"}); got != time.Second {
		t.Errorf("expected 1s for zero delays, got %v", got)
	}
}

func TestShouldRetry(t *testing.T) {
	onStatus := &domain.RetryPolicy{OnStatus: []int{502, 503}}
	http502 := &ExecutionResult{Outputs: map[string]any{"status_code": 502}, Error: "HTTP 502"}
	http400 := &ExecutionResult{Outputs: map[string]any{"status_code": 400}, Error: "HTTP 400"}
	logical := &ExecutionResult{Error: "bad"}

	tests := []struct {
		name   string
		result *ExecutionResult
		err    error
		policy *domain.RetryPolicy
		want   bool
	}{
		{"infra error", nil, errors.New("dial"), nil, true},
		{"deadline", nil, context.DeadlineExceeded, &domain.RetryPolicy{}, false},
		{"logical without policy", logical, nil, nil, false},
		{"logical with policy", logical, nil, &domain.RetryPolicy{}, true},
		{"listed status", http502, nil, onStatus, true},
		{"unlisted status", http400, nil, onStatus, false},
		{"no status code", logical, nil, onStatus, false},
	}

	for _, tt := range tests {
		if got := shouldRetry(tt.result, tt.err, tt.policy); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

// --- Worker Tests ---

// flakyExecutor падает failures раз, затем отвечает успехом.
type flakyExecutor struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *flakyExecutor) Execute(_ context.Context, task *Task) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return nil, errors.New("connection refused")
	}
	return &ExecutionResult{Outputs: map[string]any{"attempt": task.Attempt}}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads []mq.TaskCompletedPayload
	err      error
}

func (p *recordingPublisher) PublishTaskCompleted(_ context.Context, payload mq.TaskCompletedPayload) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.payloads = append(p.payloads, payload)
	return nil
}

func readyPayload(t *testing.T, spec TaskSpec) mq.TaskReadyPayload {
	t.Helper()
	data, err := spec.Encode()
	if err != nil {
		t.Fatalf("encode spec: %v", err)
	}
	return mq.TaskReadyPayload{
		CorrelationID: "corr-1",
		StepID:        "step-1",
		PhaseIndex:    2,
		Payload:       data,
		Timeout:       time.Minute,
		DispatchedAt:  time.Now(),
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New(Config{})
	if w.prefetch != defaultPrefetch {
		t.Errorf("expected prefetch %d, got %d", defaultPrefetch, w.prefetch)
	}
	if w.registry == nil {
		t.Error("registry should be initialized")
	}
	if w.IsStopped() {
		t.Error("should not be stopped initially")
	}
}

func TestProcess_RetriesUntilSuccess(t *testing.T) {
	registry := NewRegistry()
	flaky := &flakyExecutor{failures: 2}
	registry.Register("flaky", flaky)
	w := New(Config{Registry: registry})

	spec := TaskSpec{Type: "flaky", Retry: &domain.RetryPolicy{MaxAttempts: 3, Backoff: "fixed", InitialDelayMs: 1}}
	completion, err := w.Process(context.Background(), readyPayload(t, spec))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if completion.Status != domain.ResultStatusSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (%s)", completion.Status, completion.Error)
	}
	if completion.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", completion.Attempts)
	}
	if completion.CorrelationID != "corr-1" || completion.PhaseIndex != 2 {
		t.Errorf("completion must keep correlation, got %+v", completion)
	}
	if len(completion.Diagnostics) != 3 {
		t.Fatalf("expected diagnostics per attempt, got %d", len(completion.Diagnostics))
	}
	if completion.Diagnostics[0].Status != string(domain.ResultStatusFailed) {
		t.Errorf("first attempt should be FAILED, got %s", completion.Diagnostics[0].Status)
	}

	var out map[string]any
	if err := json.Unmarshal(completion.Output, &out); err != nil {
		t.Fatalf("output should be JSON: %v", err)
	}
	if out["attempt"] != float64(3) {
		t.Errorf("expected attempt 3 in output, got %v", out["attempt"])
	}
}

func TestProcess_RetryExhausted(t *testing.T) {
	registry := NewRegistry()
	registry.Register("flaky", &flakyExecutor{failures: 5})
	w := New(Config{Registry: registry})

	spec := TaskSpec{Type: "flaky", Retry: &domain.RetryPolicy{MaxAttempts: 2, InitialDelayMs: 1}}
	completion, err := w.Process(context.Background(), readyPayload(t, spec))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completion.Status != domain.ResultStatusFailed {
		t.Fatalf("expected FAILED, got %s", completion.Status)
	}
	if completion.Error != "connection refused" {
		t.Errorf("remote error must be kept verbatim, got %q", completion.Error)
	}
	if completion.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", completion.Attempts)
	}
}

func TestProcess_InvalidSpec(t *testing.T) {
	w := New(Config{})
	payload := readyPayload(t, TaskSpec{Type: "http"})
	payload.Payload = []byte("garbage")

	completion, err := w.Process(context.Background(), payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completion.Status != domain.ResultStatusFailed {
		t.Errorf("expected FAILED, got %s", completion.Status)
	}
	if !strings.Contains(completion.Error, "invalid task spec") {
		t.Errorf("unexpected error %q", completion.Error)
	}
}

func TestProcess_UnknownType(t *testing.T) {
	w := New(Config{})
	completion, err := w.Process(context.Background(), readyPayload(t, TaskSpec{Type: "ftp"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completion.Status != domain.ResultStatusFailed || !strings.Contains(completion.Error, "unknown task type") {
		t.Errorf("unexpected completion %+v", completion)
	}
}

func TestProcess_Expired(t *testing.T) {
	payload := readyPayload(t, TaskSpec{Type: "transform"})
	w := New(Config{Now: func() time.Time { return payload.DispatchedAt.Add(2 * time.Minute) }})

	_, err := w.Process(context.Background(), payload)
	if !errors.Is(err, ErrTaskExpired) {
		t.Errorf("expected ErrTaskExpired, got %v", err)
	}
}

func TestHandleTaskReady_PublishesCompletion(t *testing.T) {
	pub := &recordingPublisher{}
	w := New(Config{Publisher: pub})

	spec := TaskSpec{Type: "transform", Config: map[string]any{"output": map[string]any{"ok": true}}}
	delivery := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeTaskReady, readyPayload(t, spec))}

	if err := w.handleTaskReady(context.Background(), delivery); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.payloads) != 1 {
		t.Fatalf("expected one completion, got %d", len(pub.payloads))
	}
	got := pub.payloads[0]
	if got.Status != domain.ResultStatusSucceeded || string(got.Output) != `{"ok":true}` {
		t.Errorf("unexpected completion %+v", got)
	}
}

func TestHandleTaskReady_PublishFailureRequeues(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	w := New(Config{Publisher: pub})

	delivery := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeTaskReady, readyPayload(t, TaskSpec{Type: "transform"}))}
	err := w.handleTaskReady(context.Background(), delivery)
	if err == nil || mq.IsPermanent(err) {
		t.Errorf("publish failure should be retriable, got %v", err)
	}
}

func TestHandleTaskReady_ExpiredIsAcked(t *testing.T) {
	pub := &recordingPublisher{}
	payload := readyPayload(t, TaskSpec{Type: "transform"})
	payload.DispatchedAt = time.Now().Add(-time.Hour)
	w := New(Config{Publisher: pub})

	delivery := &mq.Delivery{Message: *mq.NewMessage(mq.MessageTypeTaskReady, payload)}
	if err := w.handleTaskReady(context.Background(), delivery); err != nil {
		t.Fatalf("expired envelope should be acked, got %v", err)
	}
	if len(pub.payloads) != 0 {
		t.Error("expired envelope must not be answered")
	}
}
