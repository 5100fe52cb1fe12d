package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewContext(t *testing.T) {
	ctx := NewContext(nil)
	if ctx.Inputs == nil {
		t.Error("Inputs should not be nil")
	}
	if ctx.Phases == nil {
		t.Error("Phases should not be nil")
	}

	ctx = NewContext(map[string]any{"key": "value"})
	if ctx.Inputs["key"] != "value" {
		t.Error("Inputs should contain provided values")
	}
}

func TestContext_AddPhaseResult(t *testing.T) {
	ctx := NewContext(nil)

	ctx.AddPhaseResult("build", map[string]any{"sha": "abc"}, "SUCCEEDED")
	if ctx.Phases["build"] == nil {
		t.Fatal("build should be in Phases")
	}
	if ctx.Phases["build"].Outputs["sha"] != "abc" {
		t.Error("outputs should contain sha")
	}

	ctx.AddPhaseResult("test", nil, "FAILED")
	if ctx.Phases["test"].Outputs == nil {
		t.Error("Outputs should not be nil even when passed nil")
	}
}

func TestContext_JSONSkipsEnv(t *testing.T) {
	ctx := NewContext(map[string]any{"repo": "org/app"})
	ctx.SetEnv("TOKEN", "secret")
	ctx.AddPhaseResult("fetch", map[string]any{"n": 1}, "SUCCEEDED")

	data, err := json.Marshal(ctx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "secret") {
		t.Errorf("env must not be serialized: %s", data)
	}

	var back Context
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Inputs["repo"] != "org/app" || back.Phases["fetch"].Status != "SUCCEEDED" {
		t.Errorf("unexpected round trip %+v", back)
	}
}

func TestRender(t *testing.T) {
	ctx := NewContext(map[string]any{
		"name":  "test",
		"count": 42,
		"text":  "Hello World",
		"list":  []string{"a", "b", "c"},
	})
	ctx.AddPhaseResult("fetch", map[string]any{
		"data": map[string]any{"count": 3},
	}, "SUCCEEDED")
	ctx.SetEnv("REGION", "eu")

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{"string input", "Hello, {{ .Inputs.name }}!", "Hello, test!"},
		{"number input", "Count: {{ .Inputs.count }}", "Count: 42"},
		{"no template", "Plain text", "Plain text"},
		{"phase status", "{{ .Phases.fetch.Status }}", "SUCCEEDED"},
		{"nested phase output", "{{ .Phases.fetch.Outputs.data.count }}", "3"},
		{"env", "{{ .Env.REGION }}", "eu"},
		{"lower", "{{ lower .Inputs.text }}", "hello world"},
		{"upper", "{{ upper .Inputs.text }}", "HELLO WORLD"},
		{"contains", `{{ contains .Inputs.text "World" }}`, "true"},
		{"default with value", `{{ default "fallback" .Inputs.text }}`, "Hello World"},
		{"default with nil", `{{ default "fallback" .Inputs.missing }}`, "fallback"},
		{"json", `{{ json .Inputs.list }}`, `["a","b","c"]`},
		{"trimPrefix", `{{ trimPrefix "https://" "https://github.com/org" }}`, "github.com/org"},
		{"trimPrefix pipeline", `{{ "https://github.com/org" | trimPrefix "https://" }}`, "github.com/org"},
		{"trimSuffix", `{{ trimSuffix ".git" "github.com/org/app.git" }}`, "github.com/org/app"},
		{"trimSuffix no match", `{{ trimSuffix ".git" "github.com/org/app" }}`, "github.com/org/app"},
		{"unitKey", `{{ unitKey "github.com/org/app" "acc1" "" "proj" }}`, "acc1/proj|github.com/org/app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("{{ .Invalid syntax", NewContext(nil))
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestRender_ExecutionError(t *testing.T) {
	_, err := Render(`{{ index .Inputs.list 10 }}`, NewContext(map[string]any{"list": []any{"a"}}))
	if !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
}

func TestRenderValue(t *testing.T) {
	ctx := NewContext(map[string]any{"name": "test"})

	tests := []struct {
		name     string
		value    any
		expected any
	}{
		{"nil", nil, nil},
		{"string without template", "plain", "plain"},
		{"string with template", "Hello, {{ .Inputs.name }}", "Hello, test"},
		{"int", 42, 42},
		{"bool", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := RenderValue(tt.value, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestRenderConfig(t *testing.T) {
	ctx := NewContext(map[string]any{
		"api_url": "https://api.example.com",
		"token":   "secret123",
		"prefix":  "item",
	})

	config := map[string]any{
		"method": "GET",
		"url":    "{{ .Inputs.api_url }}/users",
		"headers": map[string]any{
			"Authorization": "Bearer {{ .Inputs.token }}",
		},
		"items": []any{"{{ .Inputs.prefix }}_1", 42},
	}

	result, err := RenderConfig(config, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result["url"] != "https://api.example.com/users" {
		t.Errorf("expected rendered url, got %v", result["url"])
	}

	headers, ok := result["headers"].(map[string]any)
	if !ok {
		t.Fatal("expected headers to be map")
	}
	if headers["Authorization"] != "Bearer secret123" {
		t.Errorf("expected rendered auth header, got %v", headers["Authorization"])
	}

	items, ok := result["items"].([]any)
	if !ok || len(items) != 2 || items[0] != "item_1" || items[1] != 42 {
		t.Errorf("unexpected items %v", result["items"])
	}

	// исходный config не меняется
	if config["url"] != "{{ .Inputs.api_url }}/users" {
		t.Error("RenderConfig must not mutate its input")
	}
}

func TestRenderConfig_Nil(t *testing.T) {
	result, err := RenderConfig(nil, NewContext(nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || len(result) != 0 {
		t.Errorf("expected empty map, got %v", result)
	}
}

func TestRenderCondition(t *testing.T) {
	ctx := NewContext(map[string]any{
		"enabled": true,
		"count":   5,
	})
	ctx.AddPhaseResult("check", map[string]any{"dirty": false}, "SUCCEEDED")

	tests := []struct {
		name      string
		condition string
		expected  bool
	}{
		{"empty condition", "", true},
		{"true condition", ".Inputs.enabled", true},
		{"comparison true", "gt .Inputs.count 3", true},
		{"comparison false", "gt .Inputs.count 10", false},
		{"phase output", ".Phases.check.Outputs.dirty", false},
		{"negation", "not .Phases.check.Outputs.dirty", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := RenderCondition(tt.condition, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestCheckValue(t *testing.T) {
	good := map[string]any{
		"url":  "{{ .Inputs.url }}",
		"list": []any{"plain", "{{ upper .Inputs.x }}"},
		"n":    3,
	}
	if err := CheckValue(good); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := map[string]any{"nested": map[string]any{"x": []any{"{{ .Broken"}}}
	if err := CheckValue(bad); !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
}

func TestRender_ReusesParsedTemplate(t *testing.T) {
	src := "{{ .Inputs.n }}-cached"
	for _, n := range []int{1, 2} {
		got, err := Render(src, NewContext(map[string]any{"n": n}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := fmt.Sprintf("%d-cached", n); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
	if _, ok := parsed.Load(src); !ok {
		t.Error("template was not cached")
	}
}
