package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Context — данные, доступные шаблонам фазы.
//
//	{{ .Inputs.param }}                   вход step
//	{{ .Phases.build.Outputs.field }}     вывод завершённой фазы
//	{{ .Env.VAR }}                        статические переменные definition
//
// Env задаётся definition и в continuation не сохраняется.
type Context struct {
	Inputs map[string]any           `json:"inputs"`
	Phases map[string]*PhaseContext `json:"phases"`
	Env    map[string]string        `json:"-"`
}

// PhaseContext — итог фазы: вывод исполнителя и статус.
type PhaseContext struct {
	Outputs map[string]any `json:"outputs"`
	Status  string         `json:"status"`
}

// NewContext создаёт контекст с входными параметрами.
func NewContext(inputs map[string]any) *Context {
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &Context{
		Inputs: inputs,
		Phases: map[string]*PhaseContext{},
		Env:    map[string]string{},
	}
}

// AddPhaseResult запоминает итог фазы под её именем.
func (c *Context) AddPhaseResult(phase string, outputs map[string]any, status string) {
	if outputs == nil {
		outputs = map[string]any{}
	}
	if c.Phases == nil {
		c.Phases = map[string]*PhaseContext{}
	}
	c.Phases[phase] = &PhaseContext{Outputs: outputs, Status: status}
}

// SetEnv устанавливает переменную definition.
func (c *Context) SetEnv(key, value string) {
	if c.Env == nil {
		c.Env = map[string]string{}
	}
	c.Env[key] = value
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

var funcs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	"fromJSON": func(s string) any {
		var v any
		if json.Unmarshal([]byte(s), &v) != nil {
			return nil
		}
		return v
	},
	"default": func(def, val any) any {
		if isEmpty(val) {
			return def
		}
		return val
	},
	"coalesce": func(values ...any) any {
		for _, v := range values {
			if !isEmpty(v) {
				return v
			}
		}
		return nil
	},
	"join":       func(sep string, items []string) string { return strings.Join(items, sep) },
	"split":      func(sep, s string) []string { return strings.Split(s, sep) },
	"contains":   strings.Contains,
	"hasPrefix":  strings.HasPrefix,
	// Аргумент-строка последним: {{ .Inputs.url | trimPrefix "https://" }}.
	"trimPrefix": func(prefix, s string) string { return strings.TrimPrefix(s, prefix) },
	"trimSuffix": func(suffix, s string) string { return strings.TrimSuffix(s, suffix) },
	"replace":    strings.ReplaceAll,
	"lower":      strings.ToLower,
	"upper":      strings.ToUpper,
	"trim":       strings.TrimSpace,

	// unitKey "github.com/org/repo" "acc1" "proj" → "acc1/proj|github.com/org/repo"
	"unitKey": func(resource string, scope ...string) string {
		return domain.UnitKey(scope, resource)
	},
}

// parsed кэширует разобранные шаблоны: одни и те же строки definition
// рендерятся на каждом переходе.
var parsed sync.Map // string → *template.Template

func parse(src string) (*template.Template, error) {
	if t, ok := parsed.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("").Funcs(funcs).Option("missingkey=default").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	parsed.Store(src, t)
	return t, nil
}

func isTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Render выполняет строковый шаблон. Строка без "{{" возвращается как есть.
func Render(src string, ctx *Context) (string, error) {
	if !isTemplate(src) {
		return src, nil
	}
	t, err := parse(src)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}
	return buf.String(), nil
}

// mapStrings применяет fn ко всем строкам внутри value, сохраняя форму
// map/slice. Прочие скаляры не трогаются.
func mapStrings(value any, fn func(string) (string, error)) (any, error) {
	switch v := value.(type) {
	case string:
		return fn(v)

	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := mapStrings(item, fn)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := mapStrings(item, fn)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			r, err := fn(s)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil

	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			r, err := fn(s)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return value, nil
}

// RenderValue рекурсивно рендерит строки внутри value.
func RenderValue(value any, ctx *Context) (any, error) {
	return mapStrings(value, func(s string) (string, error) { return Render(s, ctx) })
}

// RenderConfig рендерит конфигурацию фазы. nil даёт пустую map.
func RenderConfig(config map[string]any, ctx *Context) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	rendered, err := RenderValue(config, ctx)
	if err != nil {
		return nil, err
	}
	return rendered.(map[string]any), nil
}

// RenderCondition вычисляет выражение как условие {{ if }}.
// Пустое условие истинно.
func RenderCondition(condition string, ctx *Context) (bool, error) {
	if condition == "" {
		return true, nil
	}
	out, err := Render("{{if "+condition+"}}true{{end}}", ctx)
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

// Check разбирает шаблон без выполнения.
func Check(src string) error {
	if !isTemplate(src) {
		return nil
	}
	_, err := parse(src)
	return err
}

// CheckValue проверяет все строки внутри value.
func CheckValue(value any) error {
	_, err := mapStrings(value, func(s string) (string, error) { return s, Check(s) })
	return err
}
