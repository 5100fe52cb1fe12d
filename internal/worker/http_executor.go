package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 200
)

// HTTPExecutor — executor для задач типа "http".
//
// Config:
//   - method (string): HTTP-метод, по умолчанию GET
//   - url (string): обязательно
//   - query (map): query-параметры, добавляются к url
//   - headers (map): заголовки запроса
//   - body (any): строка уходит как есть, остальное сериализуется в JSON
//   - timeout (string) или timeout_sec (number): таймаут запроса, по умолчанию 30s
//
// Outputs: status_code, headers, body (JSON или строка).
// Ответ с кодом >= 400 — логическая ошибка, outputs при этом заполнены.
type HTTPExecutor struct {
	// Client — HTTP-клиент (nil — http.DefaultClient).
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	target := stringFrom(task.Config, "url", "")
	if target == "" {
		return nil, fmt.Errorf("%w: url is required", ErrHTTPRequest)
	}
	method := strings.ToUpper(stringFrom(task.Config, "method", http.MethodGet))

	target, err := withQuery(target, task.Config["query"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}

	timeout, err := durationFrom(task.Config, "timeout", "timeout_sec", defaultHTTPTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, isJSON, err := requestBody(task.Config["body"])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}
	for key, val := range stringMap(task.Config["headers"]) {
		req.Header.Set(key, val)
	}
	if isJSON && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	result := &ExecutionResult{Outputs: responseOutputs(resp, respBody)}
	if resp.StatusCode >= 400 {
		result.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), maxErrorBody))
	}
	return result, nil
}

// requestBody готовит тело запроса. Второе значение — тело в JSON.
func requestBody(raw any) (io.Reader, bool, error) {
	switch v := raw.(type) {
	case nil:
		return nil, false, nil
	case string:
		return strings.NewReader(v), false, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, false, fmt.Errorf("marshal body: %w", err)
		}
		return bytes.NewReader(data), true, nil
	}
}

func withQuery(target string, raw any) (string, error) {
	params := stringMap(raw)
	if len(params) == 0 {
		return target, nil
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func responseOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsed,
	}
}

// stringMap приводит map из config к map[string]string.
// Нестроковые значения форматируются через fmt.
func stringMap(raw any) map[string]string {
	switch m := raw.(type) {
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			} else if v != nil {
				out[k] = fmt.Sprint(v)
			}
		}
		return out
	}
	return nil
}

func stringFrom(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return def
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
