package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// StepResponse — step из API.
type StepResponse struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Status        string          `json:"status"`
	PhaseIndex    int             `json:"phase_index"`
	PhaseCount    int             `json:"phase_count"`
	ChainEnded    bool            `json:"chain_ended"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	HeldConsumer  *ConsumerRef    `json:"held_consumer,omitempty"`
	State         json.RawMessage `json:"state,omitempty"`
	StateVersion  int             `json:"state_version"`
	Diagnostics   []Diagnostic    `json:"diagnostics,omitempty"`
	Error         string          `json:"error,omitempty"`
	FailedPhase   int             `json:"failed_phase"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
	FinishedAt    string          `json:"finished_at,omitempty"`
}

// ConsumerRef — consumer, удерживаемый step.
type ConsumerRef struct {
	Unit       string `json:"unit"`
	ConsumerID string `json:"consumer_id"`
}

// Diagnostic — единица прогресса фазы.
type Diagnostic struct {
	Phase   int    `json:"phase"`
	Unit    string `json:"unit"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// UnitResponse — состояние unit из API.
type UnitResponse struct {
	Unit          string             `json:"unit"`
	Capacity      int                `json:"capacity"`
	MaxQueue      int                `json:"max_queue,omitempty"`
	ActivePermits int                `json:"active_permits"`
	Active        []ConsumerResponse `json:"active"`
	Blocked       []ConsumerResponse `json:"blocked"`
}

// ConsumerResponse — consumer из API.
type ConsumerResponse struct {
	ID           string `json:"id"`
	Permits      int    `json:"permits"`
	State        string `json:"state"`
	Order        int64  `json:"order"`
	Owner        string `json:"owner,omitempty"`
	RegisteredAt string `json:"registered_at"`
	AcquiredAt   string `json:"acquired_at,omitempty"`
}

// --- Request types ---

// StartStepRequest — запуск step.
type StartStepRequest struct {
	ID    string          `json:"id,omitempty"`
	Kind  string          `json:"kind"`
	Input json.RawMessage `json:"input,omitempty"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string        `json:"code"`
		Message string        `json:"message"`
		Step    *StepResponse `json:"step,omitempty"`
	} `json:"error"`
}

// APIError — ошибка, возвращённая API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string

	// Step — состояние step, приложенное к ошибке (отказ в допуске).
	Step *StepResponse
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Stepwise API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Steps ---

// StartStep запускает step.
func (c *Client) StartStep(req StartStepRequest) (*StepResponse, error) {
	var step StepResponse
	err := c.post("/api/v1/steps", req, &step)
	return &step, err
}

// GetStep возвращает step по ID.
func (c *Client) GetStep(id string) (*StepResponse, error) {
	var step StepResponse
	err := c.get("/api/v1/steps/"+url.PathEscape(id), &step)
	return &step, err
}

// CancelStep отменяет step.
func (c *Client) CancelStep(id string) (*StepResponse, error) {
	var step StepResponse
	err := c.post("/api/v1/steps/"+url.PathEscape(id)+"/cancel", nil, &step)
	return &step, err
}

// ListKinds возвращает зарегистрированные definitions.
func (c *Client) ListKinds() ([]string, error) {
	var kinds []string
	err := c.list("/api/v1/kinds", nil, &kinds)
	return kinds, err
}

// --- Constraints ---

// ListUnits возвращает состояние всех units.
func (c *Client) ListUnits() ([]UnitResponse, error) {
	var units []UnitResponse
	err := c.list("/api/v1/constraints", nil, &units)
	return units, err
}

// GetUnit возвращает состояние unit.
// Ключ может содержать "/", поэтому экранируются только сегменты.
func (c *Client) GetUnit(unit string) (*UnitResponse, error) {
	segments := strings.Split(unit, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	var u UnitResponse
	err := c.get("/api/v1/constraints/"+strings.Join(segments, "/"), &u)
	return &u, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       er.Error.Code,
		Message:    er.Error.Message,
		Step:       er.Error.Step,
	}
}
