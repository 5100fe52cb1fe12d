package domain

import "time"

// Outcome — терминальный итог step, отдаваемый в outcome sink.
type Outcome struct {
	StepID string     `json:"step_id"`
	Kind   string     `json:"kind"`
	Status StepStatus `json:"status"`

	// Result — вывод последней фазы (только для SUCCEEDED).
	Result []byte `json:"result,omitempty"`

	// State — итоговый continuation (только для SUCCEEDED).
	State Continuation `json:"state"`

	// Error — сообщение об ошибке (только для FAILED).
	Error string `json:"error,omitempty"`

	// FailedPhase — индекс упавшей фазы или -1.
	FailedPhase int `json:"failed_phase"`

	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// OutcomeFromStep формирует outcome из завершённой записи.
func OutcomeFromStep(step *StepExecution, result []byte) Outcome {
	out := Outcome{
		StepID:      step.ID,
		Kind:        step.Kind,
		Status:      step.Status,
		Error:       step.Error,
		FailedPhase: step.FailedPhase,
		Diagnostics: step.Diagnostics,
		FinishedAt:  time.Now(),
	}
	if step.FinishedAt != nil {
		out.FinishedAt = *step.FinishedAt
	}
	if step.Status == StepStatusSucceeded {
		out.Result = result
		out.State = step.Continuation
	}
	return out
}
