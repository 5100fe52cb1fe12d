package domain

// RetryPolicy — политика повторных попыток удалённого исполнителя.
type RetryPolicy struct {
	// MaxAttempts — максимальное количество попыток (включая первую).
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty" yaml:"backoff,omitempty"`

	// InitialDelayMs — начальная задержка в миллисекундах.
	InitialDelayMs int `json:"initial_delay_ms,omitempty" yaml:"initial_delay_ms,omitempty"`

	// MaxDelayMs — максимальная задержка в миллисекундах.
	MaxDelayMs int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`

	// OnStatus — HTTP-коды, при которых выполняется retry.
	OnStatus []int `json:"on_status,omitempty" yaml:"on_status,omitempty"`
}
