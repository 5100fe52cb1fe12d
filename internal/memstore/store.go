// Package memstore — хранилище состояния в памяти.
//
// Реализует те же интерфейсы, что и repo (orchestrator.StepStore,
// dispatch.EnvelopeStore, constraint.Store). Используется в тестах
// и при STORE=memory. Состояние не переживает рестарт процесса.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Store — потокобезопасное хранилище в памяти.
//
// Записи копируются на входе и выходе: вызывающий не может изменить
// сохранённое состояние в обход методов.
type Store struct {
	mu        sync.RWMutex
	steps     map[string]*domain.StepExecution
	envelopes map[string]*domain.TaskEnvelope
	consumers map[consumerKey]domain.Consumer
	units     map[string]domain.UnitCapacity
}

type consumerKey struct {
	unit string
	id   string
}

// New создаёт пустое хранилище.
func New() *Store {
	return &Store{
		steps:     make(map[string]*domain.StepExecution),
		envelopes: make(map[string]*domain.TaskEnvelope),
		consumers: make(map[consumerKey]domain.Consumer),
		units:     make(map[string]domain.UnitCapacity),
	}
}

// --- Steps ---

// CreateStep сохраняет новый step.
func (s *Store) CreateStep(_ context.Context, step *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.steps[step.ID]; ok {
		return fmt.Errorf("step %s: %w", step.ID, domain.ErrAlreadyExists)
	}
	s.steps[step.ID] = copyStep(step)
	return nil
}

// GetStep возвращает step по ID.
func (s *Store) GetStep(_ context.Context, id string) (*domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", id, domain.ErrNotFound)
	}
	return copyStep(step), nil
}

// UpdateStep перезаписывает step.
func (s *Store) UpdateStep(_ context.Context, step *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.steps[step.ID]; !ok {
		return fmt.Errorf("step %s: %w", step.ID, domain.ErrNotFound)
	}
	s.steps[step.ID] = copyStep(step)
	return nil
}

// ListActiveSteps возвращает незавершённые steps в порядке создания.
func (s *Store) ListActiveSteps(_ context.Context) ([]*domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.StepExecution
	for _, step := range s.steps {
		if !step.IsFinished() {
			out = append(out, copyStep(step))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- Envelopes ---

// CreateEnvelope сохраняет новый envelope.
func (s *Store) CreateEnvelope(_ context.Context, env domain.TaskEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.envelopes[env.CorrelationID]; ok {
		return fmt.Errorf("envelope %s: %w", env.CorrelationID, domain.ErrAlreadyExists)
	}
	s.envelopes[env.CorrelationID] = &env
	return nil
}

// GetEnvelope возвращает envelope по correlation ID.
func (s *Store) GetEnvelope(_ context.Context, correlationID string) (*domain.TaskEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.envelopes[correlationID]
	if !ok {
		return nil, fmt.Errorf("envelope %s: %w", correlationID, domain.ErrNotFound)
	}
	cp := *env
	return &cp, nil
}

// ResolveEnvelope атомарно переводит envelope из PENDING в resolution.
func (s *Store) ResolveEnvelope(_ context.Context, correlationID string, resolution domain.Resolution, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envelopes[correlationID]
	if !ok {
		return false, fmt.Errorf("envelope %s: %w", correlationID, domain.ErrNotFound)
	}
	if env.IsResolved() {
		return false, nil
	}
	env.Resolution = resolution
	env.ResolvedAt = &at
	return true, nil
}

// ReopenEnvelope возвращает envelope из resolution from обратно в PENDING.
func (s *Store) ReopenEnvelope(_ context.Context, correlationID string, from domain.Resolution) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envelopes[correlationID]
	if !ok {
		return false, fmt.Errorf("envelope %s: %w", correlationID, domain.ErrNotFound)
	}
	if env.Resolution != from {
		return false, nil
	}
	env.Resolution = domain.ResolutionPending
	env.ResolvedAt = nil
	return true, nil
}

// ListPendingEnvelopes возвращает неразрешённые envelopes.
func (s *Store) ListPendingEnvelopes(_ context.Context) ([]domain.TaskEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TaskEnvelope
	for _, env := range s.envelopes {
		if !env.IsResolved() {
			out = append(out, *env)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DispatchedAt.Before(out[j].DispatchedAt)
	})
	return out, nil
}

// --- Constraints ---

// SaveConsumer создаёт или обновляет consumer.
func (s *Store) SaveConsumer(_ context.Context, c domain.Consumer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers[consumerKey{c.Unit, c.ID}] = c
	return nil
}

// DeleteConsumer удаляет consumer.
func (s *Store) DeleteConsumer(_ context.Context, unit, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, consumerKey{unit, consumerID})
	return nil
}

// ListConsumers возвращает consumers, упорядоченные по unit и Order.
func (s *Store) ListConsumers(_ context.Context) ([]domain.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Unit != out[j].Unit {
			return out[i].Unit < out[j].Unit
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

// SaveUnit создаёт или обновляет ёмкость unit.
func (s *Store) SaveUnit(_ context.Context, u domain.UnitCapacity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.Unit] = u
	return nil
}

// ListUnits возвращает units, отсортированные по ключу.
func (s *Store) ListUnits(_ context.Context) ([]domain.UnitCapacity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UnitCapacity, 0, len(s.units))
	for _, u := range s.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Unit < out[j].Unit
	})
	return out, nil
}

func copyStep(step *domain.StepExecution) *domain.StepExecution {
	cp := *step
	if step.HeldConsumer != nil {
		ref := *step.HeldConsumer
		cp.HeldConsumer = &ref
	}
	if step.Diagnostics != nil {
		cp.Diagnostics = append([]domain.Diagnostic(nil), step.Diagnostics...)
	}
	if step.Continuation.Data != nil {
		cp.Continuation.Data = append([]byte(nil), step.Continuation.Data...)
	}
	if step.PendingPayload != nil {
		cp.PendingPayload = append([]byte(nil), step.PendingPayload...)
	}
	if step.FinishedAt != nil {
		t := *step.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}
