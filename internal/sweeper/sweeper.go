package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// DefaultSchedule — расписание по умолчанию.
const DefaultSchedule = "@every 15s"

// Expirer — Dispatcher с точки зрения sweeper.
type Expirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// Constraints — Resource Constraint Service с точки зрения sweeper.
type Constraints interface {
	ExpireBlocked(ctx context.Context, cutoff time.Time) ([]domain.Consumer, error)
	Release(ctx context.Context, unit, consumerID string) ([]domain.Consumer, error)
	Snapshot(unit string) (constraint.Snapshot, bool)
	Units() []string
}

// StepLookup читает записи steps.
type StepLookup interface {
	GetStep(ctx context.Context, id string) (*domain.StepExecution, error)
}

// Repairer доводит застрявшие steps (Orchestrator.RepairStranded).
type Repairer interface {
	RepairStranded(ctx context.Context) (int, error)
}

// Leader — блокировка лидера (repo.Leader).
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Config — конфигурация Sweeper.
type Config struct {
	Dispatcher  Expirer
	Constraints Constraints
	Steps       StepLookup
	Repairer    Repairer

	// Leader — опционально. nil — Tick выполняется всегда.
	Leader Leader

	// BlockTimeout — сколько consumer может ждать в BLOCKED.
	// 0 — без ограничения.
	BlockTimeout time.Duration

	// Schedule — cron-выражение или дескриптор (default: DefaultSchedule).
	Schedule string

	Logger *slog.Logger
	Now    func() time.Time
}

// Sweeper — периодическое обслуживание dispatcher и constraint service.
type Sweeper struct {
	dispatcher   Expirer
	constraints  Constraints
	steps        StepLookup
	repairer     Repairer
	leader       Leader
	blockTimeout time.Duration
	schedule     string
	logger       *slog.Logger
	now          func() time.Time

	cron      *cron.Cron
	cancel    context.CancelFunc
	stopped   bool
	stoppedMu sync.Mutex
}

// New создаёт Sweeper. Возвращает ошибку при невалидном расписании.
func New(cfg Config) (*Sweeper, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Sweeper{
		dispatcher:   cfg.Dispatcher,
		constraints:  cfg.Constraints,
		steps:        cfg.Steps,
		repairer:     cfg.Repairer,
		leader:       cfg.Leader,
		blockTimeout: cfg.BlockTimeout,
		schedule:     schedule,
		logger:       logger.With("component", "sweeper"),
		now:          now,
	}, nil
}

// Tick выполняет один проход обслуживания.
//
// 1. Проверяет лидерство (если задан Leader)
// 2. Разрешает просроченные envelopes как TIMED_OUT
// 3. Отклоняет BLOCKED consumers старше BlockTimeout
// 4. Освобождает consumers завершённых или удалённых steps
// 5. Доводит steps, застрявшие после сбоя хранилища
//
// Ошибки задач объединяются; каждая задача выполняется независимо.
func (s *Sweeper) Tick(ctx context.Context) error {
	if s.leader != nil {
		ok, err := s.leader.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire leadership: %w", err)
		}
		if !ok {
			s.logger.Debug("not leader, skipping sweep")
			return nil
		}
	}

	now := s.now()
	var errs []error

	if s.dispatcher != nil {
		n, err := s.dispatcher.ExpireOverdue(ctx, now)
		s.record("expire_envelopes", n, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire envelopes: %w", err))
		}
	}

	if s.constraints != nil && s.blockTimeout > 0 {
		rejected, err := s.constraints.ExpireBlocked(ctx, now.Add(-s.blockTimeout))
		s.record("expire_blocked", len(rejected), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire blocked: %w", err))
		}
	}

	if s.constraints != nil && s.steps != nil {
		n, err := s.reconcile(ctx)
		s.record("release_orphans", n, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("release orphans: %w", err))
		}
	}

	if s.repairer != nil {
		n, err := s.repairer.RepairStranded(ctx)
		s.record("repair_steps", n, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("repair steps: %w", err))
		}
	}

	return errors.Join(errs...)
}

// reconcile освобождает consumers, чей владелец завершён или отсутствует.
// Ошибка одного consumer не прерывает обход.
func (s *Sweeper) reconcile(ctx context.Context) (int, error) {
	released := 0
	var firstErr error

	for _, unit := range s.constraints.Units() {
		snap, ok := s.constraints.Snapshot(unit)
		if !ok {
			continue
		}

		consumers := append(snap.Active, snap.Blocked...)
		for _, c := range consumers {
			if c.Owner == "" {
				continue
			}

			orphan, err := s.isOrphan(ctx, c.Owner)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if !orphan {
				continue
			}

			if _, err := s.constraints.Release(ctx, c.Unit, c.ID); err != nil {
				s.logger.Error("failed to release orphaned consumer",
					"unit", c.Unit,
					"consumer_id", c.ID,
					"error", err,
				)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}

			s.logger.Warn("released orphaned consumer",
				"unit", c.Unit,
				"consumer_id", c.ID,
				"owner", c.Owner,
				"state", c.State,
			)
			released++
		}
	}

	return released, firstErr
}

func (s *Sweeper) isOrphan(ctx context.Context, stepID string) (bool, error) {
	step, err := s.steps.GetStep(ctx, stepID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("get step %s: %w", stepID, err)
	}
	return step.IsFinished(), nil
}

func (s *Sweeper) record(job string, n int, err error) {
	if err != nil {
		telemetry.SweepErrors.WithLabelValues(job).Inc()
		s.logger.Error("sweep job failed", "job", job, "error", err)
	}
	if n > 0 {
		telemetry.SweepActions.WithLabelValues(job).Add(float64(n))
		s.logger.Info("sweep job completed", "job", job, "count", n)
	}
}

// Start запускает Tick по расписанию.
//
// Повторный запуск Tick, пока предыдущий не завершился, пропускается.
func (s *Sweeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("sweep failed", "error", err)
		}
	}); err != nil {
		cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}

	s.stoppedMu.Lock()
	s.cron = c
	s.cancel = cancel
	s.stoppedMu.Unlock()

	c.Start()
	s.logger.Info("sweeper started", "schedule", s.schedule, "block_timeout", s.blockTimeout)
	return nil
}

// Stop останавливает расписание, ждёт текущий Tick и снимает лидерство.
func (s *Sweeper) Stop() {
	s.stoppedMu.Lock()
	if s.stopped {
		s.stoppedMu.Unlock()
		return
	}
	s.stopped = true
	c, cancel := s.cron, s.cancel
	s.stoppedMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	if s.leader != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := s.leader.Release(ctx); err != nil {
			s.logger.Warn("failed to release leadership", "error", err)
		}
	}
	s.logger.Info("sweeper stopped")
}
