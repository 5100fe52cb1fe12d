// Package sweeper — периодическое обслуживание состояния оркестратора.
//
// Sweeper по расписанию (robfig/cron) выполняет независимые задачи:
//   - истекшие envelopes разрешаются как TIMED_OUT (Dispatcher.ExpireOverdue)
//   - BLOCKED consumers старше BlockTimeout отклоняются (ExpireBlocked)
//   - consumers, чей step завершён или пропал, освобождаются
//   - застрявшие steps доводятся (Orchestrator.RepairStranded)
//
// Ошибка одной задачи не мешает остальным.
//
// Использование:
//
//	sw, err := sweeper.New(sweeper.Config{
//	    Dispatcher:   dispatcher,
//	    Constraints:  constraints,
//	    Steps:        store,
//	    Repairer:     orch,
//	    Leader:       repo.NewLeader(pool, cfg.LeaderLockKey), // опционально
//	    BlockTimeout: cfg.BlockTimeout,
//	    Schedule:     cfg.SweepSchedule,
//	    Logger:       logger,
//	})
//	sw.Start(ctx)
//	defer sw.Stop()
//
// Leader Election:
//
// При нескольких оркестраторах над одной БД Tick выполняет только
// держатель advisory lock. Без Leader каждый Tick выполняется.
package sweeper
