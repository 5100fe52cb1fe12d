// Stepwise Orchestrator — ведёт steps по цепочкам фаз.
//
// Orchestrator:
//   - Принимает запуски steps через HTTP API и очередь steps.pending
//   - Выдаёт допуск к ресурсам через Resource Constraint Service
//   - Отправляет фазы исполнителям и принимает callbacks
//   - Периодически разрешает просроченные handles и освобождает осиротевшие consumers
//
// Без RabbitMQ фазы выполняются в процессе (worker.Local).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Stepwise/internal/api"
	"github.com/shaiso/Stepwise/internal/catalog"
	"github.com/shaiso/Stepwise/internal/config"
	"github.com/shaiso/Stepwise/internal/constraint"
	"github.com/shaiso/Stepwise/internal/dispatch"
	"github.com/shaiso/Stepwise/internal/memstore"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/orchestrator"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/sweeper"
	"github.com/shaiso/Stepwise/internal/telemetry"
	"github.com/shaiso/Stepwise/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting stepwise-orchestrator")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	var (
		steps     orchestrator.StepStore
		envelopes dispatch.EnvelopeStore
		cstore    constraint.Store
		leader    sweeper.Leader
	)

	switch cfg.Store {
	case config.StoreMemory:
		store := memstore.New()
		steps, envelopes, cstore = store, store, store
		logger.Warn("using in-memory store, state will not survive restart")

	default:
		pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected")

		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}

		store := repo.NewStore(pool)
		steps, envelopes, cstore = store, store, store
		leader = repo.NewLeader(pool, cfg.LeaderLockKey)
	}

	// RabbitMQ
	var (
		mqConn   *mq.Connection
		executor dispatch.RemoteExecutor
		sink     orchestrator.OutcomeSink
		local    *worker.Local
	)

	mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger, mq.WithName("stepwise-orchestrator"))
	if err != nil {
		logger.Warn("RabbitMQ not available, executing phases in-process", "error", err)
		mqConn = nil
		local = worker.NewLocal(worker.New(worker.Config{Logger: logger}))
		executor = local
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		// Создаём топологию
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher := mq.NewPublisher(mqConn, logger)
		executor = publisher
		sink = publisher
	}

	constraints := constraint.New(constraint.Config{
		Store:           cstore,
		DefaultCapacity: cfg.DefaultCapacity,
		Logger:          logger,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Store:          envelopes,
		Executor:       executor,
		DefaultTimeout: cfg.DefaultPhaseTimeout,
		Logger:         logger,
	})
	if local != nil {
		local.SetCompleter(dispatcher)
	}

	orch := orchestrator.New(orchestrator.Config{
		Steps:               steps,
		Constraints:         constraints,
		Dispatcher:          dispatcher,
		Sink:                sink,
		Conn:                mqConn,
		DefaultPhaseTimeout: cfg.DefaultPhaseTimeout,
		Logger:              logger,
	})

	if err := catalog.RegisterAll(orch, cfg.File.Definitions); err != nil {
		logger.Error("failed to register definitions", "error", err)
		os.Exit(1)
	}

	for _, u := range cfg.File.Constraints {
		if err := constraints.Configure(ctx, u.Unit, u.Capacity, u.MaxQueue); err != nil {
			logger.Error("failed to configure unit", "unit", u.Unit, "error", err)
			os.Exit(1)
		}
	}

	if err := orch.Recover(ctx); err != nil {
		logger.Error("failed to recover state", "error", err)
		os.Exit(1)
	}

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	sw, err := sweeper.New(sweeper.Config{
		Dispatcher:   dispatcher,
		Constraints:  constraints,
		Steps:        steps,
		Repairer:     orch,
		Leader:       leader,
		BlockTimeout: cfg.BlockTimeout,
		Schedule:     cfg.SweepSchedule,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to create sweeper", "error", err)
		os.Exit(1)
	}
	if err := sw.Start(ctx); err != nil {
		logger.Error("failed to start sweeper", "error", err)
		os.Exit(1)
	}

	// HTTP mux: API + /healthz + /metrics
	mux := http.NewServeMux()
	api.NewHandler(api.Config{
		Steps:       orch,
		Constraints: constraints,
		Callbacks:   dispatcher,
		Logger:      logger,
	}).RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              config.Addr(cfg.OrchPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}

	sw.Stop()
	orch.Stop()
	if local != nil {
		local.Stop()
	}
	dispatcher.Stop()
	logger.Info("stepwise-orchestrator stopped")
}
