// Stepwise Worker — удалённый исполнитель фаз.
//
// Worker:
//   - Получает envelopes из очереди tasks.ready
//   - Выполняет задачу по типу (http, delay, transform)
//   - Повторяет попытки по retry-политике задачи
//   - Публикует результат в tasks.completed
//
// Workers не хранят состояния и масштабируются горизонтально.
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

	"github.com/shaiso/Stepwise/internal/config"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/telemetry"
	"github.com/shaiso/Stepwise/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting stepwise-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// RabbitMQ обязателен
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger, mq.WithName("stepwise-worker"))
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Warn("failed to setup topology", "error", err)
	}

	w := worker.New(worker.Config{
		Conn:      mqConn,
		Publisher: mq.NewPublisher(mqConn, logger),
		Logger:    logger,
	})

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			rw.Write([]byte("broker disconnected"))
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              config.Addr(cfg.WorkerPort),
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
	srv.Shutdown(shutdownCtx)

	// Останавливаем worker
	w.Stop()
	logger.Info("stepwise-worker stopped")
}
