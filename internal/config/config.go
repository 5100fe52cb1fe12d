// Package config собирает конфигурацию бинарников Stepwise из окружения
// и необязательного YAML-файла.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/engine"
	"github.com/shaiso/Stepwise/internal/mq"
	"github.com/shaiso/Stepwise/internal/repo"
)

// Хранилища состояния.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Значения по умолчанию.
const (
	DefaultOrchPort      = "8080"
	DefaultWorkerPort    = "8082"
	DefaultSweepSchedule = "@every 15s"
	DefaultLeaderLockKey = 424242
	DefaultPhaseTimeout  = 30 * time.Minute
)

// ErrInvalidConfig — некорректное значение конфигурации.
var ErrInvalidConfig = errors.New("invalid config")

// Config — конфигурация процесса.
type Config struct {
	// DatabaseURL — DSN PostgreSQL (DB_URL).
	DatabaseURL string

	// RabbitMQURL — адрес брокера (RABBITMQ_URL).
	RabbitMQURL string

	// Store — postgres или memory (STORE).
	Store string

	// OrchPort — порт API, /metrics и /healthz оркестратора (ORCH_PORT).
	OrchPort string

	// WorkerPort — порт /metrics и /healthz worker'а (WORKER_PORT).
	WorkerPort string

	// DefaultPhaseTimeout — таймаут фазы по умолчанию (DEFAULT_PHASE_TIMEOUT).
	DefaultPhaseTimeout time.Duration

	// DefaultCapacity — ёмкость ненастроенных units, 0 — такие units отклоняются
	// (CONSTRAINT_DEFAULT_CAPACITY).
	DefaultCapacity int

	// BlockTimeout — сколько consumer может ждать в очереди, 0 — без ограничения
	// (CONSTRAINT_BLOCK_TIMEOUT).
	BlockTimeout time.Duration

	// SweepSchedule — cron-расписание обслуживания (SWEEP_SCHEDULE).
	SweepSchedule string

	// LeaderLockKey — ключ advisory lock ведущего sweeper'а (LEADER_LOCK_KEY).
	LeaderLockKey int64

	// FilePath — путь к YAML-файлу (STEPWISE_CONFIG).
	FilePath string

	// File — содержимое YAML-файла (пустое, если файл не задан).
	File File
}

// File — YAML-файл конфигурации.
//
//	constraints:
//	  - unit: "acc1|github.com/org/app"
//	    capacity: 1
//	definitions:
//	  - name: deploy
//	    phases: [...]
type File struct {
	Constraints []domain.UnitCapacity `yaml:"constraints"`
	Definitions []engine.ChainSpec    `yaml:"definitions"`
}

// Load читает конфигурацию из окружения процесса.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom читает конфигурацию через getenv.
func LoadFrom(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		DatabaseURL:   envOr(getenv, "DB_URL", repo.DefaultDSN),
		RabbitMQURL:   envOr(getenv, "RABBITMQ_URL", mq.DefaultURL()),
		Store:         strings.ToLower(envOr(getenv, "STORE", StorePostgres)),
		OrchPort:      envOr(getenv, "ORCH_PORT", DefaultOrchPort),
		WorkerPort:    envOr(getenv, "WORKER_PORT", DefaultWorkerPort),
		SweepSchedule: envOr(getenv, "SWEEP_SCHEDULE", DefaultSweepSchedule),
		FilePath:      getenv("STEPWISE_CONFIG"),
	}

	if cfg.Store != StorePostgres && cfg.Store != StoreMemory {
		return nil, fmt.Errorf("%w: STORE must be %q or %q, got %q", ErrInvalidConfig, StorePostgres, StoreMemory, cfg.Store)
	}

	var err error
	if cfg.DefaultPhaseTimeout, err = envDuration(getenv, "DEFAULT_PHASE_TIMEOUT", DefaultPhaseTimeout); err != nil {
		return nil, err
	}
	if cfg.BlockTimeout, err = envDuration(getenv, "CONSTRAINT_BLOCK_TIMEOUT", 0); err != nil {
		return nil, err
	}

	capacity, err := envInt(getenv, "CONSTRAINT_DEFAULT_CAPACITY", 0)
	if err != nil {
		return nil, err
	}
	if capacity < 0 {
		return nil, fmt.Errorf("%w: CONSTRAINT_DEFAULT_CAPACITY must not be negative", ErrInvalidConfig)
	}
	cfg.DefaultCapacity = capacity

	key, err := envInt(getenv, "LEADER_LOCK_KEY", DefaultLeaderLockKey)
	if err != nil {
		return nil, err
	}
	cfg.LeaderLockKey = int64(key)

	if cfg.FilePath != "" {
		file, err := LoadFile(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		cfg.File = *file
	}

	return cfg, nil
}

// LoadFile читает и валидирует YAML-файл.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseFile(data)
}

// ParseFile разбирает и валидирует содержимое YAML-файла.
func ParseFile(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file File
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	seen := make(map[string]bool, len(file.Constraints))
	for _, c := range file.Constraints {
		if c.Unit == "" {
			return nil, fmt.Errorf("%w: constraint with empty unit", ErrInvalidConfig)
		}
		if c.Capacity <= 0 {
			return nil, fmt.Errorf("%w: unit %s: capacity must be positive", ErrInvalidConfig, c.Unit)
		}
		if c.MaxQueue < 0 {
			return nil, fmt.Errorf("%w: unit %s: max_queue must not be negative", ErrInvalidConfig, c.Unit)
		}
		if seen[c.Unit] {
			return nil, fmt.Errorf("%w: unit %s configured twice", ErrInvalidConfig, c.Unit)
		}
		seen[c.Unit] = true
	}

	if err := engine.ValidateAll(file.Definitions); err != nil {
		return nil, err
	}
	return &file, nil
}

// Addr возвращает адрес для http.ListenAndServe.
func Addr(port string) string {
	if strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func envOr(getenv func(string) string, key, def string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return def
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%w: %s=%q is not a valid duration", ErrInvalidConfig, key, v)
	}
	return d, nil
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, key, v)
	}
	return n, nil
}
