package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Config — конфигурация Service.
type Config struct {
	// Store — хранилище состояния. nil — только память.
	Store Store

	// DefaultCapacity — ёмкость для units без собственной настройки.
	// 0 — такие units считаются ненастроенными.
	DefaultCapacity int

	Logger *slog.Logger

	// Now — источник времени (для тестов).
	Now func() time.Time
}

// Service — Resource Constraint Service.
//
// Выдаёт permits consumers'ам в рамках ёмкости unit и держит FIFO-очередь
// ожидающих. Все изменения одного unit сериализованы его мьютексом;
// разные units обрабатываются независимо.
type Service struct {
	store           Store
	defaultCapacity int
	logger          *slog.Logger
	now             func() time.Time

	mu       sync.RWMutex
	units    map[string]*unitState
	listener Listener
}

// unitState — состояние одного unit.
type unitState struct {
	mu sync.Mutex

	key        string
	capacity   int
	maxQueue   int
	configured bool

	active    []*domain.Consumer
	blocked   []*domain.Consumer
	nextOrder int64
}

// notification — отложенное уведомление listener'а.
type notification struct {
	consumer domain.Consumer
	promoted bool
}

// Snapshot — снимок состояния unit.
type Snapshot struct {
	Unit          string            `json:"unit"`
	Capacity      int               `json:"capacity"`
	MaxQueue      int               `json:"max_queue,omitempty"`
	ActivePermits int               `json:"active_permits"`
	Active        []domain.Consumer `json:"active"`
	Blocked       []domain.Consumer `json:"blocked"`
}

// New создаёт новый Service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:           cfg.Store,
		defaultCapacity: cfg.DefaultCapacity,
		logger:          cfg.Logger,
		now:             cfg.Now,
		units:           make(map[string]*unitState),
	}
}

// SetListener регистрирует получателя уведомлений о promotion/rejection.
func (s *Service) SetListener(l Listener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Configure задаёт ёмкость unit и лимит очереди.
//
// Увеличение ёмкости сразу продвигает ожидающих consumers.
func (s *Service) Configure(ctx context.Context, unit string, capacity, maxQueue int) error {
	if capacity <= 0 {
		return fmt.Errorf("configure %s: %w", unit, ErrInvalidCapacity)
	}
	if maxQueue < 0 {
		maxQueue = 0
	}

	u := s.getOrCreate(unit)

	u.mu.Lock()
	if s.store != nil {
		err := s.store.SaveUnit(ctx, domain.UnitCapacity{Unit: unit, Capacity: capacity, MaxQueue: maxQueue})
		if err != nil {
			u.mu.Unlock()
			return fmt.Errorf("save unit: %w", err)
		}
	}
	u.capacity = capacity
	u.maxQueue = maxQueue
	u.configured = true

	// Уменьшение ёмкости не отзывает выданные permits: unit разгружается
	// по мере Release, новых допусков нет, пока активных permits больше ёмкости.
	if active := u.activePermits(); active > capacity {
		telemetry.WithUnit(s.logger, unit).Warn("capacity below active permits, draining",
			"capacity", capacity,
			"active_permits", active,
		)
	}

	pending, err := s.settleLocked(ctx, u)
	u.mu.Unlock()

	s.notify(pending)
	return err
}

// Register регистрирует consumer и сразу принимает решение о допуске.
//
// Возвращает:
//   - ACTIVE — permits выданы
//   - BLOCKED — consumer в очереди, о promotion сообщит Listener
//   - REJECTED — очередь unit переполнена
//   - PERMANENTLY_REJECTED — permits больше ёмкости, в очередь не ставится
func (s *Service) Register(ctx context.Context, unit, consumerID string, permits int, owner string) (domain.ConsumerState, error) {
	if permits <= 0 {
		return "", &InvalidPermitsError{Unit: unit, ConsumerID: consumerID, Permits: permits}
	}

	u := s.lookup(unit)
	if u == nil {
		if s.defaultCapacity <= 0 {
			return "", &UnconfiguredUnitError{Unit: unit}
		}
		u = s.getOrCreate(unit)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	capacity := s.capacityOf(u)
	if capacity <= 0 {
		return "", &UnconfiguredUnitError{Unit: unit}
	}
	if u.find(consumerID) != nil {
		return "", &DuplicateConsumerError{Unit: unit, ConsumerID: consumerID}
	}

	logger := telemetry.WithUnit(s.logger, unit).With("consumer_id", consumerID, "permits", permits)

	if permits > capacity {
		telemetry.AdmissionDecisions.WithLabelValues(string(domain.ConsumerStatePermanentlyRejected)).Inc()
		logger.Warn("consumer permanently rejected", "capacity", capacity)
		return domain.ConsumerStatePermanentlyRejected, nil
	}

	now := s.now()
	c := &domain.Consumer{
		ID:           consumerID,
		Unit:         unit,
		Permits:      permits,
		Order:        u.nextOrder,
		Owner:        owner,
		RegisteredAt: now,
	}

	switch {
	case len(u.blocked) == 0 && u.activePermits()+permits <= capacity:
		c.Activate(now)
	case u.maxQueue > 0 && len(u.blocked) >= u.maxQueue:
		telemetry.AdmissionDecisions.WithLabelValues(string(domain.ConsumerStateRejected)).Inc()
		logger.Warn("consumer rejected, queue is full", "max_queue", u.maxQueue)
		return domain.ConsumerStateRejected, nil
	default:
		c.State = domain.ConsumerStateBlocked
	}

	if s.store != nil {
		if err := s.store.SaveConsumer(ctx, *c); err != nil {
			return "", fmt.Errorf("save consumer: %w", err)
		}
	}

	u.nextOrder++
	if c.State == domain.ConsumerStateActive {
		u.active = append(u.active, c)
	} else {
		u.blocked = append(u.blocked, c)
	}
	u.updateGauges()

	telemetry.AdmissionDecisions.WithLabelValues(string(c.State)).Inc()
	logger.Debug("consumer registered", "state", c.State, "order", c.Order)

	return c.State, nil
}

// Release удаляет consumer в любом состоянии и продвигает очередь.
//
// Продвижение идёт с головы очереди, пока голова помещается в ёмкость,
// и останавливается на первом, кто не помещается.
// Неизвестный consumer — no-op.
func (s *Service) Release(ctx context.Context, unit, consumerID string) ([]domain.Consumer, error) {
	u := s.lookup(unit)
	if u == nil {
		if s.defaultCapacity <= 0 {
			return nil, &UnconfiguredUnitError{Unit: unit}
		}
		return nil, nil
	}

	u.mu.Lock()
	c := u.find(consumerID)
	if c == nil {
		u.mu.Unlock()
		return nil, nil
	}

	if s.store != nil {
		if err := s.store.DeleteConsumer(ctx, unit, consumerID); err != nil {
			u.mu.Unlock()
			return nil, fmt.Errorf("delete consumer: %w", err)
		}
	}
	u.remove(consumerID)

	telemetry.WithUnit(s.logger, unit).Debug("consumer released",
		"consumer_id", consumerID,
		"state", c.State,
	)

	pending, err := s.promoteLocked(ctx, u)
	u.mu.Unlock()

	s.notify(pending)

	promoted := make([]domain.Consumer, 0, len(pending))
	for _, n := range pending {
		promoted = append(promoted, n.consumer)
	}
	return promoted, err
}

// ExpireBlocked отклоняет BLOCKED consumers, ожидающих дольше cutoff.
//
// Отклонённые удаляются из очереди и передаются Listener'у.
// После удаления очередь продвигается.
func (s *Service) ExpireBlocked(ctx context.Context, cutoff time.Time) ([]domain.Consumer, error) {
	var rejected []domain.Consumer

	for _, key := range s.Units() {
		u := s.lookup(key)
		if u == nil {
			continue
		}

		u.mu.Lock()
		var expired []*domain.Consumer
		for _, c := range u.blocked {
			if c.RegisteredAt.Before(cutoff) {
				expired = append(expired, c)
			}
		}

		var pending []notification
		var err error
		for _, c := range expired {
			if s.store != nil {
				if err = s.store.DeleteConsumer(ctx, key, c.ID); err != nil {
					err = fmt.Errorf("delete consumer: %w", err)
					break
				}
			}
			u.remove(c.ID)
			c.State = domain.ConsumerStateRejected
			rejected = append(rejected, *c)
			pending = append(pending, notification{consumer: *c})
			telemetry.AdmissionDecisions.WithLabelValues(string(domain.ConsumerStateRejected)).Inc()
		}
		if err == nil && len(expired) > 0 {
			var promoted []notification
			promoted, err = s.promoteLocked(ctx, u)
			pending = append(pending, promoted...)
		}
		u.updateGauges()
		u.mu.Unlock()

		s.notify(pending)
		if err != nil {
			return rejected, err
		}
	}

	if len(rejected) > 0 {
		s.logger.Info("expired blocked consumers", "count", len(rejected))
	}
	return rejected, nil
}

// Restore восстанавливает состояние из Store после рестарта.
//
// Порядок очереди восстанавливается по Order. Повторный вызов заменяет
// состояние в памяти.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return fmt.Errorf("list units: %w", err)
	}
	consumers, err := s.store.ListConsumers(ctx)
	if err != nil {
		return fmt.Errorf("list consumers: %w", err)
	}

	restored := make(map[string]*unitState)
	get := func(key string) *unitState {
		u, ok := restored[key]
		if !ok {
			u = &unitState{key: key}
			restored[key] = u
		}
		return u
	}

	for _, uc := range units {
		u := get(uc.Unit)
		u.capacity = uc.Capacity
		u.maxQueue = uc.MaxQueue
		u.configured = true
	}

	sort.Slice(consumers, func(i, j int) bool {
		return consumers[i].Order < consumers[j].Order
	})
	for i := range consumers {
		c := consumers[i]
		u := get(c.Unit)
		switch c.State {
		case domain.ConsumerStateActive:
			u.active = append(u.active, &c)
		case domain.ConsumerStateBlocked:
			u.blocked = append(u.blocked, &c)
		default:
			continue
		}
		if c.Order >= u.nextOrder {
			u.nextOrder = c.Order + 1
		}
	}

	s.mu.Lock()
	s.units = restored
	s.mu.Unlock()

	// Ёмкость могла уменьшиться до рестарта.
	var pending []notification
	for _, u := range restored {
		u.mu.Lock()
		settled, serr := s.settleLocked(ctx, u)
		u.mu.Unlock()
		pending = append(pending, settled...)
		if serr != nil && err == nil {
			err = serr
		}
	}
	s.notify(pending)

	s.logger.Info("constraint state restored", "units", len(restored), "consumers", len(consumers))
	return err
}

// Get возвращает consumer по ID.
func (s *Service) Get(unit, consumerID string) (domain.Consumer, bool) {
	u := s.lookup(unit)
	if u == nil {
		return domain.Consumer{}, false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	c := u.find(consumerID)
	if c == nil {
		return domain.Consumer{}, false
	}
	return *c, true
}

// Snapshot возвращает копию состояния unit.
func (s *Service) Snapshot(unit string) (Snapshot, bool) {
	u := s.lookup(unit)
	if u == nil {
		return Snapshot{}, false
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	snap := Snapshot{
		Unit:          unit,
		Capacity:      s.capacityOf(u),
		MaxQueue:      u.maxQueue,
		ActivePermits: u.activePermits(),
		Active:        make([]domain.Consumer, 0, len(u.active)),
		Blocked:       make([]domain.Consumer, 0, len(u.blocked)),
	}
	for _, c := range u.active {
		snap.Active = append(snap.Active, *c)
	}
	for _, c := range u.blocked {
		snap.Blocked = append(snap.Blocked, *c)
	}
	return snap, true
}

// Units возвращает отсортированный список известных units.
func (s *Service) Units() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.units))
	for k := range s.units {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Внутренние методы ---

func (s *Service) lookup(unit string) *unitState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.units[unit]
}

func (s *Service) getOrCreate(unit string) *unitState {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[unit]
	if !ok {
		u = &unitState{key: unit}
		s.units[unit] = u
	}
	return u
}

func (s *Service) capacityOf(u *unitState) int {
	if u.configured {
		return u.capacity
	}
	return s.defaultCapacity
}

// promoteLocked продвигает голову очереди, пока она помещается.
// Вызывается под u.mu.
func (s *Service) promoteLocked(ctx context.Context, u *unitState) ([]notification, error) {
	capacity := s.capacityOf(u)
	var pending []notification

	for len(u.blocked) > 0 {
		head := u.blocked[0]
		if u.activePermits()+head.Permits > capacity {
			break
		}

		promoted := *head
		promoted.Activate(s.now())
		if s.store != nil {
			if err := s.store.SaveConsumer(ctx, promoted); err != nil {
				u.updateGauges()
				return pending, fmt.Errorf("save consumer: %w", err)
			}
		}

		*head = promoted
		u.blocked = u.blocked[1:]
		u.active = append(u.active, head)
		pending = append(pending, notification{consumer: promoted, promoted: true})

		telemetry.AdmissionDecisions.WithLabelValues("PROMOTED").Inc()
		telemetry.WithUnit(s.logger, u.key).Debug("consumer promoted", "consumer_id", head.ID, "order", head.Order)
	}

	u.updateGauges()
	return pending, nil
}

// settleLocked приводит очередь к текущей ёмкости: ждущие, которым
// ёмкости не хватит никогда, отклоняются навсегда, остальные продвигаются.
func (s *Service) settleLocked(ctx context.Context, u *unitState) ([]notification, error) {
	capacity := s.capacityOf(u)
	if capacity <= 0 {
		// Ёмкость неизвестна: очередь не трогаем.
		return nil, nil
	}
	var pending []notification

	for _, c := range append([]*domain.Consumer(nil), u.blocked...) {
		if c.Permits <= capacity {
			continue
		}
		if s.store != nil {
			if err := s.store.DeleteConsumer(ctx, u.key, c.ID); err != nil {
				u.updateGauges()
				return pending, fmt.Errorf("delete consumer: %w", err)
			}
		}
		u.remove(c.ID)
		c.State = domain.ConsumerStatePermanentlyRejected
		pending = append(pending, notification{consumer: *c})
		telemetry.AdmissionDecisions.WithLabelValues(string(domain.ConsumerStatePermanentlyRejected)).Inc()
	}

	promoted, err := s.promoteLocked(ctx, u)
	return append(pending, promoted...), err
}

// notify доставляет уведомления listener'у вне блокировки unit.
func (s *Service) notify(pending []notification) {
	if len(pending) == 0 {
		return
	}

	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l == nil {
		return
	}

	for _, n := range pending {
		if n.promoted {
			l.ConsumerPromoted(n.consumer)
		} else {
			l.ConsumerRejected(n.consumer)
		}
	}
}

func (u *unitState) activePermits() int {
	sum := 0
	for _, c := range u.active {
		sum += c.Permits
	}
	return sum
}

func (u *unitState) find(id string) *domain.Consumer {
	for _, c := range u.active {
		if c.ID == id {
			return c
		}
	}
	for _, c := range u.blocked {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (u *unitState) remove(id string) {
	u.active = removeConsumer(u.active, id)
	u.blocked = removeConsumer(u.blocked, id)
}

func (u *unitState) updateGauges() {
	telemetry.ActivePermits.WithLabelValues(u.key).Set(float64(u.activePermits()))
	telemetry.BlockedConsumers.WithLabelValues(u.key).Set(float64(len(u.blocked)))
}

func removeConsumer(list []*domain.Consumer, id string) []*domain.Consumer {
	for i, c := range list {
		if c.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
