package sharding

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notifier is an observability side-channel that the Manager hands a copy
// of the PassivateIntents produced by RecordCreate, RecordAccess and the
// idle sweep, keyed by the shard that produced them. Intents produced by
// rebalancing in Register/Unregister are not passed to it.
// Implementations must not block the caller for long; see notify.go for
// the NATS Streaming-backed implementation.
type Notifier interface {
	NotifyIntents(shard ShardId, intents []PassivateIntent)
}

// MetricsSink receives a GaugeSnapshot for a shard with a bound controller
// after every RecordCreate or RecordAccess call and after every idle sweep
// that produced intents for it (RecordStop produces none), and is told
// when a shard is fully retired so it can
// clear any aggregate keys it holds for it. See metrics.go for the Redis
// implementation.
type MetricsSink interface {
	RecordGauges(shard ShardId, snapshot GaugeSnapshot)
	ClearShard(shard ShardId)
}

// GaugeSnapshot is the aggregate, entity-identity-free view of a shard's
// current load pushed to the MetricsSink.
type GaugeSnapshot struct {
	Active    int
	Buffered  int
	Evictions uint64
}

// ManagerConfig is the tuning surface (buffer size, handoff timeout)
// plus the strict/lenient choice for invalid state transitions.
type ManagerConfig struct {
	// BufferSize bounds the per-entity message buffer held while an
	// entity is Passivating.
	BufferSize int

	// HandOffTimeout is the force-stop deadline after the terminal stop
	// signal is sent.
	HandOffTimeout time.Duration

	// StrictMode, when true, surfaces invalid state transitions (e.g. an
	// onStop for an entity that isn't Passivating) as errors that abort
	// the shard rather than logging and resynchronizing.
	StrictMode bool
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*Manager)

// WithNotifier attaches an intent Notifier.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *Manager) { m.notifier = n }
}

// WithMetricsSink attaches a MetricsSink.
func WithMetricsSink(s MetricsSink) ManagerOption {
	return func(m *Manager) { m.metrics = s }
}

// WithClock overrides the Clock (tests use a FakeClock).
func WithClock(c Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithStateWatcher attaches a StateWatcher that is pushed every fresh
// CurrentShardState computed during event intake.
func WithStateWatcher(w StateWatcher) ManagerOption {
	return func(m *Manager) { m.watcher = w }
}

// Manager is the process-wide passivation coordinator: it owns the
// Strategy, the Active-Shard Registry, and (via Strategy) the per-shard
// Recency Index and Idle Tracker instances, plus the idle sweep timer.
type Manager struct {
	Config ManagerConfig

	log      zerolog.Logger
	clock    Clock
	strategy *Strategy
	registry *ActiveShardRegistry

	notifier Notifier
	metrics  MetricsSink
	watcher  StateWatcher

	// mu is the node-wide lock held only across registry mutation and
	// intent generation, never while applying intents.
	mu          sync.Mutex
	controllers map[ShardId]*ShardController

	sweepTimer Timer
}

// NewManager constructs a Manager. If strategy is Idle, the coarse sweep
// timer (period idle.timeout/2) starts immediately.
func NewManager(cfg ManagerConfig, strategy *Strategy, log zerolog.Logger, opts ...ManagerOption) *Manager {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.HandOffTimeout <= 0 {
		cfg.HandOffTimeout = 5 * time.Second
	}

	m := &Manager{
		Config:      cfg,
		log:         log,
		clock:       RealClock{},
		strategy:    strategy,
		registry:    NewActiveShardRegistry(),
		controllers: make(map[ShardId]*ShardController),
	}

	for _, opt := range opts {
		opt(m)
	}

	if strategy.Kind == StrategyIdle {
		m.startSweepTimer()
	}

	return m
}

func (m *Manager) startSweepTimer() {
	period := m.strategy.IdleTimeout() / 2
	if period <= 0 {
		period = time.Second
	}
	m.sweepTimer = m.clock.Ticker(period, func() {
		m.runSweep(m.clock.Now())
	})
}

// Register hosts shard on this node: it joins the Active-Shard Registry
// and, under LRU, retunes perShardLimit across every hosted shard. Any
// evictions that retuning requires are applied immediately.
func (m *Manager) Register(shard ShardId) error {
	m.mu.Lock()
	added := m.registry.Add(shard)
	var intents []PassivateIntent
	if added {
		intents = m.strategy.OnShardActivated(shard, m.clock.Now())
	}
	m.mu.Unlock()

	if added {
		m.log.Info().Str("shard", string(shard)).Msg("registered shard")
	}
	m.applyIntents(intents)
	return nil
}

// Unregister retires shard: it leaves the Active-Shard Registry, any
// pending handoff timers for its entities are cancelled and its
// Passivating entities are force-stopped, and the remaining shards are
// rebalanced against the new, larger limit.
func (m *Manager) Unregister(shard ShardId) error {
	m.mu.Lock()
	removed := m.registry.Remove(shard)
	controller := m.controllers[shard]
	delete(m.controllers, shard)
	var intents []PassivateIntent
	if removed {
		intents = m.strategy.OnShardDeactivated(shard, m.clock.Now())
	}
	m.mu.Unlock()

	if controller != nil {
		controller.deactivate()
	}
	if m.metrics != nil {
		m.metrics.ClearShard(shard)
	}
	if removed {
		m.log.Info().Str("shard", string(shard)).Msg("unregistered shard")
	}
	m.applyIntents(intents)
	return nil
}

// RecordCreate records that id was newly activated on shard at now,
// returning the (ordered) intents the caller must apply.
func (m *Manager) RecordCreate(shard ShardId, id EntityId, now time.Time) ([]PassivateIntent, error) {
	if !m.registry.Contains(shard) {
		m.log.Warn().Str("shard", string(shard)).Str("entity", string(id)).Msg("recordCreate for unknown shard")
		return nil, ErrUnknownShard
	}
	intents := m.strategy.OnCreate(shard, id, now)
	m.publishAndMeter(shard, intents, 1, 0)
	return intents, nil
}

// RecordAccess records a message routed to id on shard at now.
func (m *Manager) RecordAccess(shard ShardId, id EntityId, now time.Time) ([]PassivateIntent, error) {
	if !m.registry.Contains(shard) {
		m.log.Warn().Str("shard", string(shard)).Str("entity", string(id)).Msg("recordAccess for unknown shard")
		return nil, ErrUnknownShard
	}
	intents := m.strategy.OnAccess(shard, id, now)
	m.publishAndMeter(shard, intents, 0, 0)
	return intents, nil
}

// RecordStop records that id reached Stopped on shard.
func (m *Manager) RecordStop(shard ShardId, id EntityId) error {
	if !m.registry.Contains(shard) {
		m.log.Warn().Str("shard", string(shard)).Str("entity", string(id)).Msg("recordStop for unknown shard")
		return ErrUnknownShard
	}
	m.strategy.OnStop(shard, id)
	return nil
}

// ScheduledSweep is invoked by the idle sweep timer (or directly by tests)
// and returns every intent produced across all idle-tracked shards.
func (m *Manager) ScheduledSweep(now time.Time) []PassivateIntent {
	var all []PassivateIntent
	for _, shard := range m.strategy.IdleShards() {
		if !m.registry.Contains(shard) {
			continue
		}
		for _, id := range m.strategy.IdleOlderThan(shard, now) {
			all = append(all, PassivateIntent{Shard: shard, Entity: id, Reason: "idle-timeout", At: now})
		}
	}
	return all
}

func (m *Manager) runSweep(now time.Time) {
	intents := m.ScheduledSweep(now)
	if len(intents) == 0 {
		return
	}

	byShard := make(map[ShardId][]PassivateIntent)
	for _, in := range intents {
		byShard[in.Shard] = append(byShard[in.Shard], in)
	}
	for shard, shardIntents := range byShard {
		m.publishAndMeter(shard, shardIntents, 0, 0)
	}
	m.applyIntents(intents)
}

// SnapshotActive returns the active entity ids for shard, delegating to
// the registered ShardController (which is the sole owner of
// activeEntities).
func (m *Manager) SnapshotActive(shard ShardId) (CurrentShardState, error) {
	m.mu.Lock()
	controller, ok := m.controllers[shard]
	m.mu.Unlock()

	if !ok {
		return CurrentShardState{Shard: shard}, ErrUnknownShard
	}
	return controller.SnapshotActive(), nil
}

// bindController attaches a ShardController so administrative queries and
// cross-shard cancellation (Unregister) can reach it.
func (m *Manager) bindController(shard ShardId, c *ShardController) {
	m.mu.Lock()
	m.controllers[shard] = c
	m.mu.Unlock()
}

// applyIntents routes each intent to its shard controller. Intents for
// different shards are independent and applied without holding any
// cross-shard lock.
func (m *Manager) applyIntents(intents []PassivateIntent) {
	for _, intent := range intents {
		m.mu.Lock()
		controller := m.controllers[intent.Shard]
		m.mu.Unlock()

		if controller == nil {
			continue
		}
		controller.applyExternalIntent(intent.Entity)
	}
}

func (m *Manager) publishAndMeter(shard ShardId, intents []PassivateIntent, createdDelta, stoppedDelta int) {
	if m.notifier != nil && len(intents) > 0 {
		m.notifier.NotifyIntents(shard, intents)
	}
	if m.metrics != nil || m.watcher != nil {
		if controller, ok := m.controllerFor(shard); ok {
			snap := controller.SnapshotActive()
			if m.metrics != nil {
				m.metrics.RecordGauges(shard, GaugeSnapshot{
					Active:    len(snap.ActiveIds),
					Buffered:  controller.BufferedCount(),
					Evictions: uint64(len(intents)),
				})
			}
			if m.watcher != nil {
				m.watcher.OnShardStateChanged(snap)
			}
		}
	}
}

func (m *Manager) controllerFor(shard ShardId) (*ShardController, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.controllers[shard]
	return c, ok
}

// Close stops the idle sweep timer, if any.
func (m *Manager) Close() {
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}
}
