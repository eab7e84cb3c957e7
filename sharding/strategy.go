package sharding

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// StrategyKind selects which passivation policy a Strategy enforces. Kept
// as a tagged variant rather than an interface hierarchy: the state stays
// explicit and the dispatch is a small switch, not a vtable.
type StrategyKind int

const (
	// StrategyNone never emits intents.
	StrategyNone StrategyKind = iota
	// StrategyIdle emits an intent once an entity has been untouched for
	// at least the configured timeout.
	StrategyIdle
	// StrategyLRU bounds the total number of active entities across
	// hosted shards, evicting least-recently-used entities first.
	StrategyLRU
)

func (k StrategyKind) String() string {
	switch k {
	case StrategyNone:
		return "none"
	case StrategyIdle:
		return "idle"
	case StrategyLRU:
		return "least-recently-used"
	default:
		return "unknown"
	}
}

// Strategy is the polymorphic passivation policy: None, Idle or
// LeastRecentlyUsed. A single Strategy instance is owned by the Manager
// and consumes events from every shard controller.
type Strategy struct {
	Kind StrategyKind

	idleTimeout   time.Duration
	lruTotalLimit int

	log zerolog.Logger

	mu           sync.Mutex
	idle         map[ShardId]*IdleTracker
	recency      map[ShardId]*RecencyIndex
	activeShards map[ShardId]struct{}
}

// NewNoneStrategy returns a Strategy that never passivates anything.
func NewNoneStrategy(log zerolog.Logger) *Strategy {
	return newStrategy(StrategyNone, 0, 0, log)
}

// NewIdleStrategy returns a Strategy that passivates entities idle for at
// least timeout. timeout must be > 0; validation happens at config load
// time, not here.
func NewIdleStrategy(timeout time.Duration, log zerolog.Logger) *Strategy {
	return newStrategy(StrategyIdle, timeout, 0, log)
}

// NewLRUStrategy returns a Strategy that bounds the total active-entity
// count across hosted shards to totalLimit, divided evenly per shard.
func NewLRUStrategy(totalLimit int, log zerolog.Logger) *Strategy {
	return newStrategy(StrategyLRU, 0, totalLimit, log)
}

func newStrategy(kind StrategyKind, idleTimeout time.Duration, lruTotalLimit int, log zerolog.Logger) *Strategy {
	return &Strategy{
		Kind:          kind,
		idleTimeout:   idleTimeout,
		lruTotalLimit: lruTotalLimit,
		log:           log,
		idle:          make(map[ShardId]*IdleTracker),
		recency:       make(map[ShardId]*RecencyIndex),
		activeShards:  make(map[ShardId]struct{}),
	}
}

// IdleTimeout returns the configured idle timeout (zero for non-Idle
// strategies).
func (s *Strategy) IdleTimeout() time.Duration { return s.idleTimeout }

// OnCreate records a newly-activated entity. Identical to OnAccess.
func (s *Strategy) OnCreate(shard ShardId, id EntityId, now time.Time) []PassivateIntent {
	return s.onTouch(shard, id, now)
}

// OnAccess records a message routed to id.
func (s *Strategy) OnAccess(shard ShardId, id EntityId, now time.Time) []PassivateIntent {
	return s.onTouch(shard, id, now)
}

func (s *Strategy) onTouch(shard ShardId, id EntityId, now time.Time) []PassivateIntent {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Kind {
	case StrategyNone:
		return nil

	case StrategyIdle:
		s.idleTrackerLocked(shard).Touch(id, now)
		return nil

	case StrategyLRU:
		idx := s.recencyLocked(shard)
		idx.Touch(id)
		return s.evictOverLimitLocked(shard, idx, now, "lru-limit-exceeded")

	default:
		return nil
	}
}

// OnStop records that an entity reached Stopped, dropping any bookkeeping
// held for it. An id appears in recency iff it is Active.
func (s *Strategy) OnStop(shard ShardId, id EntityId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Kind {
	case StrategyIdle:
		if t, ok := s.idle[shard]; ok {
			t.Remove(id)
		}
	case StrategyLRU:
		if idx, ok := s.recency[shard]; ok {
			idx.Remove(id)
		}
	}
}

// OnShardActivated registers shard as hosted. Under the LRU strategy this
// retunes perShardLimit for every shard and returns any evictions the new,
// smaller limit requires.
func (s *Strategy) OnShardActivated(shard ShardId, now time.Time) []PassivateIntent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeShards[shard] = struct{}{}
	if s.Kind != StrategyLRU {
		return nil
	}
	s.recencyLocked(shard)
	return s.rebalanceLocked(now)
}

// OnShardDeactivated unregisters shard. Under LRU, its recency index is
// dropped (the shard is no longer hosted) and the remaining shards are
// rebalanced against the new, larger per-shard limit.
func (s *Strategy) OnShardDeactivated(shard ShardId, now time.Time) []PassivateIntent {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activeShards, shard)
	delete(s.recency, shard)
	delete(s.idle, shard)

	if s.Kind != StrategyLRU {
		return nil
	}
	return s.rebalanceLocked(now)
}

// PerShardLimit returns the current perShardLimit for shard under LRU, or
// zero if the strategy is not LRU or shard is unknown.
func (s *Strategy) PerShardLimit(shard ShardId) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Kind != StrategyLRU {
		return 0
	}
	if _, ok := s.activeShards[shard]; !ok {
		return 0
	}
	return s.perShardLimitLocked()
}

// IdleOlderThan returns, for shard, every entity id idle for at least the
// configured timeout as of now. Used by the sweep timer.
func (s *Strategy) IdleOlderThan(shard ShardId, now time.Time) []EntityId {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.idle[shard]
	if !ok {
		return nil
	}
	return t.OlderThan(now, s.idleTimeout)
}

// IdleShards returns every shard currently tracked by the idle tracker,
// for the sweep fan-out.
func (s *Strategy) IdleShards() []ShardId {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards := make([]ShardId, 0, len(s.idle))
	for shard := range s.idle {
		shards = append(shards, shard)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	return shards
}

func (s *Strategy) idleTrackerLocked(shard ShardId) *IdleTracker {
	t, ok := s.idle[shard]
	if !ok {
		t = NewIdleTracker()
		s.idle[shard] = t
	}
	return t
}

func (s *Strategy) recencyLocked(shard ShardId) *RecencyIndex {
	idx, ok := s.recency[shard]
	if !ok {
		idx = NewRecencyIndex()
		s.recency[shard] = idx
	}
	return idx
}

func (s *Strategy) perShardLimitLocked() int {
	count := len(s.activeShards)
	if count == 0 {
		return s.lruTotalLimit
	}
	limit := s.lruTotalLimit / count
	if limit < 1 {
		limit = 1
	}
	return limit
}

// evictOverLimitLocked evicts from idx until it is within the current
// perShardLimit, oldest first, and returns the emitted intents tagged
// with reason and now.
func (s *Strategy) evictOverLimitLocked(shard ShardId, idx *RecencyIndex, now time.Time, reason string) []PassivateIntent {
	limit := s.perShardLimitLocked()
	var intents []PassivateIntent
	for idx.Size() > limit {
		victim, ok := idx.LeastRecent()
		if !ok {
			break
		}
		idx.Remove(victim)
		intents = append(intents, PassivateIntent{Shard: shard, Entity: victim, Reason: reason, At: now})
	}
	return intents
}

// rebalanceLocked recomputes the per-shard limit and evicts every active
// shard's overflow, oldest-first within a shard. Shards are visited in a
// deterministic (sorted) order so test expectations are stable.
func (s *Strategy) rebalanceLocked(now time.Time) []PassivateIntent {
	shards := make([]ShardId, 0, len(s.recency))
	for shard := range s.recency {
		shards = append(shards, shard)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	var intents []PassivateIntent
	for _, shard := range shards {
		intents = append(intents, s.evictOverLimitLocked(shard, s.recency[shard], now, "lru-rebalance")...)
	}
	return intents
}
