package sharding

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNoneStrategyNeverEmitsIntents(t *testing.T) {
	s := NewNoneStrategy(discardLogger())
	now := time.Now()

	for i := 0; i < 100; i++ {
		intents := s.OnCreate("s1", EntityId("e"), now)
		assert.Empty(t, intents)
	}
}

func TestIdleStrategyEmitsAfterTimeout(t *testing.T) {
	s := NewIdleStrategy(10*time.Second, discardLogger())
	base := time.Now()

	s.OnShardActivated("s1", base)
	s.OnCreate("s1", "e1", base)

	assert.Empty(t, s.IdleOlderThan("s1", base.Add(5*time.Second)))
	assert.ElementsMatch(t, []EntityId{"e1"}, s.IdleOlderThan("s1", base.Add(11*time.Second)))
}

func TestIdleStrategyAccessResetsTimer(t *testing.T) {
	s := NewIdleStrategy(10*time.Second, discardLogger())
	base := time.Now()

	s.OnShardActivated("s1", base)
	s.OnCreate("s1", "e1", base)
	s.OnAccess("s1", "e1", base.Add(8*time.Second))

	assert.Empty(t, s.IdleOlderThan("s1", base.Add(15*time.Second)))
	assert.ElementsMatch(t, []EntityId{"e1"}, s.IdleOlderThan("s1", base.Add(19*time.Second)))
}

func TestIdleStrategyOnStopDropsTracking(t *testing.T) {
	s := NewIdleStrategy(10*time.Second, discardLogger())
	base := time.Now()

	s.OnShardActivated("s1", base)
	s.OnCreate("s1", "e1", base)
	s.OnStop("s1", "e1")

	assert.Empty(t, s.IdleOlderThan("s1", base.Add(time.Hour)))
}

func TestLRUStrategyEvictsOldestOverLimit(t *testing.T) {
	s := NewLRUStrategy(2, discardLogger())
	now := time.Now()

	s.OnShardActivated("s1", now)
	assert.Empty(t, s.OnCreate("s1", "a", now))
	assert.Empty(t, s.OnCreate("s1", "b", now))

	intents := s.OnCreate("s1", "c", now)
	require.Len(t, intents, 1)
	assert.Equal(t, PassivateIntent{Shard: "s1", Entity: "a", Reason: "lru-limit-exceeded", At: now}, intents[0])
}

func TestLRUStrategyAccessPromotesEntity(t *testing.T) {
	s := NewLRUStrategy(2, discardLogger())
	now := time.Now()

	s.OnShardActivated("s1", now)
	s.OnCreate("s1", "a", now)
	s.OnCreate("s1", "b", now)
	s.OnAccess("s1", "a", now) // a is now MRU; b is LRU

	intents := s.OnCreate("s1", "c", now)
	require.Len(t, intents, 1)
	assert.Equal(t, EntityId("b"), intents[0].Entity)
}

func TestLRUStrategyPerShardLimitDividesEvenly(t *testing.T) {
	s := NewLRUStrategy(10, discardLogger())
	now := time.Now()

	s.OnShardActivated("s1", now)
	assert.Equal(t, 10, s.PerShardLimit("s1"))

	s.OnShardActivated("s2", now)
	assert.Equal(t, 5, s.PerShardLimit("s1"))
	assert.Equal(t, 5, s.PerShardLimit("s2"))

	s.OnShardActivated("s3", now)
	assert.Equal(t, 3, s.PerShardLimit("s1"))
}

func TestLRUStrategyPerShardLimitFlooredAtOne(t *testing.T) {
	s := NewLRUStrategy(2, discardLogger())
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.OnShardActivated(ShardId(string(rune('a'+i))), now)
	}
	assert.Equal(t, 1, s.PerShardLimit("a"))
}

func TestLRUStrategyRebalanceEvictsOnShardActivation(t *testing.T) {
	s := NewLRUStrategy(4, discardLogger())
	now := time.Now()

	s.OnShardActivated("s1", now)
	s.OnCreate("s1", "a", now)
	s.OnCreate("s1", "b", now)
	s.OnCreate("s1", "c", now)
	s.OnCreate("s1", "d", now)

	intents := s.OnShardActivated("s2", now)
	require.Len(t, intents, 2)
	assert.Equal(t, EntityId("a"), intents[0].Entity)
	assert.Equal(t, EntityId("b"), intents[1].Entity)
}

func TestLRUStrategyRebalanceOnShardDeactivation(t *testing.T) {
	s := NewLRUStrategy(4, discardLogger())
	now := time.Now()

	s.OnShardActivated("s1", now)
	s.OnShardActivated("s2", now)
	s.OnCreate("s1", "a", now)
	s.OnCreate("s1", "b", now)

	intents := s.OnShardDeactivated("s2", now)
	assert.Empty(t, intents)
	assert.Equal(t, 4, s.PerShardLimit("s1"))
}
