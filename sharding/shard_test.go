package sharding

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EdwardLuke/passivation/protocol"
)

// recordingWorker is a WorkerHandle backed by MailboxWorker whose run loop
// records every delivered envelope and acknowledges termination the
// moment it sees OpStop, unless ignoreStop is set (used to simulate a
// worker that never acknowledges, exercising the handoff timeout).
type recordingWorker struct {
	*MailboxWorker
	mu       sync.Mutex
	received []protocol.Envelope
}

func newRecordingWorkerFactory(ignoreStop bool) (WorkerFactory, *sync.Map) {
	workers := &sync.Map{}

	factory := func(shard ShardId, id EntityId) WorkerHandle {
		rw := &recordingWorker{}
		rw.MailboxWorker = NewMailboxWorker(8, func(inbox <-chan protocol.Envelope) {
			for env := range inbox {
				rw.mu.Lock()
				rw.received = append(rw.received, env)
				rw.mu.Unlock()
				if env.Op == protocol.OpStop && !ignoreStop {
					return
				}
			}
		})
		workers.Store(id, rw)
		return rw
	}
	return factory, workers
}

func newTestManager(clock Clock, strategy *Strategy, bufferSize int, handoff time.Duration) *Manager {
	return NewManager(ManagerConfig{
		BufferSize:     bufferSize,
		HandOffTimeout: handoff,
	}, strategy, discardLogger(), WithClock(clock))
}

func TestShardControllerRoutesMessagesToActiveWorker(t *testing.T) {
	clock := NewFakeClock(time.Now())
	manager := newTestManager(clock, NewNoneStrategy(discardLogger()), 4, time.Second)
	factory, workers := newRecordingWorkerFactory(false)

	ctl, err := NewShardController(manager, "s1", factory)
	require.NoError(t, err)

	require.NoError(t, ctl.RouteMessage("e1", "hello"))

	v, ok := workers.Load(EntityId("e1"))
	require.True(t, ok)
	rw := v.(*recordingWorker)

	// The worker records envelopes on its own goroutine after Send returns.
	require.Eventually(t, func() bool {
		rw.mu.Lock()
		defer rw.mu.Unlock()
		return len(rw.received) == 1
	}, time.Second, time.Millisecond)

	rw.mu.Lock()
	defer rw.mu.Unlock()
	require.Len(t, rw.received, 1)
	assert.Equal(t, protocol.Deliver("hello"), rw.received[0])
}

func TestShardControllerSelfPassivationHandshake(t *testing.T) {
	clock := NewFakeClock(time.Now())
	manager := newTestManager(clock, NewNoneStrategy(discardLogger()), 4, time.Second)
	factory, _ := newRecordingWorkerFactory(false)

	ctl, err := NewShardController(manager, "s1", factory)
	require.NoError(t, err)

	require.NoError(t, ctl.RouteMessage("e1", "first"))
	ctl.RequestPassivation("e1", "bye")

	// Give the HandleStopAck watcher goroutine a chance to run; the
	// MailboxWorker closes its done channel synchronously as soon as its
	// run function returns, which happens as soon as it reads the stop
	// envelope, so polling briefly is sufficient without a real sleep.
	require.Eventually(t, func() bool {
		snap := ctl.SnapshotActive()
		if len(snap.ActiveIds) != 0 {
			return false
		}
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		_, stillThere := ctl.entities["e1"]
		return !stillThere
	}, time.Second, time.Millisecond)
}

func TestShardControllerBufferOverflowDropsOldest(t *testing.T) {
	clock := NewFakeClock(time.Now())
	manager := newTestManager(clock, NewNoneStrategy(discardLogger()), 2, time.Hour)
	factory, _ := newRecordingWorkerFactory(true) // worker never acks the stop

	ctl, err := NewShardController(manager, "s1", factory)
	require.NoError(t, err)

	require.NoError(t, ctl.RouteMessage("e1", "create"))
	ctl.RequestPassivation("e1", "stop-payload")

	// Now Passivating: every further RouteMessage call buffers instead of
	// delivering, and the buffer holds at most 2 entries.
	require.NoError(t, ctl.RouteMessage("e1", "m1"))
	require.NoError(t, ctl.RouteMessage("e1", "m2"))
	require.NoError(t, ctl.RouteMessage("e1", "m3"))

	ctl.mu.Lock()
	rec := ctl.entities["e1"]
	require.NotNil(t, rec)
	assert.Equal(t, StatePassivating, rec.state)
	assert.Equal(t, uint64(1), rec.buffer.Dropped())
	assert.Equal(t, []interface{}{"m2", "m3"}, rec.buffer.Drain())
	ctl.mu.Unlock()
}

func TestShardControllerHandoffTimeoutForceStops(t *testing.T) {
	clock := NewFakeClock(time.Now())
	manager := newTestManager(clock, NewNoneStrategy(discardLogger()), 4, 5*time.Second)
	factory, _ := newRecordingWorkerFactory(true) // never acks

	ctl, err := NewShardController(manager, "s1", factory)
	require.NoError(t, err)

	require.NoError(t, ctl.RouteMessage("e1", "create"))
	ctl.RequestPassivation("e1", "stop-payload")

	ctl.mu.Lock()
	_, stillThere := ctl.entities["e1"]
	ctl.mu.Unlock()
	assert.True(t, stillThere)

	clock.Advance(6 * time.Second)

	require.Eventually(t, func() bool {
		ctl.mu.Lock()
		defer ctl.mu.Unlock()
		_, ok := ctl.entities["e1"]
		return !ok
	}, time.Second, time.Millisecond)
}

func TestShardControllerRedeliversBufferedMessagesAfterStop(t *testing.T) {
	clock := NewFakeClock(time.Now())
	manager := newTestManager(clock, NewNoneStrategy(discardLogger()), 4, time.Hour)
	factory, workers := newRecordingWorkerFactory(false)

	ctl, err := NewShardController(manager, "s1", factory)
	require.NoError(t, err)

	require.NoError(t, ctl.RouteMessage("e1", "create"))
	ctl.RequestPassivation("e1", "stop-payload")

	// Buffer messages while the handshake is in flight. The worker
	// acknowledges the stop on its own goroutine, so these calls land
	// either while e1 is still Passivating (buffered, then redelivered to
	// a fresh worker after the ack) or after it was removed (delivered
	// straight to a fresh worker); either way the fresh worker gets them.
	require.NoError(t, ctl.RouteMessage("e1", "buffered-1"))
	require.NoError(t, ctl.RouteMessage("e1", "buffered-2"))

	require.Eventually(t, func() bool {
		v, ok := workers.Load(EntityId("e1"))
		if !ok {
			return false
		}
		rw := v.(*recordingWorker)
		rw.mu.Lock()
		defer rw.mu.Unlock()
		for _, env := range rw.received {
			if env.Op == protocol.OpDeliver && env.Data == "buffered-2" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// TestLRUScenarioTwoShardRebalance exercises the two-shard LRU rebalance
// scenario: a single shard filled to its limit, then a second shard
// activated, dividing the total budget and forcing oldest-first eviction.
func TestLRUScenarioTwoShardRebalance(t *testing.T) {
	clock := NewFakeClock(time.Now())
	strategy := NewLRUStrategy(10, discardLogger())
	manager := newTestManager(clock, strategy, 4, time.Second)
	factory, _ := newRecordingWorkerFactory(false)

	ctl1, err := NewShardController(manager, "shard1", factory)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, ctl1.RouteMessage(EntityId(entityName(i)), "A"))
	}
	snap := ctl1.SnapshotActive()
	assert.Len(t, snap.ActiveIds, 10)

	ctl2, err := NewShardController(manager, "shard2", factory)
	require.NoError(t, err)
	require.NoError(t, ctl2.RouteMessage("21", "B"))

	require.Eventually(t, func() bool {
		return len(ctl1.SnapshotActive().ActiveIds) == 5
	}, time.Second, time.Millisecond)

	remaining := map[EntityId]bool{}
	for _, id := range ctl1.SnapshotActive().ActiveIds {
		remaining[id] = true
	}
	for i := 6; i <= 10; i++ {
		assert.True(t, remaining[EntityId(entityName(i))], "entity %d should remain active", i)
	}
	for i := 1; i <= 5; i++ {
		assert.False(t, remaining[EntityId(entityName(i))], "entity %d should have been evicted", i)
	}

	snap2 := ctl2.SnapshotActive()
	assert.Equal(t, []EntityId{"21"}, snap2.ActiveIds)
}

func entityName(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return string(digits[i/10]) + string(digits[i%10])
}
