package sharding

import (
	"sync"
	"time"

	"github.com/EdwardLuke/passivation/protocol"
	"github.com/rs/zerolog"
)

// entityRecord is the per-entity bookkeeping a ShardController owns
// exclusively.
type entityRecord struct {
	state       EntityState
	worker      WorkerHandle
	lastTouched time.Time
	createdAt   time.Time
	buffer      *EntityBuffer
	handoff     Timer
}

// ShardController is the per-shard coordinator: it routes messages to
// entity workers and mediates the two-phase passivation handshake. A
// ShardController is single-threaded cooperative processing realized as
// mutual exclusion: every public method acquires the shard's own lock,
// so operations on one shard serialize the way a single goroutine
// draining one mailbox would, without requiring an explicit
// channel-fed actor loop.
type ShardController struct {
	manager *Manager
	shard   ShardId
	log     zerolog.Logger
	clock   Clock
	factory WorkerFactory

	mu       sync.Mutex
	entities map[EntityId]*entityRecord
}

// NewShardController registers shard with manager and returns a
// controller ready to route traffic. factory lazily creates a worker the
// first time an EntityId is seen.
func NewShardController(manager *Manager, shard ShardId, factory WorkerFactory) (*ShardController, error) {
	if err := manager.Register(shard); err != nil {
		return nil, err
	}

	c := &ShardController{
		manager:  manager,
		shard:    shard,
		log:      manager.log.With().Str("shard", string(shard)).Logger(),
		clock:    manager.clock,
		factory:  factory,
		entities: make(map[EntityId]*entityRecord),
	}
	manager.bindController(shard, c)
	return c, nil
}

// RouteMessage lazily activates id if absent,
// record the create/access event, apply any returned intents, then either
// deliver msg now (id is Active) or buffer it (id is Passivating).
func (c *ShardController) RouteMessage(id EntityId, msg interface{}) error {
	c.mu.Lock()

	rec, exists := c.entities[id]
	now := c.clock.Now()

	if !exists {
		worker := c.factory(c.shard, id)
		rec = &entityRecord{
			state:       StateActive,
			worker:      worker,
			lastTouched: now,
			createdAt:   now,
			buffer:      NewEntityBuffer(c.manager.Config.BufferSize),
		}
		c.entities[id] = rec

		c.mu.Unlock()
		intents, err := c.manager.RecordCreate(c.shard, id, now)
		if err != nil {
			return err
		}
		c.manager.applyIntents(intents)
		c.mu.Lock()
	} else if rec.state == StateActive {
		rec.lastTouched = now

		c.mu.Unlock()
		intents, err := c.manager.RecordAccess(c.shard, id, now)
		if err != nil {
			return err
		}
		c.manager.applyIntents(intents)
		c.mu.Lock()
	}
	// A Passivating entity's access is deliberately NOT forwarded to
	// recordAccess: re-admitting an entity mid-eviction into the
	// recency/idle trackers would violate the invariant that an id
	// appears in recency iff Active. The message is still buffered below
	// so FIFO ordering holds once the entity restarts.

	rec = c.entities[id]
	if rec == nil {
		// The entity was fully stopped and reaped by an intent applied
		// while we held no lock above; treat as a fresh arrival.
		c.mu.Unlock()
		return c.RouteMessage(id, msg)
	}

	switch rec.state {
	case StateActive:
		c.mu.Unlock()
		return rec.worker.Send(protocol.Deliver(msg))
	default:
		if rec.buffer.Push(msg) {
			c.log.Warn().Str("entity", string(id)).Msg("entity buffer full, dropped oldest message")
		}
		c.mu.Unlock()
		return nil
	}
}

// applyExternalIntent is called by the Manager for an intent naming id on
// this shard. It begins the
// passivation handshake unless id is already Passivating, in which case
// the intent is a legal no-op (the handshake is already underway).
func (c *ShardController) applyExternalIntent(id EntityId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entities[id]
	if !ok || rec.state != StateActive {
		return
	}
	c.beginPassivateLocked(id, rec, protocol.Stop(nil))
}

// RequestPassivation is the self-request path: a worker asks its own
// controller to begin passivation,
// supplying the stop message it wants used as the terminal signal.
func (c *ShardController) RequestPassivation(id EntityId, stopMsg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entities[id]
	if !ok || rec.state != StateActive {
		return
	}
	// No Strategy intent precedes a self-request, so the entity is dropped
	// from the Strategy's recency/idle tracking here.
	c.manager.strategy.OnStop(c.shard, id)
	c.beginPassivateLocked(id, rec, protocol.Stop(stopMsg))
}

// beginPassivateLocked executes handshake step 1: send the terminal
// signal, transition to Passivating, drop the entity from recency (done
// inside the Strategy at intent-emission time, or by RequestPassivation
// for a self-request), and arm the handoff
// timer. Must be called with c.mu held.
func (c *ShardController) beginPassivateLocked(id EntityId, rec *entityRecord, stop protocol.Envelope) {
	rec.state = StatePassivating
	if rec.buffer == nil {
		rec.buffer = NewEntityBuffer(c.manager.Config.BufferSize)
	}

	if err := rec.worker.Send(stop); err != nil {
		c.log.Warn().Str("entity", string(id)).Err(err).Msg("failed to deliver stop signal; proceeding as if acknowledged")
		c.completeStopLocked(id)
		return
	}

	timeout := c.manager.Config.HandOffTimeout
	rec.handoff = c.clock.AfterFunc(timeout, func() {
		c.onHandoffTimeout(id)
	})

	terminated := rec.worker.Terminated()
	go func() {
		<-terminated
		if err := c.HandleStopAck(id); err != nil {
			c.log.Warn().Str("entity", string(id)).Err(err).Msg("stop-ack handling failed")
		}
	}()

	c.log.Debug().Str("entity", string(id)).Msg("passivating entity")
}

// onHandoffTimeout force-terminates id if it has not yet acknowledged the
// stop signal. This is an expected fallback path, not an error.
func (c *ShardController) onHandoffTimeout(id EntityId) {
	c.mu.Lock()
	rec, ok := c.entities[id]
	if !ok || rec.state != StatePassivating {
		c.mu.Unlock()
		return
	}
	c.log.Warn().Str("entity", string(id)).Msg("handoff timeout, force-terminating")
	c.completeStopLocked(id)
	c.mu.Unlock()

	c.redrainAfterStop(id, rec)
}

// HandleStopAck is called when a worker's Terminated channel closes,
// acknowledging the terminal stop signal. A worker acknowledging
// termination while not Passivating is an invalid state transition:
// strict mode returns an error, lenient mode logs and resynchronizes by
// treating it as Stopped anyway.
func (c *ShardController) HandleStopAck(id EntityId) error {
	c.mu.Lock()
	rec, ok := c.entities[id]
	if !ok {
		c.mu.Unlock()
		return nil
	}

	if rec.state != StatePassivating {
		if c.manager.Config.StrictMode {
			c.mu.Unlock()
			return ErrInvalidStateTransition
		}
		c.log.Warn().Str("entity", string(id)).Str("state", rec.state.String()).
			Msg("stop-ack for entity not Passivating; resynchronizing to Stopped")
	}

	c.completeStopLocked(id)
	c.mu.Unlock()

	c.redrainAfterStop(id, rec)
	return nil
}

// completeStopLocked performs the Passivating -> Stopped -> removed
// transition. Must be called with c.mu held; does not itself redeliver
// buffered messages, since that requires releasing the lock first.
func (c *ShardController) completeStopLocked(id EntityId) {
	rec := c.entities[id]
	if rec.handoff != nil {
		rec.handoff.Stop()
	}
	delete(c.entities, id)
	if err := c.manager.RecordStop(c.shard, id); err != nil {
		c.log.Warn().Str("entity", string(id)).Err(err).Msg("recordStop failed")
	}
}

// redrainAfterStop re-routes every buffered message for a just-stopped
// entity, lazily recreating a fresh Active instance and preserving FIFO
// order.
func (c *ShardController) redrainAfterStop(id EntityId, rec *entityRecord) {
	if rec == nil || rec.buffer == nil {
		return
	}
	for _, msg := range rec.buffer.Drain() {
		if err := c.RouteMessage(id, msg); err != nil {
			c.log.Warn().Str("entity", string(id)).Err(err).Msg("failed to redeliver buffered message")
		}
	}
}

// deactivate cancels all pending handoff timers and force-stops any
// still-Passivating entities immediately, without redelivering their
// buffers since the shard is no longer hosted.
func (c *ShardController) deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, rec := range c.entities {
		if rec.state != StatePassivating {
			continue
		}
		if rec.handoff != nil {
			rec.handoff.Stop()
		}
		delete(c.entities, id)
	}
}

// BufferedCount returns the total number of messages currently queued
// across every entity's buffer on this shard. Non-zero only while at
// least one entity is Passivating.
func (c *ShardController) BufferedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, rec := range c.entities {
		if rec.buffer != nil {
			total += rec.buffer.Len()
		}
	}
	return total
}

// SnapshotActive returns every entity id currently Active on this shard.
func (c *ShardController) SnapshotActive() CurrentShardState {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ids []EntityId
	for id, rec := range c.entities {
		if rec.state == StateActive {
			ids = append(ids, id)
		}
	}
	return CurrentShardState{Shard: c.shard, ActiveIds: ids}
}
