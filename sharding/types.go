package sharding

import "time"

// EntityId uniquely identifies an entity within a shard.
type EntityId string

// ShardId uniquely identifies a shard within the node.
type ShardId string

// EntityState is the lifecycle state of an entity within a shard.
type EntityState int

const (
	// StateActive means the entity has a live worker routing messages.
	StateActive EntityState = iota
	// StatePassivating means a stop signal has been sent and the worker
	// has not yet acknowledged termination.
	StatePassivating
	// StateStopped is transient: the worker acknowledged termination and
	// the entity is about to be removed from activeEntities.
	StateStopped
)

func (s EntityState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePassivating:
		return "passivating"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PassivateIntent is the decision unit emitted by a Strategy: the named
// entity on the named shard should begin passivation. Reason and At
// identify why and when the Strategy made the call, so subscribers
// downstream (the intent Notifier) can report more than a bare id.
type PassivateIntent struct {
	Shard  ShardId
	Entity EntityId
	Reason string
	At     time.Time
}

// CurrentShardState is the administrative query response listing every
// entity id currently Active on a shard.
type CurrentShardState struct {
	Shard     ShardId    `json:"shard"`
	ActiveIds []EntityId `json:"active_ids"`
}
