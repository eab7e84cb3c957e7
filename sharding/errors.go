package sharding

import "errors"

// ErrUnknownShard is returned when an event is recorded for a shard that
// has not been registered with the Manager. Under correct use with the
// LeastRecentlyUsed strategy this cannot happen, since controllers must
// register before accepting traffic.
var ErrUnknownShard = errors.New("passivation: unknown shard")

// ErrInvalidStateTransition is returned (strict mode) or logged (lenient
// mode) when an event contradicts the entity's recorded state, e.g. an
// onStop for an entity that was not Passivating.
var ErrInvalidStateTransition = errors.New("passivation: invalid entity state transition")

// errWorkerTerminated is returned by MailboxWorker.Send once the worker's
// run function has returned.
var errWorkerTerminated = errors.New("passivation: worker already terminated")
