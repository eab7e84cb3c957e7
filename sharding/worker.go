package sharding

import (
	"sync"

	"github.com/EdwardLuke/passivation/protocol"
)

// WorkerHandle is the address of an entity's running worker: everything a
// shard controller needs to drive the passivation handshake.
type WorkerHandle interface {
	// Send delivers env to the worker's mailbox. For MailboxWorker it
	// blocks while the mailbox is full and returns an error once the
	// worker is seen to have terminated.
	Send(env protocol.Envelope) error

	// Terminated returns a channel closed once the worker has drained
	// and returned, acknowledging a prior OpStop.
	Terminated() <-chan struct{}
}

// WorkerFactory creates a fresh WorkerHandle for id on shard, the moment
// the shard controller lazily activates it.
type WorkerFactory func(shard ShardId, id EntityId) WorkerHandle

// MailboxWorker is a channel-backed WorkerHandle suitable both for real
// entity implementations and for tests. A dedicated mutex serializes
// sends so two goroutines racing to deliver never interleave envelopes.
type MailboxWorker struct {
	mailbox chan protocol.Envelope
	done    chan struct{}

	wmu    sync.Mutex
	closed bool
}

// NewMailboxWorker creates a worker mailbox with the given buffer size and
// starts run in its own goroutine, handing it the inbound channel. The
// Terminated channel is closed once run returns (acknowledging
// termination).
func NewMailboxWorker(bufferSize int, run func(inbox <-chan protocol.Envelope)) *MailboxWorker {
	w := &MailboxWorker{
		mailbox: make(chan protocol.Envelope, bufferSize),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		run(w.mailbox)
	}()

	return w
}

// Send enqueues env. Returns an error if the worker already terminated.
func (w *MailboxWorker) Send(env protocol.Envelope) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()

	if w.closed {
		return errWorkerTerminated
	}

	select {
	case <-w.done:
		w.closed = true
		return errWorkerTerminated
	default:
	}

	w.mailbox <- env
	return nil
}

// Terminated returns the channel closed when run returns.
func (w *MailboxWorker) Terminated() <-chan struct{} {
	return w.done
}
