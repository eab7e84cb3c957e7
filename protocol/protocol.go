// Package protocol defines the logical envelope exchanged between a shard
// controller and an entity worker: Stop and Deliver. It mirrors the
// Op+Data envelope pattern of a gateway wire protocol, but carries no
// wire format of its own — entities live in-process, so Data stays
// interface{} rather than json.RawMessage.
//
// A worker's self-passivation request does not travel as an inbound
// Envelope: the shard controller is reached through a direct method call
// (ShardController.RequestPassivation), consistent with this package's
// mutex-based controller instead of a channel-fed actor loop. There is
// accordingly no OpPassivate.
package protocol

// Op identifies the kind of message carried by an Envelope.
type Op int

const (
	// OpDeliver carries a normal application payload from the controller
	// to the worker.
	OpDeliver Op = iota
	// OpStop is the terminal signal sent by the controller; the worker
	// must terminate after draining.
	OpStop
)

func (o Op) String() string {
	switch o {
	case OpDeliver:
		return "deliver"
	case OpStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Envelope wraps a logical message with its Op so a worker's single
// inbound channel can distinguish application traffic from lifecycle
// signals.
type Envelope struct {
	Op   Op          `json:"op" msgpack:"op"`
	Data interface{} `json:"d" msgpack:"d"`
}

// Deliver wraps an application payload for normal routing.
func Deliver(payload interface{}) Envelope {
	return Envelope{Op: OpDeliver, Data: payload}
}

// Stop wraps the terminal stop signal.
func Stop(payload interface{}) Envelope {
	return Envelope{Op: OpStop, Data: payload}
}
