package sharding

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/stan.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"
)

// intentStreamEvent is the wire envelope published for every emitted
// PassivateIntent: a Type tag plus its Data, msgpack-tagged for transit
// over STAN/NATS.
type intentStreamEvent struct {
	Type string      `msgpack:"i"`
	Data interface{} `msgpack:"d"`
}

// IntentEvent is the payload carried inside an intentStreamEvent for a
// single passivation decision.
type IntentEvent struct {
	Shard  ShardId   `msgpack:"shard"`
	Entity EntityId  `msgpack:"entity"`
	Reason string    `msgpack:"reason"`
	At     time.Time `msgpack:"at"`
}

// StanNotifier publishes passivation intents to a NATS Streaming subject.
type StanNotifier struct {
	nc      *nats.Conn
	sc      stan.Conn
	subject string
	log     zerolog.Logger
}

// NewStanNotifier connects to address/cluster/clientID and publishes
// under subjectPrefix.<shard>.intents.
func NewStanNotifier(address, cluster, clientID, subjectPrefix string, log zerolog.Logger) (*StanNotifier, error) {
	nc, err := nats.Connect(address)
	if err != nil {
		return nil, err
	}

	sc, err := stan.Connect(cluster, clientID, stan.NatsConn(nc))
	if err != nil {
		nc.Close()
		return nil, err
	}

	if subjectPrefix == "" {
		subjectPrefix = "passivation"
	}

	return &StanNotifier{nc: nc, sc: sc, subject: subjectPrefix, log: log}, nil
}

// NotifyIntents publishes each intent in order. Publish failures are
// logged at Warn and otherwise swallowed: the Manager calls this before
// the shard controller applies the intents, and they are applied whether
// or not this side-channel delivers them.
func (n *StanNotifier) NotifyIntents(shard ShardId, intents []PassivateIntent) {
	for _, intent := range intents {
		payload, err := msgpack.Marshal(intentStreamEvent{
			Type: "passivate_intent",
			Data: IntentEvent{
				Shard:  intent.Shard,
				Entity: intent.Entity,
				Reason: intent.Reason,
				At:     intent.At,
			},
		})
		if err != nil {
			n.log.Warn().Err(err).Msg("failed to encode intent event")
			continue
		}

		subject := n.subject + "." + string(shard) + ".intents"
		if err := n.sc.Publish(subject, payload); err != nil {
			n.log.Warn().Str("shard", string(shard)).Err(err).Msg("failed to publish intent event")
		}
	}
}

// Close releases the underlying STAN and NATS connections.
func (n *StanNotifier) Close() error {
	err := n.sc.Close()
	n.nc.Close()
	return err
}
