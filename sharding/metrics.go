package sharding

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisMetricsSink mirrors aggregate per-shard gauges to Redis for
// external dashboards. Only counts are stored, never entity identities:
// remembering entities across restarts is an external collaborator's
// concern, not this sink's.
type RedisMetricsSink struct {
	client *redis.Client
	prefix string
	log    zerolog.Logger
	ctx    context.Context
}

// NewRedisMetricsSink connects to address and returns a sink keying every
// gauge hash under prefix:shard.
func NewRedisMetricsSink(address, password string, db int, prefix string, log zerolog.Logger) (*RedisMetricsSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "passivation"
	}

	return &RedisMetricsSink{client: client, prefix: prefix, log: log, ctx: ctx}, nil
}

func (s *RedisMetricsSink) key(shard ShardId) string {
	return fmt.Sprintf("%s:%s", s.prefix, shard)
}

// RecordGauges writes the snapshot's fields as a Redis hash. Failures are
// logged and otherwise swallowed: this sink is an observability
// side-channel, never on the passivation critical path.
func (s *RedisMetricsSink) RecordGauges(shard ShardId, snapshot GaugeSnapshot) {
	err := s.client.HSet(s.ctx, s.key(shard),
		"active", snapshot.Active,
		"buffered", snapshot.Buffered,
		"evictions", snapshot.Evictions,
	).Err()
	if err != nil {
		s.log.Warn().Str("shard", string(shard)).Err(err).Msg("failed to record gauges")
	}
}

// ClearShard deletes every gauge key recorded for shard, using a
// SCAN+DEL Lua script scoped to this one shard's key prefix.
func (s *RedisMetricsSink) ClearShard(shard ShardId) {
	_, err := s.client.Eval(
		s.ctx,
		`local count, cursor = 0, "0"
		while true do
			local req = redis.call("SCAN", cursor, "MATCH", ARGV[1], "COUNT", ARGV[2])
			if #req[2] > 0 then redis.call("DEL", unpack(req[2])) end
			count, cursor = count + #req[2], req[1]
			if cursor == "0" then break end
		end
		return count`,
		[]string{},
		s.key(shard),
		64,
	).Result()
	if err != nil {
		s.log.Warn().Str("shard", string(shard)).Err(err).Msg("failed to clear gauges")
	}
}

// Close releases the underlying Redis connection.
func (s *RedisMetricsSink) Close() error {
	return s.client.Close()
}
