// Package config decodes and validates the flat-key configuration surface
// for the passivation node, the same way a gateway package decodes its
// own configuration with json-iterator.
package config

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StrategyName is the configured passivation.strategy value.
type StrategyName string

const (
	StrategyNone StrategyName = "none"
	StrategyIdle StrategyName = "idle"
	StrategyLRU  StrategyName = "least-recently-used"
)

// Sentinel errors wrapped by ValidationError, identifying which kind of
// validation failure occurred regardless of which field it was attached
// to.
var (
	ErrUnknownStrategy    = errors.New("unknown passivation.strategy")
	ErrInvalidIdleTimeout = errors.New("passivation.idle.timeout must be > 0")
	ErrInvalidLRULimit    = errors.New("passivation.least-recently-used.limit must be > 0")
)

// ValidationError reports a single invalid Configuration field.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Configuration is the fully parsed, validated configuration surface,
// covering both the passivation strategy knobs and the ambient/domain
// collaborators (notification, metrics, admin).
type Configuration struct {
	Strategy StrategyName `json:"passivation.strategy"`

	IdleTimeout       Duration `json:"passivation.idle.timeout"`
	IdleLegacyTimeout Duration `json:"passivation.idle.legacyTimeout"`
	LRULimit          int      `json:"passivation.least-recently-used.limit"`

	BufferSize     int      `json:"tuning.bufferSize"`
	HandOffTimeout Duration `json:"tuning.handOffTimeout"`

	LoggingLevel string `json:"logging.level"`

	NotifyNatsAddress string `json:"notify.nats.address"`
	NotifyNatsCluster string `json:"notify.nats.cluster"`
	NotifyNatsClient  string `json:"notify.nats.client"`

	MetricsRedisAddress string `json:"metrics.redis.address"`
	MetricsRedisPrefix  string `json:"metrics.redis.prefix"`

	AdminListenAddress string `json:"admin.listenAddress"`
}

// Duration unmarshals from either a Go duration string ("30s") or an
// unquoted JSON number of nanoseconds; a quoted number without a unit is
// rejected.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("config: invalid duration value %v", raw)
	}
	return nil
}

// Decode parses flat-key JSON configuration bytes.
func Decode(data []byte) (Configuration, error) {
	var cfg Configuration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate checks the configured strategy's required parameters: an
// unknown strategy name, a non-positive idle timeout under Idle, or a
// non-positive LRU limit under LeastRecentlyUsed are all configuration
// errors.
func (c Configuration) Validate() error {
	switch c.Strategy {
	case StrategyNone:
		// no further constraints
	case StrategyIdle:
		if time.Duration(c.IdleTimeout) <= 0 {
			return &ValidationError{Field: "passivation.idle.timeout", Err: ErrInvalidIdleTimeout}
		}
	case StrategyLRU:
		if c.LRULimit <= 0 {
			return &ValidationError{Field: "passivation.least-recently-used.limit", Err: ErrInvalidLRULimit}
		}
	default:
		return &ValidationError{Field: "passivation.strategy", Err: fmt.Errorf("%w: %q", ErrUnknownStrategy, c.Strategy)}
	}

	return nil
}

// LegacyIdleWarning reports whether the deprecated legacy idle timeout
// field is set in a way worth flagging: the explicit strategy is always
// authoritative, so a warning is due whenever the legacy field is set
// while the configured strategy isn't Idle, or when both are set but
// disagree on the timeout value.
func (c Configuration) LegacyIdleWarning() bool {
	if time.Duration(c.IdleLegacyTimeout) <= 0 {
		return false
	}
	if c.Strategy != StrategyIdle {
		return true
	}
	return c.IdleLegacyTimeout != c.IdleTimeout
}
