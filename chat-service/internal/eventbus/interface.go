// Package eventbus publishes domain events to external consumers.
package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Event types.
const (
	EventMessageCreated = "message_created"
	EventSLABreach      = "sla_breach"
	EventSLAWarning     = "sla_warning"
)

// Bus publishes events. Publishing is fire-and-forget from the caller's point
// of view: callers log a returned error and move on.
type Bus interface {
	PublishEvent(ctx context.Context, topic string, payload map[string]interface{}) error
	Close() error
}

type Config struct {
	Driver     string // kafka, redis, memory, nop
	Brokers    string
	Partitions int
	Topics     []string
}

// New builds the configured bus. The redis driver reuses rdb.
func New(cfg Config, rdb *redis.Client) (Bus, error) {
	switch strings.ToLower(cfg.Driver) {
	case "kafka":
		return NewConfluentProducer(cfg.Brokers, cfg.Partitions, cfg.Topics...)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis event bus requires a redis client")
		}
		return NewRedisBus(rdb), nil
	case "memory":
		return NewMemoryBus(), nil
	case "", "nop":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown event bus driver: %s", cfg.Driver)
	}
}

// partitionKey keys events by thread so one thread's events stay ordered.
func partitionKey(payload map[string]interface{}) []byte {
	if v, ok := payload["thread_id"]; ok {
		return []byte(fmt.Sprint(v))
	}
	return nil
}
