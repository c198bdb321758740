package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends events to a Redis stream, one stream per event kind
// under a common prefix. Consumers read with consumer groups; delivery retry
// is the stream's concern.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher creates a publisher writing to <prefix>:<kind> streams.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = "lifecycle"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("bus: marshal detail for %s: %w", e.Kind, err)
	}
	stream := fmt.Sprintf("%s:%s", p.prefix, e.Kind)
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"kind": string(e.Kind), "detail": string(detail)},
	}).Err(); err != nil {
		return fmt.Errorf("bus: xadd %s: %w", stream, err)
	}
	return nil
}
