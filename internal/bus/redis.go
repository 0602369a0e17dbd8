// ============================================================================
// Redis Event Bus Adapter
// ============================================================================
//
// Package: internal/bus
// File: redis.go
// Purpose: Bus implementation over Redis pub/sub channels
//
// Behavior:
//   - Publish marshals to JSON and PUBLISHes; errors are logged and swallowed
//   - Subscribe wraps a Redis PubSub and forwards into a Go channel until
//     the subscriber context is cancelled
//   - Startup pings the server so a dead bus fails fast at process start
//     instead of silently dropping the first publishes
//
// ============================================================================

package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus is the production Bus backed by Redis pub/sub
type RedisBus struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBus connects to the Redis endpoint at addr and verifies liveness
//
// Parameters:
//   - addr: host:port of the Redis server
//   - logger: Structured logger for publish/subscribe diagnostics
//
// Returns:
//   - *RedisBus: Connected bus
//   - error: Connection failure (fatal at startup per the error design)
func NewRedisBus(addr string, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisBus{client: client, logger: logger}, nil
}

// Publish fans payload out on channel, logging and swallowing failures
func (b *RedisBus) Publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("Failed to marshal event", "channel", channel, "error", err)
		return
	}

	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.logger.Error("Failed to publish event", "channel", channel, "error", err)
		return
	}

	b.logger.Debug("Published event", "channel", channel, "payload", string(data))
}

// Subscribe streams messages on the given channels until ctx is cancelled
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	ps := b.client.Subscribe(ctx, channels...)

	// Force the subscription onto the wire before returning so callers do
	// not miss events published immediately after Subscribe.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer func() { _ = ps.Close() }()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Data: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Close releases the Redis connection
func (b *RedisBus) Close() error {
	return b.client.Close()
}
