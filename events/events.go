// Package events publishes race lifecycle events to Redis for stream
// overlays and other listeners.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/condorbot/league"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "condor:events"

// publishClient is the part of the redis client the publisher needs.
type publishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Publisher is a league.Publisher that PUBLISHes JSON-encoded events.
type Publisher struct {
	rdb     publishClient
	channel string
	log     *slog.Logger
}

var _ league.Publisher = (*Publisher)(nil)

// Connect dials Redis at addr and verifies the connection.
func Connect(ctx context.Context, addr, password, channel string) (*Publisher, *redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return New(rdb, channel), rdb, nil
}

// New wraps an existing client.
func New(rdb publishClient, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{
		rdb:     rdb,
		channel: channel,
		log:     slog.Default().With(slog.String("component", "events"), slog.String("channel", channel)),
	}
}

func (p *Publisher) Channel() string { return p.channel }

// Publish sends ev. Having no subscribers is not an error.
func (p *Publisher) Publish(ctx context.Context, ev league.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	n, err := p.rdb.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Type, err)
	}
	p.log.Debug("event published", slog.String("type", string(ev.Type)), slog.Int64("receivers", n))
	return nil
}

// Ping reports whether Redis is reachable.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Subscribe streams decoded events from channel until ctx is done. It
// returns once the subscription is confirmed. Payloads that do not decode
// are logged and skipped.
func Subscribe(ctx context.Context, rdb *redis.Client, channel string) (<-chan league.Event, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	log := slog.Default().With(slog.String("component", "events"), slog.String("channel", channel))
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	out := make(chan league.Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev league.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn("bad event payload", slog.Any("err", err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
