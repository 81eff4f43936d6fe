package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Bus is the two-tier fan-out. Publish pushes an envelope onto the shared
// Redis channel; Run relays every envelope arriving on that channel, local
// or remote in origin, into the local hub. Local delivery deliberately goes
// through the broadcast round-trip so that routing behaves identically no
// matter how many instances are running.
type Bus struct {
	hub     *Hub
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// New constructs a bus over the given hub and Redis client.
func New(hub *Hub, client *redis.Client, channel string, logger zerolog.Logger) *Bus {
	return &Bus{
		hub:     hub,
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "bus").Logger(),
	}
}

// Hub exposes the local room registry, for transports to subscribe against.
func (b *Bus) Hub() *Hub {
	return b.hub
}

// Publish wraps the event and pushes it to the shared broadcast channel.
// Delivery to subscribers is best-effort; there is no backpressure to the
// publisher.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	env, err := Wrap(event)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish to broadcast channel: %w", err)
	}
	return nil
}

// Run subscribes to the broadcast channel and relays received envelopes to
// the local hub until ctx is cancelled. The embedded routing hint in the
// payload picks the local rooms, so no instance needs to know where a given
// agent's socket is connected.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// Force the subscription before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe broadcast channel: %w", err)
	}

	b.logger.Info().Str("channel", b.channel).Msg("relaying broadcast events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.relay(msg.Payload)
		}
	}
}

func (b *Bus) relay(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Warn().Err(err).Msg("dropping malformed broadcast envelope")
		return
	}

	event, err := Decode(env)
	if err != nil {
		b.logger.Warn().Err(err).Str("topic", env.Topic).Msg("dropping undecodable broadcast event")
		return
	}

	b.hub.Deliver(env, event.Rooms())
}
