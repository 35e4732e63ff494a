package grpcapi

import (
	"context"
	"fmt"

	"gamecast/broker/internal/broker"
	"gamecast/broker/internal/events"
	"gamecast/broker/internal/registry"
)

// WatchEvent carries one opaque channel message out of a game's broker
// subscription, tagged with the channel its event type belongs to (see
// classifyChannel) rather than the channel it arrived on.
type WatchEvent struct {
	Channel string
	Payload []byte
}

// GameBridge aggregates the dependencies an admin streaming session needs:
// a live feed of a game's broker traffic, and a way to push control
// commands back onto it.
type GameBridge interface {
	// Watch subscribes to the named channels under gameID and returns a
	// channel of tagged events. The returned cancel func releases the
	// subscription; it must be called exactly once.
	Watch(ctx context.Context, gameID string, channels []string) (<-chan WatchEvent, func(), error)

	// SubmitControl republishes a control payload onto a game's controls
	// channel, provided the game has an active scheduler.
	SubmitControl(ctx context.Context, gameID string, payload []byte) error
}

// BrokerBridge implements GameBridge over a broker.Broker and a scheduler
// registry, rejecting games that are not currently running.
type BrokerBridge struct {
	broker   broker.Broker
	registry *registry.Registry
}

// NewBrokerBridge constructs a GameBridge backed by br and reg.
func NewBrokerBridge(br broker.Broker, reg *registry.Registry) *BrokerBridge {
	return &BrokerBridge{broker: br, registry: reg}
}

// Watch implements GameBridge.
func (b *BrokerBridge) Watch(ctx context.Context, gameID string, channels []string) (<-chan WatchEvent, func(), error) {
	if b == nil || b.broker == nil {
		return nil, nil, fmt.Errorf("broker bridge not configured")
	}
	if !b.registry.Has(gameID) {
		return nil, nil, fmt.Errorf("game %q has no active scheduler", gameID)
	}
	sub, err := b.broker.Subscribe(ctx, gameID, channels)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan WatchEvent)
	go func() {
		defer close(out)
		for raw := range sub.Messages() {
			select {
			case out <- WatchEvent{Channel: classifyChannel(raw), Payload: raw}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, sub.Close, nil
}

// classifyChannel labels a raw broker message by the kind of event it
// carries, for callers that watch more than one channel at once and need
// to tell score updates apart from control commands.
func classifyChannel(raw []byte) string {
	env, err := events.ParseEnvelope(raw)
	if err != nil {
		return "unknown"
	}
	switch env.Type {
	case events.TypeScoreUpdate:
		return string(events.ChannelScores)
	case events.TypeControlStart, events.TypeControlPause, events.TypeControlResume, events.TypeControlSpeed:
		return string(events.ChannelControls)
	default:
		return "unknown"
	}
}

// SubmitControl implements GameBridge.
func (b *BrokerBridge) SubmitControl(ctx context.Context, gameID string, payload []byte) error {
	if b == nil || b.broker == nil {
		return fmt.Errorf("broker bridge not configured")
	}
	if !b.registry.Has(gameID) {
		return fmt.Errorf("game %q has no active scheduler", gameID)
	}
	_, err := b.broker.Publish(ctx, gameID, string(events.ChannelControls), payload)
	return err
}
