package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gamecast/broker/internal/events"
	"gamecast/broker/internal/registry"
	"gamecast/broker/internal/relay"
	"gamecast/broker/internal/transport"
)

// NewJoinHandler builds a Handler for events.TypeJoin: it rejects an unknown
// or inactive game_id, starts a relay listener forwarding channels into the
// client's room, joins the client to that room, and replies with the game's
// live details. channels is the configured relay channel set
// (config.RelayChannels), falling back to {scores, controls} if empty.
func NewJoinHandler(hub *transport.Hub, reg *registry.Registry, rel *relay.Relay, channels []string) Handler {
	if len(channels) == 0 {
		channels = []string{string(events.ChannelScores), string(events.ChannelControls)}
	}

	return func(ctx context.Context, client *transport.Client, env events.Envelope) error {
		gameID := strings.TrimSpace(env.GameID)
		if gameID == "" {
			return fmt.Errorf("join requires a game_id")
		}
		s, ok := reg.Get(gameID)
		if !ok {
			return fmt.Errorf("game %q is not active", gameID)
		}

		if err := rel.StartListener(ctx, gameID, channels, relayProcessor); err != nil {
			return fmt.Errorf("start relay listener: %w", err)
		}

		hub.Join(client, gameID)

		gameDetails, err := s.GetMetadata()
		if err != nil {
			return fmt.Errorf("load game details for %q: %w", gameID, err)
		}
		data, err := json.Marshal(gameDetails)
		if err != nil {
			return fmt.Errorf("marshal game details: %w", err)
		}

		joinEnvelope := events.Envelope{Type: events.TypeJoin, GameID: gameID, Data: data}
		raw, err := joinEnvelope.Marshal()
		if err != nil {
			return fmt.Errorf("marshal join envelope: %w", err)
		}
		hub.Send(client, raw)
		return nil
	}
}

// relayProcessor forwards any envelope on the relayed channels verbatim,
// naming the outbound event after the envelope's type.
func relayProcessor(raw []byte) (eventName string, payload []byte, ok bool) {
	env, err := events.ParseEnvelope(raw)
	if err != nil {
		return "", nil, false
	}
	return string(env.Type), raw, true
}
