package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gamecast/broker/internal/auth"
	"gamecast/broker/internal/broker"
	"gamecast/broker/internal/events"
	"gamecast/broker/internal/registry"
	"gamecast/broker/internal/transport"
)

// ErrUnauthorizedControl is returned when a control message's token fails
// validation.
var ErrUnauthorizedControl = errors.New("unauthorized control command")

type tokenPayload struct {
	Token string `json:"token"`
}

type speedPayload struct {
	Speed float64 `json:"speed"`
}

// SpeedSchema validates the game.control.speed wire constraint 1 ≤ speed ≤ 7.
func SpeedSchema(data json.RawMessage) error {
	var payload speedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode speed payload: %w", err)
	}
	if payload.Speed < 1 || payload.Speed > 7 {
		return fmt.Errorf("speed must satisfy 1 <= speed <= 7, got %v", payload.Speed)
	}
	return nil
}

// NewControlHandler builds a Handler for control event types (start, pause,
// resume, speed): it authorizes the command's embedded token, confirms a
// scheduler is running for the target game, strips the token, and republishes
// the command onto the broker's controls channel for the scheduler to
// consume.
func NewControlHandler(validator auth.Validator, reg *registry.Registry, br broker.Broker) Handler {
	return func(ctx context.Context, client *transport.Client, env events.Envelope) error {
		var token tokenPayload
		if err := json.Unmarshal(env.Data, &token); err != nil {
			return fmt.Errorf("decode control payload: %w", err)
		}
		if validator == nil || !validator.Validate(token.Token) {
			return ErrUnauthorizedControl
		}
		if !reg.Has(env.GameID) {
			return fmt.Errorf("no active scheduler for game %q", env.GameID)
		}

		stripped, err := stripToken(env.Data)
		if err != nil {
			return fmt.Errorf("strip control token: %w", err)
		}

		outbound := events.Envelope{Type: env.Type, GameID: env.GameID, Data: stripped}
		payload, err := outbound.Marshal()
		if err != nil {
			return fmt.Errorf("marshal control command: %w", err)
		}
		if _, err := br.Publish(ctx, env.GameID, string(events.ChannelControls), payload); err != nil {
			return fmt.Errorf("publish control command: %w", err)
		}
		return nil
	}
}

func stripToken(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	delete(fields, "token")
	return json.Marshal(fields)
}
