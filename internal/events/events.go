// Package events defines the single closed enumeration of wire event types
// and the envelope shape carried over the broker and the client transport.
package events

import (
	"encoding/json"
	"fmt"
)

// Type is the closed enumeration of wire event strings. Every dispatch
// decision in the router keys off one of these values; there is exactly one
// enumeration, not the overlapping ClientEvent/MessageType/GameEvent trio a
// historical split would otherwise invite.
type Type string

const (
	// TypeJoin is emitted by a client to join a game's room and echoed back
	// with game metadata once the join succeeds.
	TypeJoin Type = "game.join"
	// TypeControlStart starts a scheduler from NOT_STARTED.
	TypeControlStart Type = "game.control.start"
	// TypeControlPause pauses a running scheduler.
	TypeControlPause Type = "game.control.pause"
	// TypeControlResume resumes a paused scheduler.
	TypeControlResume Type = "game.control.resume"
	// TypeControlSpeed adjusts a scheduler's emission interval.
	TypeControlSpeed Type = "game.control.speed"
	// TypeScoreUpdate carries one opaque score record from scheduler to client.
	TypeScoreUpdate Type = "game.score.update"
	// TypeError reports a rejected request back to its sender.
	TypeError Type = "game.error"
)

// Channel is the closed enumeration of broker channels. The core uses exactly
// two; more can be added without touching the spine.
type Channel string

const (
	// ChannelScores carries scheduler-to-client score updates.
	ChannelScores Channel = "scores"
	// ChannelControls carries client-to-scheduler control commands.
	ChannelControls Channel = "controls"
)

// Valid reports whether t is one of the closed set of known event types.
func (t Type) Valid() bool {
	switch t {
	case TypeJoin, TypeControlStart, TypeControlPause, TypeControlResume,
		TypeControlSpeed, TypeScoreUpdate, TypeError:
		return true
	default:
		return false
	}
}

// Envelope is the wire shape for every message exchanged over the broker and
// the client transport: a type tag, the game it addresses, and an opaque
// payload specific to that type.
type Envelope struct {
	Type    Type            `json:"type"`
	GameID  string          `json:"game_id,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ParseEnvelope decodes raw JSON into an Envelope and rejects unknown event
// types before the router ever sees them.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !env.Type.Valid() {
		return Envelope{}, fmt.Errorf("unknown event type %q", env.Type)
	}
	return env, nil
}

// NewScoreUpdate builds a score-update envelope carrying an opaque record.
func NewScoreUpdate(gameID string, data json.RawMessage) Envelope {
	return Envelope{Type: TypeScoreUpdate, GameID: gameID, Data: data}
}

// NewError builds an error envelope for a rejected client request.
func NewError(gameID, message string) Envelope {
	return Envelope{Type: TypeError, GameID: gameID, Message: message}
}

// Marshal serializes the envelope for transport.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
